package raft

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

type serverState int32

const (
	serverCreated serverState = iota
	serverStarted
	serverAborting
	serverAborted
)

// Status is a point-in-time view of a server.
type Status struct {
	ID            ServerID
	Term          Term
	Role          Role
	Leader        ServerID
	CommitIndex   Index
	AppliedIndex  Index
	SnapshotIndex Index
	LogLength     int
	Configuration Configuration
}

// entryWaiter waits for the fate of the entry (idx, term).
type entryWaiter struct {
	idx  Index
	term Term
	wait WaitType
	done chan error
	// onCommit replaces the default resolution once the entry commits.
	onCommit func()
}

func entryWaiterLess(a, b *entryWaiter) bool {
	if a.idx != b.idx {
		return a.idx < b.idx
	}
	return a.term < b.term
}

type indexWaiter struct {
	idx  Index
	done chan error
}

type readResult struct {
	idx Index
	err error
}

type readWaiter struct {
	id   ReadID
	idx  Index
	done chan readResult
}

type pendingRead struct {
	requester ServerID
	done      chan readResult
}

type deferredReply struct {
	to    ServerID
	reply SnapshotReply
	seq   uint64
}

// Server runs one Raft group member. It owns an Fsm on a single goroutine
// and performs the persistence, messaging and state machine work the Fsm
// asks for. Server implements RPCServer.
type Server struct {
	id      ServerID
	cfg     ServerConfig
	logger  Logger
	metrics *serverMetrics

	persistence Persistence
	rpc         RPC
	sm          StateMachine
	fd          FailureDetector

	lifecycle sync.Mutex
	state     atomic.Int32
	status    atomic.Pointer[Status]
	leaderMu  sync.Mutex
	leaderCh  chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	cmdCh       chan func()
	stopCh      chan struct{}
	loopDone    chan struct{}
	applierDone chan struct{}
	transfers   sync.WaitGroup

	// Everything below is owned by the loop goroutine.
	fsm             *Fsm
	applier         *applier
	members         ServerAddressSet
	applied         Index
	lastRole        Role
	entryWaiters    *btree.BTreeG[*entryWaiter]
	appliedWaiters  []*indexWaiter
	confWaiters     []*indexWaiter
	readWaiters     []*readWaiter
	pendingReads    []pendingRead
	admission       []func()
	stepdownWaiters []chan error
	installWaiters  map[ServerID]chan SnapshotReply
	deferredReplies []deferredReply
	loadSeq         uint64
	loadedSeq       uint64
}

// NewServer creates a server. It does nothing until Start is called.
func NewServer(id ServerID, cfg ServerConfig, persistence Persistence, rpc RPC, sm StateMachine, fd FailureDetector) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, errors.Wrap(ErrInvalidConfig, "server id must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		id:             id,
		cfg:            cfg,
		logger:         logger,
		metrics:        newServerMetrics(cfg.GroupID, id),
		persistence:    persistence,
		rpc:            rpc,
		sm:             sm,
		fd:             fd,
		leaderCh:       make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		cmdCh:          make(chan func()),
		stopCh:         make(chan struct{}),
		loopDone:       make(chan struct{}),
		applierDone:    make(chan struct{}),
		entryWaiters:   btree.NewG[*entryWaiter](8, entryWaiterLess),
		installWaiters: make(map[ServerID]chan SnapshotReply),
	}
	s.status.Store(&Status{ID: id})
	return s, nil
}

// Bootstrap stores the initial configuration of a new group. It does nothing
// when persistence already holds Raft state.
func Bootstrap(ctx context.Context, p Persistence, cfg Configuration) error {
	snp, err := p.LoadSnapshotDescriptor(ctx)
	if err != nil {
		return errors.Wrap(err, "load snapshot descriptor")
	}
	entries, err := p.LoadLog(ctx)
	if err != nil {
		return errors.Wrap(err, "load log")
	}
	if snp.Index > 0 || len(snp.Config.Current) > 0 || len(entries) > 0 {
		return nil
	}
	if len(cfg.Current) == 0 {
		return ErrEmptyConfiguration
	}
	if cfg.Current.VoterCount() == 0 {
		return ErrNoVoters
	}
	return p.StoreSnapshotDescriptor(ctx, SnapshotDescriptor{Config: cfg}, 0)
}

// ID returns the server id.
func (s *Server) ID() ServerID { return s.id }

// Start loads the persisted state and starts the server goroutines.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if serverState(s.state.Load()) != serverCreated {
		return errors.Wrap(ErrStopped, "server already started")
	}

	term, vote, err := s.persistence.LoadTermAndVote(ctx)
	if err != nil {
		return errors.Wrap(err, "load term and vote")
	}
	snp, err := s.persistence.LoadSnapshotDescriptor(ctx)
	if err != nil {
		return errors.Wrap(err, "load snapshot descriptor")
	}
	entries, err := s.persistence.LoadLog(ctx)
	if err != nil {
		return errors.Wrap(err, "load log")
	}
	log, err := NewLog(snp, entries)
	if err != nil {
		return errors.Mark(err, ErrLogCorrupted)
	}
	if !snp.ID.IsZero() {
		if err := s.sm.LoadSnapshot(ctx, snp.ID); err != nil {
			return errors.Wrapf(err, "load snapshot %s", snp.ID)
		}
	}

	s.fsm = NewFsm(s.id, term, vote, log, snp.Index, s.fd, FsmConfig{
		AppendRequestThreshold: s.cfg.AppendRequestThreshold,
		EnablePrevoting:        s.cfg.EnablePrevoting,
		Logger:                 s.logger,
	})
	s.lastRole = s.fsm.Role()
	s.applied = snp.Index
	s.applier = &applier{
		sm:          s.sm,
		threshold:   s.cfg.SnapshotThreshold,
		logger:      s.logger,
		metrics:     s.metrics,
		in:          newQueue[applyItem](),
		events:      newQueue[applierEvent](),
		applied:     snp.Index,
		snapshotIdx: snp.Index,
	}
	s.members = log.Configuration().Members()
	s.rpc.OnConfigurationChange(addressList(s.members), nil)
	s.publishStatus()

	s.logger.Info("starting raft server",
		"serverId", s.id, "groupId", s.cfg.GroupID, "term", term,
		"snapshotIdx", snp.Index, "lastIdx", log.LastIndex())

	s.state.Store(int32(serverStarted))
	go s.applier.run(s.ctx, s.stopCh, s.applierDone)
	go s.run()
	return nil
}

// Abort stops the server, fails all pending operations with ErrStopped and
// closes the collaborators. It is safe to call more than once.
func (s *Server) Abort() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	prev := serverState(s.state.Load())
	if prev == serverAborting || prev == serverAborted {
		return
	}
	s.state.Store(int32(serverAborting))
	s.logger.Info("aborting raft server", "serverId", s.id, "groupId", s.cfg.GroupID)

	close(s.stopCh)
	s.cancel()
	if prev == serverStarted {
		<-s.loopDone
		<-s.applierDone
		s.transfers.Wait()
		s.failWaiters()
	}
	if err := s.rpc.Close(); err != nil {
		s.logger.Warn("failed to close rpc", "serverId", s.id, "error", err)
	}
	if err := s.persistence.Close(); err != nil {
		s.logger.Warn("failed to close persistence", "serverId", s.id, "error", err)
	}
	s.sm.Abort()
	s.state.Store(int32(serverAborted))
}

// Aborted reports whether the server was aborted.
func (s *Server) Aborted() bool {
	st := serverState(s.state.Load())
	return st == serverAborting || st == serverAborted
}

// Done is closed when the server stops.
func (s *Server) Done() <-chan struct{} {
	return s.stopCh
}

func (s *Server) failWaiters() {
	s.entryWaiters.Ascend(func(w *entryWaiter) bool {
		w.done <- ErrStopped
		return true
	})
	s.entryWaiters.Clear(false)
	for _, w := range s.appliedWaiters {
		w.done <- ErrStopped
	}
	for _, w := range s.confWaiters {
		w.done <- ErrStopped
	}
	for _, w := range s.readWaiters {
		w.done <- readResult{err: ErrStopped}
	}
	for _, r := range s.pendingReads {
		r.done <- readResult{err: ErrStopped}
	}
	for _, ch := range s.stepdownWaiters {
		ch <- ErrStopped
	}
	s.appliedWaiters, s.confWaiters, s.readWaiters = nil, nil, nil
	s.pendingReads, s.stepdownWaiters, s.admission = nil, nil, nil
}

// fail aborts the server from inside the loop.
func (s *Server) fail(err error) {
	s.logger.Error("raft group failed, aborting", "serverId", s.id, "groupId", s.cfg.GroupID, "error", err)
	go s.Abort()
}

func (s *Server) run() {
	defer close(s.loopDone)
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Newf("%v", r)
			}
			s.fail(errors.Wrap(err, "raft state machine panicked"))
		}
	}()

	if err := s.processOutput(); err != nil {
		s.fail(err)
		return
	}
	for {
		select {
		case <-s.stopCh:
			return
		case fn := <-s.cmdCh:
			fn()
		case <-s.applier.events.signal:
			if err := s.handleApplierEvents(); err != nil {
				s.fail(err)
				return
			}
		}
		if err := s.processOutput(); err != nil {
			s.fail(err)
			return
		}
	}
}

// post runs fn on the loop goroutine.
func (s *Server) post(ctx context.Context, fn func()) error {
	if serverState(s.state.Load()) != serverStarted {
		return ErrStopped
	}
	select {
	case s.cmdCh <- fn:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-s.stopCh:
		return ErrStopped
	}
}

func await[T any](ctx context.Context, s *Server, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctxErr(ctx)
	case <-s.stopCh:
		return zero, ErrStopped
	}
}

// ctxErr marks deadline expiry as ErrTimeout.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(err, ErrTimeout)
	}
	return err
}

// forwardTarget returns the leader to forward to when err says this server
// is not the leader and forwarding is enabled.
func (s *Server) forwardTarget(err error) (ServerID, bool) {
	var nle *NotLeaderError
	if !s.cfg.EnableForwarding || !errors.As(err, &nle) {
		return ServerID{}, false
	}
	if nle.Leader.IsZero() || nle.Leader == s.id {
		return ServerID{}, false
	}
	return nle.Leader, true
}

// Tick advances the server's logical clock.
func (s *Server) Tick() {
	_ = s.post(s.ctx, func() {
		s.fsm.Tick()
		s.metrics.state(s.fsm, s.applied)
	})
}

// Status returns the latest published status.
func (s *Server) Status() Status {
	return *s.status.Load()
}

// GetConfiguration returns the newest known configuration.
func (s *Server) GetConfiguration() Configuration {
	return s.status.Load().Configuration
}

// GetCurrentTerm returns the current term.
func (s *Server) GetCurrentTerm() Term {
	return s.status.Load().Term
}

// IsLeader reports whether the server is the leader.
func (s *Server) IsLeader() bool {
	return s.status.Load().Role == RoleLeader
}

// CurrentLeader returns the known leader or the zero id.
func (s *Server) CurrentLeader() ServerID {
	return s.status.Load().Leader
}

// WaitForLeader blocks until a leader is known.
func (s *Server) WaitForLeader(ctx context.Context) (ServerID, error) {
	for {
		s.leaderMu.Lock()
		ch := s.leaderCh
		s.leaderMu.Unlock()
		if leader := s.CurrentLeader(); !leader.IsZero() {
			return leader, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ServerID{}, ctxErr(ctx)
		case <-s.stopCh:
			return ServerID{}, ErrStopped
		}
	}
}

func (s *Server) publishStatus() {
	log := s.fsm.Log()
	st := &Status{
		ID:            s.id,
		Term:          s.fsm.CurrentTerm(),
		Role:          s.fsm.Role(),
		Leader:        s.fsm.CurrentLeader(),
		CommitIndex:   s.fsm.CommitIndex(),
		AppliedIndex:  s.applied,
		SnapshotIndex: log.Snapshot().Index,
		LogLength:     log.Len(),
	}
	prev := s.status.Load()
	if prev.Configuration.Equal(log.Configuration()) {
		st.Configuration = prev.Configuration
	} else {
		st.Configuration = log.Configuration().Clone()
	}
	s.status.Store(st)
	if prev.Leader != st.Leader {
		s.leaderMu.Lock()
		close(s.leaderCh)
		s.leaderCh = make(chan struct{})
		s.leaderMu.Unlock()
	}
}

// AddEntry submits a command and waits until it is committed or applied,
// depending on wait. On a follower the command is forwarded to the leader
// when forwarding is enabled.
func (s *Server) AddEntry(ctx context.Context, command []byte, wait WaitType) error {
	done := make(chan error, 1)
	_, _, err := s.submit(ctx, command, &entryWaiter{wait: wait, done: done})
	if leader, ok := s.forwardTarget(err); ok {
		term, idx, ferr := s.rpc.ExecuteAddEntry(ctx, leader, command)
		if ferr != nil {
			return ferr
		}
		w := &entryWaiter{idx: idx, term: term, wait: wait, done: done}
		if err := s.post(ctx, func() { s.registerEntryWaiter(w) }); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	res, err := await(ctx, s, done)
	if err != nil {
		return err
	}
	return res
}

type submitResult struct {
	term Term
	idx  Index
	err  error
}

// submit appends command on the leader. When w is set it is registered for
// the new entry in the same step.
func (s *Server) submit(ctx context.Context, command []byte, w *entryWaiter) (Term, Index, error) {
	res := make(chan submitResult, 1)
	var try func()
	try = func() {
		if ctx.Err() != nil {
			return
		}
		if !s.fsm.IsLeader() {
			res <- submitResult{err: notLeader(s.fsm.CurrentLeader())}
			return
		}
		if s.fsm.Log().Len() >= s.cfg.MaxLogSize {
			s.admission = append(s.admission, try)
			return
		}
		e, err := s.fsm.AddEntry(command)
		if err != nil {
			res <- submitResult{err: err}
			return
		}
		s.metrics.entriesAdded(1)
		if w != nil {
			w.idx, w.term = e.Index, e.Term
			s.registerEntryWaiter(w)
		}
		res <- submitResult{term: e.Term, idx: e.Index}
	}
	if err := s.post(ctx, try); err != nil {
		return 0, 0, err
	}
	r, err := await(ctx, s, res)
	if err != nil {
		return 0, 0, err
	}
	return r.term, r.idx, r.err
}

// registerEntryWaiter starts waiting for an entry, resolving it right away
// if its fate is already known.
func (s *Server) registerEntryWaiter(w *entryWaiter) {
	if w.idx > s.fsm.CommitIndex() {
		s.entryWaiters.ReplaceOrInsert(w)
		return
	}
	term, ok := s.fsm.Log().TermFor(w.idx)
	switch {
	case !ok:
		w.done <- ErrCommitStatusUnknown
	case term != w.term:
		w.done <- ErrDroppedEntry
	case w.onCommit != nil:
		w.onCommit()
	case w.wait == WaitCommitted:
		w.done <- nil
	default:
		s.waitApplied(w.idx, w.done)
	}
}

func (s *Server) waitApplied(idx Index, done chan error) {
	if idx <= s.applied {
		done <- nil
		return
	}
	i := sort.Search(len(s.appliedWaiters), func(i int) bool { return s.appliedWaiters[i].idx > idx })
	s.appliedWaiters = append(s.appliedWaiters, nil)
	copy(s.appliedWaiters[i+1:], s.appliedWaiters[i:])
	s.appliedWaiters[i] = &indexWaiter{idx: idx, done: done}
}

// SetConfiguration changes the member set through joint consensus and waits
// until the final configuration is committed.
func (s *Server) SetConfiguration(ctx context.Context, next ServerAddressSet) error {
	done := make(chan error, 1)
	if err := s.post(ctx, func() { s.startConfChange(next, done) }); err != nil {
		return err
	}
	res, err := await(ctx, s, done)
	if err != nil {
		return err
	}
	return res
}

// ModifyConfig adds and removes members. On a follower the change is
// forwarded to the leader when forwarding is enabled.
func (s *Server) ModifyConfig(ctx context.Context, add []ServerAddress, del []ServerID) error {
	err := s.modifyConfig(ctx, add, del)
	if leader, ok := s.forwardTarget(err); ok {
		return s.rpc.ExecuteModifyConfig(ctx, leader, add, del)
	}
	return err
}

func (s *Server) modifyConfig(ctx context.Context, add []ServerAddress, del []ServerID) error {
	done := make(chan error, 1)
	err := s.post(ctx, func() {
		if !s.fsm.IsLeader() {
			done <- notLeader(s.fsm.CurrentLeader())
			return
		}
		cfg := s.fsm.Configuration()
		if cfg.IsJoint() {
			done <- ErrConfChangeInProgress
			return
		}
		next := cfg.Current.Clone()
		for _, a := range add {
			next[a.ID] = a
		}
		for _, id := range del {
			delete(next, id)
		}
		s.startConfChange(next, done)
	})
	if err != nil {
		return err
	}
	res, err := await(ctx, s, done)
	if err != nil {
		return err
	}
	return res
}

func (s *Server) startConfChange(next ServerAddressSet, done chan error) {
	e, err := s.fsm.AddConfiguration(next)
	if err != nil {
		done <- err
		return
	}
	s.logger.Info("configuration change started",
		"serverId", s.id, "groupId", s.cfg.GroupID, "index", e.Index, "members", len(next))
	w := &entryWaiter{idx: e.Index, term: e.Term, wait: WaitCommitted, done: done}
	w.onCommit = func() {
		s.confWaiters = append(s.confWaiters, &indexWaiter{idx: e.Index, done: done})
		s.resolveConfWaiters()
	}
	s.registerEntryWaiter(w)
}

// resolveConfWaiters completes configuration changes once a later
// non-joint configuration is committed.
func (s *Server) resolveConfWaiters() {
	if len(s.confWaiters) == 0 {
		return
	}
	log := s.fsm.Log()
	confIdx := log.LastConfIndex()
	if confIdx == 0 {
		confIdx = log.Snapshot().Index
	}
	if confIdx > s.fsm.CommitIndex() || log.ConfigurationFor(confIdx).IsJoint() {
		return
	}
	kept := s.confWaiters[:0]
	for _, w := range s.confWaiters {
		if w.idx < confIdx {
			w.done <- nil
			continue
		}
		kept = append(kept, w)
	}
	s.confWaiters = kept
}

// ReadBarrier waits until the local state machine reflects every entry
// committed before the call.
func (s *Server) ReadBarrier(ctx context.Context) error {
	idx, err := s.readIndex(ctx, s.id)
	if leader, ok := s.forwardTarget(err); ok {
		idx, err = s.rpc.ExecuteReadBarrierOnLeader(ctx, leader)
	}
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := s.post(ctx, func() { s.waitApplied(idx, done) }); err != nil {
		return err
	}
	res, err := await(ctx, s, done)
	if err != nil {
		return err
	}
	return res
}

func (s *Server) readIndex(ctx context.Context, requester ServerID) (Index, error) {
	done := make(chan readResult, 1)
	if err := s.post(ctx, func() { s.startRead(requester, done) }); err != nil {
		return 0, err
	}
	r, err := await(ctx, s, done)
	if err != nil {
		return 0, err
	}
	return r.idx, r.err
}

func (s *Server) startRead(requester ServerID, done chan readResult) {
	id, idx, ok, err := s.fsm.StartReadBarrier(requester)
	switch {
	case err != nil:
		done <- readResult{err: err}
	case !ok:
		s.pendingReads = append(s.pendingReads, pendingRead{requester: requester, done: done})
	default:
		s.readWaiters = append(s.readWaiters, &readWaiter{id: id, idx: idx, done: done})
	}
}

// Stepdown transfers leadership to another voter and waits until this
// server is no longer the leader. It fails with ErrTimeout when no successor
// takes over within timeout.
func (s *Server) Stepdown(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	err := s.post(ctx, func() {
		if err := s.fsm.TransferLeadership(s.cfg.timeoutTicks(timeout)); err != nil {
			done <- err
			return
		}
		s.stepdownWaiters = append(s.stepdownWaiters, done)
	})
	if err != nil {
		return err
	}
	res, err := await(ctx, s, done)
	if err != nil {
		return err
	}
	return res
}

func addressList(set ServerAddressSet) []ServerAddress {
	out := make([]ServerAddress, 0, len(set))
	for _, id := range set.IDs() {
		out = append(out, set[id])
	}
	return out
}

// Package registry runs the Raft groups of one node.
//
// A node hosts any number of groups, one of which, group 0, holds the
// cluster metadata. Each group gets its own raft.Server, persistence and
// ticker, while the transport and the failure detector are shared.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
	"github.com/KilimcininKorOglu/metaraft/internal/transport"
)

// DefaultTickInterval is the interval between ticks of a group.
const DefaultTickInterval = 100 * time.Millisecond

// Registry errors.
var (
	ErrGroupNotFound = errors.New("registry: group not found")
	ErrGroupExists   = errors.New("registry: group already running")
	ErrNoGroup0      = errors.New("registry: group 0 is not running")
	ErrStopped       = errors.New("registry: stopped")
)

// PersistenceFunc opens the persistence of a group.
type PersistenceFunc func(raft.GroupID) (raft.Persistence, error)

// GroupConfig describes a group to start.
type GroupConfig struct {
	ID           raft.GroupID
	StateMachine raft.StateMachine
	// Bootstrap is stored as the initial configuration when the group has
	// no persisted state. Leave it empty to join an existing group.
	Bootstrap raft.Configuration
	// Server overrides the registry's server configuration when set.
	Server *raft.ServerConfig
}

// Options tunes a Registry.
type Options struct {
	// Server is the default configuration of group servers. A zero value
	// selects raft.DefaultServerConfig.
	Server raft.ServerConfig
	Logger logging.Logger
}

type group struct {
	id     raft.GroupID
	server *raft.Server
	stopCh chan struct{}
	done   chan struct{}
}

// Registry maps group ids to running servers.
type Registry struct {
	id          raft.ServerID
	mux         *transport.Mux
	fd          raft.FailureDetector
	persistence PersistenceFunc
	opts        Options
	logger      logging.Logger

	mu      sync.RWMutex
	groups  map[raft.GroupID]*group
	group0  raft.GroupID
	hasG0   bool
	stopped bool
}

// New creates a registry for node id. Groups talk through mux and share fd.
func New(id raft.ServerID, mux *transport.Mux, fd raft.FailureDetector, persistence PersistenceFunc, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Server.SnapshotThreshold == 0 {
		logger := opts.Server.Logger
		opts.Server = raft.DefaultServerConfig()
		opts.Server.Logger = logger
	}
	if opts.Server.TickInterval == 0 {
		opts.Server.TickInterval = DefaultTickInterval
	}
	return &Registry{
		id:          id,
		mux:         mux,
		fd:          fd,
		persistence: persistence,
		opts:        opts,
		logger:      opts.Logger,
		groups:      make(map[raft.GroupID]*group),
	}
}

// ID returns the server id of this node.
func (r *Registry) ID() raft.ServerID { return r.id }

// StartGroup creates, registers and starts the server of a group.
func (r *Registry) StartGroup(ctx context.Context, gc GroupConfig) (*raft.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrStopped
	}
	if _, ok := r.groups[gc.ID]; ok {
		return nil, errors.Wrapf(ErrGroupExists, "group %s", gc.ID)
	}

	p, err := r.persistence(gc.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "open persistence of group %s", gc.ID)
	}
	if len(gc.Bootstrap.Current) > 0 {
		if err := raft.Bootstrap(ctx, p, gc.Bootstrap); err != nil {
			return nil, errors.Wrapf(err, "bootstrap group %s", gc.ID)
		}
	}

	cfg := r.opts.Server
	if gc.Server != nil {
		cfg = *gc.Server
	}
	cfg.GroupID = gc.ID
	if cfg.Logger == nil {
		cfg.Logger = r.logger.WithFields("groupId", gc.ID.String())
	}

	rpc := r.mux.Group(gc.ID)
	srv, err := raft.NewServer(r.id, cfg, p, rpc, gc.StateMachine, r.fd)
	if err != nil {
		_ = rpc.Close()
		_ = p.Close()
		return nil, err
	}
	r.mux.Register(gc.ID, srv)
	if err := srv.Start(ctx); err != nil {
		r.mux.Unregister(gc.ID)
		_ = rpc.Close()
		_ = p.Close()
		return nil, errors.Wrapf(err, "start group %s", gc.ID)
	}

	g := &group{id: gc.ID, server: srv, stopCh: make(chan struct{}), done: make(chan struct{})}
	r.groups[gc.ID] = g
	go r.tick(g, cfg.TickInterval)

	r.logger.Info("raft group started", "groupId", gc.ID.String(), "serverId", r.id.String())
	return srv, nil
}

// StartGroup0 starts group 0 and remembers it as the metadata group.
func (r *Registry) StartGroup0(ctx context.Context, gc GroupConfig) (*raft.Server, error) {
	srv, err := r.StartGroup(ctx, gc)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.group0, r.hasG0 = gc.ID, true
	r.mu.Unlock()
	return srv, nil
}

func (r *Registry) tick(g *group, interval time.Duration) {
	defer close(g.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-g.server.Done():
			r.forget(g)
			return
		case <-ticker.C:
			g.server.Tick()
		}
	}
}

// forget drops a group whose server aborted on its own.
func (r *Registry) forget(g *group) {
	r.mu.Lock()
	if cur, ok := r.groups[g.id]; !ok || cur != g {
		r.mu.Unlock()
		return
	}
	delete(r.groups, g.id)
	if r.hasG0 && r.group0 == g.id {
		r.hasG0 = false
	}
	r.mu.Unlock()
	r.mux.Unregister(g.id)
	r.logger.Warn("raft group aborted", "groupId", g.id.String(), "serverId", r.id.String())
}

// Group returns the server of a group.
func (r *Registry) Group(id raft.GroupID) (*raft.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, errors.Wrapf(ErrGroupNotFound, "group %s", id)
	}
	return g.server, nil
}

// Group0 returns the server of group 0.
func (r *Registry) Group0() (*raft.Server, error) {
	r.mu.RLock()
	id, ok := r.group0, r.hasG0
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoGroup0
	}
	return r.Group(id)
}

// Groups returns the ids of the running groups in a stable order.
func (r *Registry) Groups() []raft.GroupID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]raft.GroupID, 0, len(r.groups))
	for id := range r.groups {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// StopGroup aborts one group and unregisters it.
func (r *Registry) StopGroup(id raft.GroupID) error {
	r.mu.Lock()
	g, ok := r.groups[id]
	if ok {
		delete(r.groups, id)
		if r.hasG0 && r.group0 == id {
			r.hasG0 = false
		}
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrGroupNotFound, "group %s", id)
	}
	r.stop(g)
	return nil
}

func (r *Registry) stop(g *group) {
	close(g.stopCh)
	<-g.done
	r.mux.Unregister(g.id)
	g.server.Abort()
	r.logger.Info("raft group stopped", "groupId", g.id.String(), "serverId", r.id.String())
}

// Abort stops every group. The registry cannot be used afterwards.
func (r *Registry) Abort() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	groups := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.groups = make(map[raft.GroupID]*group)
	r.hasG0 = false
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *group) {
			defer wg.Done()
			r.stop(g)
		}(g)
	}
	wg.Wait()
}

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// Failure detector defaults.
const (
	DefaultPingInterval = 500 * time.Millisecond
	DefaultPingTimeout  = 300 * time.Millisecond
	DefaultDeadAfter    = 2 * time.Second
	// Servers nobody asked about for this long stop being pinged.
	forgetAfter = time.Minute
)

// Pinger checks that a node answers.
type Pinger interface {
	Ping(ctx context.Context, to raft.ServerID) error
}

// FailureDetectorConfig tunes a DirectFailureDetector.
type FailureDetectorConfig struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	// DeadAfter is how long a server may stay silent before it is
	// considered dead.
	DeadAfter time.Duration
	Logger    logging.Logger
}

type peerState struct {
	lastSeen    time.Time
	lastQueried time.Time
}

// DirectFailureDetector decides liveness from direct pings and from any
// other frame received from a node. It is shared by all groups of a node.
type DirectFailureDetector struct {
	self   raft.ServerID
	pinger Pinger
	cfg    FailureDetectorConfig
	logger logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	peers map[raft.ServerID]*peerState

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDirectFailureDetector creates a failure detector for node self.
func NewDirectFailureDetector(self raft.ServerID, pinger Pinger, cfg FailureDetectorConfig) *DirectFailureDetector {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = DefaultDeadAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &DirectFailureDetector{
		self:   self,
		pinger: pinger,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		peers:  make(map[raft.ServerID]*peerState),
		stopCh: make(chan struct{}),
	}
}

// IsAlive implements raft.FailureDetector. A server seen for the first time
// is assumed alive and watched from then on.
func (d *DirectFailureDetector) IsAlive(id raft.ServerID) bool {
	if id == d.self {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		d.peers[id] = &peerState{lastSeen: now, lastQueried: now}
		return true
	}
	p.lastQueried = now
	return now.Sub(p.lastSeen) < d.cfg.DeadAfter
}

// Contact records that a frame arrived from id.
func (d *DirectFailureDetector) Contact(id raft.ServerID) {
	if id == d.self {
		return
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.lastSeen = now
	}
}

// Start launches the ping loop.
func (d *DirectFailureDetector) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop ends the ping loop and waits for it.
func (d *DirectFailureDetector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *DirectFailureDetector) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.pingAll()
		}
	}
}

// watched returns the servers to ping and forgets the ones nobody asked
// about recently.
func (d *DirectFailureDetector) watched() []raft.ServerID {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]raft.ServerID, 0, len(d.peers))
	for id, p := range d.peers {
		if now.Sub(p.lastQueried) > forgetAfter {
			delete(d.peers, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (d *DirectFailureDetector) pingAll() {
	ids := d.watched()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id raft.ServerID) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PingTimeout)
			defer cancel()
			if err := d.pinger.Ping(ctx, id); err != nil {
				d.logger.Debug("ping failed", "serverId", id.String(), "error", err)
				return
			}
			d.Contact(id)
		}(id)
	}
	wg.Wait()
}

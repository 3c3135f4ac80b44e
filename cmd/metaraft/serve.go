package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/metaraft/internal/api"
	"github.com/KilimcininKorOglu/metaraft/internal/config"
	"github.com/KilimcininKorOglu/metaraft/internal/group0"
	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
	"github.com/KilimcininKorOglu/metaraft/internal/registry"
	"github.com/KilimcininKorOglu/metaraft/internal/storage"
	"github.com/KilimcininKorOglu/metaraft/internal/transport"
)

const (
	addressTTL        = time.Hour
	sweepInterval     = time.Minute
	shutdownTimeout   = 30 * time.Second
	group0SnapshotDir = "group0-snapshots"
)

// Node is a running metaraft process.
type Node struct {
	config *config.Config
	logger logging.Logger

	sink     *metrics.InmemSink
	db       *storage.DB
	id       raft.ServerID
	addrs    *transport.AddressMap
	mux      *transport.Mux
	fd       *registry.DirectFailureDetector
	registry *registry.Registry
	group0   *group0.Node
	api      *api.Server

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNode opens the storage of cfg and builds the node. Nothing runs until
// Start is called.
func NewNode(cfg *config.Config, logger logging.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	n := &Node{config: cfg, logger: logger, stopCh: make(chan struct{})}

	if cfg.Metrics.Enabled {
		n.sink = metrics.NewInmemSink(cfg.Metrics.Interval, cfg.Metrics.Retention)
		mcfg := metrics.DefaultConfig("metaraft")
		mcfg.EnableHostname = false
		if _, err := metrics.NewGlobal(mcfg, n.sink); err != nil {
			return nil, errors.Wrap(err, "install metrics sink")
		}
	}

	db, err := storage.Open(cfg.Node.DataDir)
	if err != nil {
		return nil, err
	}
	n.db = db

	if cfg.Node.ID != "" {
		n.id, err = raft.ParseServerID(cfg.Node.ID)
		if err == nil {
			err = db.SetServerID(n.id)
		}
	} else {
		n.id, err = db.ServerID()
	}
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "server id")
	}
	n.logger = logger.WithFields("serverId", n.id.String())

	n.addrs = transport.NewAddressMap(addressTTL)
	tcp := transport.NewTCPTransport(cfg.Node.RaftAddress, n.addrs)
	n.mux = transport.NewMux(n.id, tcp, n.addrs, n.logger)

	n.fd = registry.NewDirectFailureDetector(n.id, n.mux, registry.FailureDetectorConfig{
		PingInterval: cfg.FailureDetector.PingInterval,
		PingTimeout:  cfg.FailureDetector.PingTimeout,
		DeadAfter:    cfg.FailureDetector.DeadAfter,
		Logger:       n.logger,
	})
	n.mux.OnContact(n.fd.Contact)

	serverCfg := cfg.Raft.ServerConfig()
	serverCfg.Logger = n.logger
	n.registry = registry.New(n.id, n.mux, n.fd, func(gid raft.GroupID) (raft.Persistence, error) {
		return db.Persistence(gid)
	}, registry.Options{Server: serverCfg, Logger: n.logger})

	return n, nil
}

// ID returns the server id of the node.
func (n *Node) ID() raft.ServerID { return n.id }

// Group0 returns the local group0 member once started.
func (n *Node) Group0() *group0.Node { return n.group0 }

// APIAddr returns the address the API listens on, or "".
func (n *Node) APIAddr() string {
	if n.api == nil {
		return ""
	}
	return n.api.Addr()
}

// Start starts the transport, group0 and the API.
func (n *Node) Start(ctx context.Context) error {
	cfg := n.config
	if err := n.mux.Start(); err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Node.RaftAddress)
	}
	n.fd.Start()
	n.wg.Add(1)
	go n.sweepAddresses()

	gid, err := cfg.Group0.GroupID()
	if err != nil {
		return errors.Wrap(err, "group0 id")
	}
	bootstrap, err := cfg.Group0.Bootstrap()
	if err != nil {
		return errors.Wrap(err, "group0 members")
	}
	n.group0, err = group0.Start(ctx, n.registry, group0.Config{
		ID:          gid,
		SnapshotDir: filepath.Join(cfg.Node.DataDir, group0SnapshotDir),
		Bootstrap:   bootstrap,
		Logger:      n.logger,
	})
	if err != nil {
		return errors.Wrap(err, "start group0")
	}
	n.logger.Info("group0 started",
		"groupId", gid.String(),
		"raftAddress", cfg.Node.RaftAddress,
		"bootstrap", len(bootstrap.Current) > 0)

	if cfg.API.Enabled {
		apiCfg := api.DefaultServerConfig()
		apiCfg.Address = cfg.API.Address
		if cfg.API.ReadTimeout > 0 {
			apiCfg.ReadTimeout = cfg.API.ReadTimeout
		}
		if cfg.API.WriteTimeout > 0 {
			apiCfg.WriteTimeout = cfg.API.WriteTimeout
		}
		n.api = api.NewServer(apiCfg, api.NewGroup0Backend(n.group0), n.sink, n.logger)
		if err := n.api.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) sweepAddresses() {
	defer n.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if removed := n.addrs.Sweep(); removed > 0 {
				n.logger.Debug("expired peer addresses", "count", removed)
			}
		}
	}
}

// Stop shuts the node down. It is safe to call more than once and after a
// failed Start.
func (n *Node) Stop(ctx context.Context) error {
	var errs error
	n.stopOnce.Do(func() {
		if n.api != nil {
			if err := n.api.Stop(ctx); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrap(err, "stop API"))
			}
		}
		close(n.stopCh)
		n.registry.Abort()
		n.fd.Stop()
		if err := n.mux.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close transport"))
		}
		n.wg.Wait()
		if err := n.db.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close storage"))
		}
		n.logger.Info("node stopped")
	})
	return errs
}

type serveOptions struct {
	configFile  string
	nodeID      string
	dataDir     string
	raftAddress string
	apiAddress  string
	logLevel    string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a metaraft node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to configuration file")
	flags.StringVar(&opts.nodeID, "id", "", "server id (overrides config)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&opts.raftAddress, "raft-address", "", "Raft listen address (overrides config)")
	flags.StringVar(&opts.apiAddress, "api-address", "", "HTTP API listen address (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	return cmd
}

func (o *serveOptions) apply(cfg *config.Config) {
	if o.nodeID != "" {
		cfg.Node.ID = o.nodeID
	}
	if o.dataDir != "" {
		cfg.Node.DataDir = o.dataDir
	}
	if o.raftAddress != "" {
		cfg.Node.RaftAddress = o.raftAddress
	}
	if o.apiAddress != "" {
		cfg.API.Address = o.apiAddress
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}

func serve(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	opts.apply(cfg)
	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "Configuration errors:")
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", e)
		}
		return validationFailed(errs)
	}

	logger := logging.New(cfg.Logging.LoggingConfig())
	defer logging.Sync(logger)

	node, err := NewNode(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		_ = node.Stop(stopCtx)
		return err
	}

	if opts.configFile != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			FilePath: opts.configFile,
			OnChange: config.LogLevelReloader(logger),
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("failed to create config watcher", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
			logger.Info("config file watcher started", "file", opts.configFile)
		}
	}

	// SIGUSR1 dumps the in-memory metrics to stderr.
	if node.sink != nil {
		sig := metrics.DefaultInmemSignal(node.sink)
		defer sig.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return node.Stop(stopCtx)
}

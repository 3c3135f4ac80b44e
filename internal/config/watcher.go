package config

import (
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
)

// Watcher polls a config file and calls OnChange with every valid new
// version. A change is picked up once the file content has differed from
// the last seen content for the debounce period.
type Watcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	onChange func(oldCfg, newCfg *Config)
	logger   logging.Logger

	digest    [sha256.Size]byte
	pendingAt time.Time

	mu      sync.Mutex
	current *Config
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatcherConfig holds config watcher configuration.
type WatcherConfig struct {
	FilePath     string
	PollInterval time.Duration // Default: 1s
	Debounce     time.Duration // Default: 200ms
	OnChange     func(oldCfg, newCfg *Config)
	Logger       logging.Logger
}

// NewWatcher loads the file once and creates a watcher for it.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.FilePath == "" {
		return nil, ErrMissingConfigFile
	}
	if cfg.OnChange == nil {
		return nil, ErrMissingOnChange
	}
	w := &Watcher{
		path:     cfg.FilePath,
		interval: cfg.PollInterval,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}
	if w.debounce <= 0 {
		w.debounce = 200 * time.Millisecond
	}
	if w.logger == nil {
		w.logger = logging.NewNop()
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", w.path)
	}
	if w.current, err = ParseConfig(data); err != nil {
		return nil, err
	}
	ApplyEnvOverrides(w.current, os.Getenv)
	w.digest = sha256.Sum256(data)
	return w, nil
}

// Start begins polling. Starting a running watcher does nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(w.stopCh, w.doneCh)
}

// Stop stops polling and waits for a running OnChange call to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (w *Watcher) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			w.poll(now)
		}
	}
}

// poll runs on the watcher goroutine only.
func (w *Watcher) poll(now time.Time) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("failed to read config file", "path", w.path, "error", err)
		return
	}
	if digest := sha256.Sum256(data); digest != w.digest {
		w.digest = digest
		w.pendingAt = now.Add(w.debounce)
		return
	}
	if w.pendingAt.IsZero() || now.Before(w.pendingAt) {
		return
	}
	w.pendingAt = time.Time{}
	w.reload(data)
}

func (w *Watcher) reload(data []byte) {
	cfg, err := ParseConfig(data)
	if err != nil {
		w.logger.Warn("failed to reload config", "path", w.path, "error", err)
		return
	}
	ApplyEnvOverrides(cfg, os.Getenv)
	if errs := ValidateConfig(cfg); len(errs) > 0 {
		w.logger.Warn("ignoring invalid config", "path", w.path, "errors", len(errs), "first", errs[0].Error())
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(old, cfg)
}

// IsRunning reports whether the watcher polls.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// LogLevelReloader returns an OnChange callback that applies a changed log
// level to l. Other settings need a restart.
func LogLevelReloader(l logging.Logger) func(oldCfg, newCfg *Config) {
	return func(oldCfg, newCfg *Config) {
		if oldCfg.Logging.Level == newCfg.Logging.Level {
			return
		}
		if logging.SetLevel(l, logging.ParseLevel(newCfg.Logging.Level)) {
			l.Info("log level changed", "from", oldCfg.Logging.Level, "to", newCfg.Logging.Level)
		}
	}
}

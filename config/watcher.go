package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the config file watcher
type WatcherConfig struct {
	// Path is the config file to watch
	Path string

	// DebounceDelay is how long to wait for more changes before reloading
	DebounceDelay time.Duration

	// Reload rebuilds the effective configuration after a change. It must
	// apply the same layering as startup, or keys absent from the watched
	// file fall back to defaults.
	Reload func() (*Config, error)

	// OnPolicy receives each valid policy section that differs from the last
	OnPolicy func(PolicyConfig)

	// Logger for logging events
	Logger *slog.Logger
}

// Watcher reloads the policy section of a config file when it changes.
// The parent directory is watched so editors that replace the file on save
// are still seen.
type Watcher struct {
	config  WatcherConfig
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	target  string

	pendingMu sync.Mutex
	pending   bool

	lastHash   string
	lastPolicy PolicyConfig
	done           chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a new config file watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if config.Reload == nil {
		return nil, fmt.Errorf("reload function required")
	}
	if config.OnPolicy == nil {
		return nil, fmt.Errorf("policy callback required")
	}

	target, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.DebounceDelay == 0 {
		config.DebounceDelay = 200 * time.Millisecond
	}

	return &Watcher{
		config:  config,
		watcher: fsw,
		logger:  logger,
		target:  target,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the config file for changes
func (w *Watcher) Start(ctx context.Context) error {
	if hash, err := fileHash(w.target); err == nil {
		w.lastHash = hash
	}
	if cfg, err := w.config.Reload(); err == nil {
		w.lastPolicy = cfg.Policy
	}

	if err := w.watcher.Add(filepath.Dir(w.target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.target), err)
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started",
		"path", w.target,
		"debounce", w.config.DebounceDelay)

	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// processEvents handles fsnotify events with debouncing
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.pendingMu.Lock()
				w.pending = true
				w.pendingMu.Unlock()
				w.logger.Debug("Config change detected", "op", event.Op.String())
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending reloads the file once per burst of changes
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if !w.pending {
		w.pendingMu.Unlock()
		return
	}
	w.pending = false
	w.pendingMu.Unlock()

	hash, err := fileHash(w.target)
	if err != nil {
		// Mid-replace; the Create that follows will trigger another pass
		w.logger.Debug("Config file not readable", "error", err)
		return
	}
	if hash == w.lastHash {
		return
	}

	cfg, err := w.config.Reload()
	if err != nil {
		w.logger.Warn("Ignoring unparsable config change", "path", w.target, "error", err)
		return
	}
	if err := cfg.Policy.Validate(); err != nil {
		w.logger.Warn("Ignoring invalid policy change", "path", w.target, "error", err)
		return
	}

	w.lastHash = hash
	if samePolicy(cfg.Policy, w.lastPolicy) {
		w.logger.Debug("Config changed, policy unchanged", "path", w.target)
		return
	}
	w.lastPolicy = cfg.Policy
	w.logger.Info("Policy reloaded",
		"admin_username", cfg.Policy.AdminUsername,
		"assignees", cfg.Policy.Assignees)
	w.config.OnPolicy(cfg.Policy)
}

func samePolicy(a, b PolicyConfig) bool {
	return a.AdminUsername == b.AdminUsername && slices.Equal(a.Assignees, b.Assignees)
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

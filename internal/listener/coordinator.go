// Package listener discovers finalized session artifacts, promotes each into
// a live listening connection, and caches verification codes extracted from
// the messages those connections receive.
//
// Discovery is an interval-driven scan of the session directory. The login
// flow that produces artifacts runs in a different execution context, so the
// coordinator deliberately does not couple to it; an optional fsnotify watch
// only shortens the latency between finalize and pickup.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/wirasto/otphub/internal/protocol"
	"github.com/wirasto/otphub/internal/sessionfile"
	"github.com/wirasto/otphub/internal/store"
)

// Config configures the coordinator.
type Config struct {
	// Interval is how often to scan for new finalized artifacts.
	Interval time.Duration

	// ServiceSenderID is the sender whose messages carry codes.
	// Zero selects DefaultServiceSenderID.
	ServiceSenderID int64

	// WatchSessions additionally watches the session directory and scans
	// immediately when artifacts change.
	WatchSessions bool

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
	}
}

// Coordinator owns the active listener table and the discovery loop.
type Coordinator struct {
	config     Config
	files      *sessionfile.Registry
	dialer     protocol.Dialer
	classifier *Classifier
	table      *Table
	logger     *slog.Logger
	runID      string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	listeners sync.WaitGroup
}

// New creates a coordinator.
func New(config Config, files *sessionfile.Registry, creds *store.Store, dialer protocol.Dialer) *Coordinator {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	runID := uuid.New().String()[:8]
	logger := config.Logger.With("run_id", runID)

	return &Coordinator{
		config:     config,
		files:      files,
		dialer:     dialer,
		classifier: NewClassifier(creds, config.ServiceSenderID, logger),
		table:      NewTable(),
		logger:     logger,
		runID:      runID,
	}
}

// RunID returns the correlation ID for this coordinator run.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Table returns the active listener table.
func (c *Coordinator) Table() *Table {
	return c.table
}

// Start begins the discovery loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already running")
	}
	c.running = true
	// Recreate channels for this run (in case of restart after Stop).
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.discoveryLoop(ctx)
	return nil
}

// Stop halts discovery and drains every active listener.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
	return nil
}

func (c *Coordinator) discoveryLoop(ctx context.Context) {
	defer close(c.doneCh)

	var watchCh <-chan fsnotify.Event
	if c.config.WatchSessions {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			c.logger.Warn("session watch unavailable, falling back to interval only", "error", err)
		} else if err := watcher.Add(c.files.Dir()); err != nil {
			c.logger.Warn("session watch unavailable, falling back to interval only", "error", err)
			_ = watcher.Close()
		} else {
			defer watcher.Close()
			watchCh = watcher.Events
		}
	}

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case <-c.stopCh:
			c.drain()
			return
		case <-ticker.C:
			c.scan(ctx)
		case _, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			c.scan(ctx)
		}
	}
}

// scan lists finalized artifacts and brings up a listener for every identity
// not already in the table. Unauthorized artifacts are skipped silently and
// retried on the next cycle.
func (c *Coordinator) scan(ctx context.Context) {
	identities, err := c.files.ListFinalized()
	if err != nil {
		c.logger.Error("failed to list session artifacts", "error", err)
		return
	}

	for _, identity := range identities {
		if c.table.Contains(identity) {
			continue
		}
		c.bringUp(ctx, identity)
	}
}

func (c *Coordinator) bringUp(ctx context.Context, identity string) {
	path, err := c.files.FinalPath(identity)
	if err != nil {
		c.logger.Warn("skipping artifact with invalid identity", "identity", identity, "error", err)
		return
	}

	conn, err := c.dialer.Dial(ctx, path)
	if err != nil {
		c.logger.Debug("dial failed, will retry next cycle", "identity", identity, "error", err)
		return
	}

	authorized, err := conn.IsAuthorized(ctx)
	if err != nil {
		c.logger.Debug("authorization check failed, will retry next cycle", "identity", identity, "error", err)
		_ = conn.Close()
		return
	}
	if !authorized {
		// Not an error: the artifact may still be mid-login elsewhere.
		_ = conn.Close()
		return
	}

	conn.Subscribe(func(msg protocol.Message) {
		// Per-message failures never take down the listener.
		if err := c.classifier.HandleMessage(identity, msg); err != nil {
			c.logger.Error("message handling failed", "identity", identity, "error", err)
		}
	})

	if !c.table.Register(identity, conn) {
		// Lost the race with another scan; this conn is surplus.
		_ = conn.Close()
		return
	}

	c.logger.Info("listener started", "identity", identity)

	c.listeners.Add(1)
	go func() {
		defer c.listeners.Done()
		err := conn.Run(ctx)
		c.table.Deregister(identity)
		_ = conn.Close()
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("listener exited", "identity", identity, "error", err)
		} else {
			c.logger.Info("listener stopped", "identity", identity)
		}
	}()
}

// drain closes every active listener and waits for their goroutines.
func (c *Coordinator) drain() {
	for _, identity := range c.table.Identities() {
		if e, ok := c.table.Get(identity); ok {
			_ = e.Conn.Close()
		}
	}
	c.listeners.Wait()
}

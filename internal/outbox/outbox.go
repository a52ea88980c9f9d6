// Package outbox watches a file-backed relay message directory for files
// that were written but never triggered with ->relay-file:ID, emitting a
// StaleOutboxFile event once each file has sat unconsumed past a configured
// timeout (spec §4.E supplemented feature).
package outbox

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

// Config configures an outbox Monitor.
type Config struct {
	AgentName     string
	OutboxPath    string
	StaleTimeout  time.Duration
	CheckInterval time.Duration
}

// DefaultConfig mirrors the original's OutboxMonitorConfig::default().
func DefaultConfig() Config {
	return Config{
		AgentName:     "agent",
		OutboxPath:    "/tmp/relay-outbox",
		StaleTimeout:  60 * time.Second,
		CheckInterval: 10 * time.Second,
	}
}

type trackedFile struct {
	firstSeen    time.Time
	path         string
	staleEmitted bool
}

// Monitor tracks files in an outbox directory and reports ones that have
// gone stale.
type Monitor struct {
	config  Config
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	tracked map[string]*trackedFile
}

// New creates a Monitor. Call Start to begin watching.
func New(config Config) *Monitor {
	return &Monitor{config: config, tracked: make(map[string]*trackedFile)}
}

func skip(filename string) bool {
	return strings.HasPrefix(filename, ".") || strings.HasSuffix(filename, ".tmp")
}

// Start creates the outbox directory if needed, begins watching it, and
// tracks any files already present.
func (m *Monitor) Start() error {
	if err := os.MkdirAll(m.config.OutboxPath, 0o755); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.config.OutboxPath); err != nil {
		w.Close()
		return err
	}
	m.watcher = w

	m.scanExisting()
	return nil
}

func (m *Monitor) scanExisting() {
	entries, err := os.ReadDir(m.config.OutboxPath)
	if err != nil {
		return
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || skip(e.Name()) {
			continue
		}
		m.tracked[e.Name()] = &trackedFile{
			firstSeen: now,
			path:      filepath.Join(m.config.OutboxPath, e.Name()),
		}
	}
}

// ProcessEvents drains any pending fsnotify events and updates tracking.
func (m *Monitor) ProcessEvents() {
	if m.watcher == nil {
		return
	}
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case <-m.watcher.Errors:
			// Watcher errors are non-fatal; keep draining.
		default:
			return
		}
	}
}

func (m *Monitor) handleEvent(ev fsnotify.Event) {
	filename := filepath.Base(ev.Name)
	if skip(filename) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if _, ok := m.tracked[filename]; !ok {
			m.tracked[filename] = &trackedFile{firstSeen: time.Now(), path: ev.Name}
		}
	case ev.Op&fsnotify.Remove != 0:
		delete(m.tracked, filename)
	}
}

// CheckStale processes pending events, then returns a StaleOutboxFile for
// every tracked file that has just crossed the configured timeout. Each
// file is reported at most once; files deleted from disk are dropped from
// tracking.
func (m *Monitor) CheckStale() []relaypty.StaleOutboxFile {
	m.ProcessEvents()

	var stale []relaypty.StaleOutboxFile

	m.mu.Lock()
	defer m.mu.Unlock()

	for filename, tf := range m.tracked {
		if _, err := os.Stat(tf.path); err != nil {
			delete(m.tracked, filename)
			continue
		}

		age := time.Since(tf.firstSeen)
		if age >= m.config.StaleTimeout && !tf.staleEmitted {
			stale = append(stale, relaypty.NewStaleOutboxFile(
				filename, tf.path, int64(age.Seconds()), m.config.AgentName,
			))
			tf.staleEmitted = true
		}
	}

	return stale
}

// FileProcessed removes filename from tracking, used when a
// ->relay-file:ID trigger has consumed it.
func (m *Monitor) FileProcessed(filename string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, filename)
}

// TrackedCount returns the number of files currently tracked.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Close stops the underlying file watcher.
func (m *Monitor) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}

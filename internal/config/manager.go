package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "spawnscout/pkg/logx"
)

// Manager loads the config file and follows it for changes. Updates are
// validated before they are committed and published, so a bad edit keeps the
// previous config in force.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	// lastHash is the committed content hash, used to skip publishes when an
	// editor rewrites the file without changing it.
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a new config.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toStrictJSON(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("config: trailing data after document")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses and commits the file. Startup entry point.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers the committed config to every subscriber. subsMu stays
// held across the sends so Unsubscribe cannot close a channel mid-send.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full buffer: make room by dropping the oldest pending update, then
		// push the newest. A subscriber that is still full loses this one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_cap", cap(ch)),
			)
		}
	}
}

// Watch follows the config file until ctx ends. Write events are debounced
// because editors save in several steps. A broken watcher is returned as an
// error; the supervisor's restart loop rebuilds it with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()
	// Watch the directory, not the file: atomic saves and renames replace
	// the file node and would silently detach a file-level watch.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(m.path), err)
	}

	file := filepath.Base(m.path)
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config: watch event channel closed")
			}
			// Compare by basename; event paths vary across platforms.
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				scheduleReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config: watch error channel closed")
			}
			if err == nil {
				continue
			}
			// Overflow means missed events; force a reload and keep going.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				scheduleReload()
				continue
			}
			return fmt.Errorf("config: watch: %w", err)
		}
	}
}

// reload parses, validates, and publishes one file change. Any failure keeps
// the running config.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping previous",
				logx.String("path", m.path),
				logx.Err(err),
			)
			return
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Debug("config change committed", logx.String("path", m.path))
}

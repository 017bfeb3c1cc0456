package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Store holds the server's current Config and swaps it atomically on
// reload, per spec §5: the old Config is never mutated, only replaced,
// so in-flight handlers holding a reference keep a fully consistent
// view until they finish.
type Store struct {
	current atomic.Pointer[Config]
	path    string
	log     hclog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watching map[string]bool
}

// NewStore loads path and returns a Store for it. The returned Store
// does not start watching for changes until Watch is called.
func NewStore(path string, log hclog.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, log: log, watching: map[string]bool{}}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the active configuration. Safe for concurrent use.
func (s *Store) Current() *Config { return s.current.Load() }

// Reload re-parses the configuration file. On failure the previous
// configuration is retained and the error is returned for the caller
// to log, matching spec §7's config-parse error policy.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("config reload failed, keeping previous configuration", "path", s.path, "error", err)
		}
		return err
	}
	s.current.Store(cfg)
	if s.log != nil {
		s.log.Info("configuration reloaded", "path", s.path, "rules", len(cfg.Rules))
	}
	return nil
}

// Watch starts an fsnotify watch on the rule file's directory (and
// reloads on any write/create/rename event that touches it) until stop
// is closed. It runs in the caller's goroutine; call it with `go`.
func (s *Store) Watch(stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := dirOf(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			_ = s.Reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if s.log != nil {
				s.log.Warn("config watcher error", "error", err)
			}
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Store holds the current configuration snapshot. Readers load it on every
// use so a config swap takes effect on the next request; they must not
// retain the pointer across requests.
type Store struct {
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Swap replaces the snapshot and notifies listeners.
func (s *Store) Swap(cfg *Config) {
	s.current.Store(cfg)

	s.mu.Lock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// OnSwap registers fn to run after each snapshot replacement.
func (s *Store) OnSwap(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Watch reloads the config file on change until ctx is done. Editors often
// emit bursts of write events, so reloads are debounced.
func (s *Store) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Error().Err(err).Str("path", path).Msg("Config reload failed, keeping previous snapshot")
					continue
				}
				s.Swap(cfg)
				log.Info().Str("path", path).Int("record_apis", len(cfg.Records)).Msg("Config reloaded")
			}
		}
	}()
	return nil
}

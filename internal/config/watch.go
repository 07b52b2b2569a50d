package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the live config. Readers take a pointer per operation and never see a
// partially reloaded value.
type Store struct {
	cur atomic.Pointer[Config]
}

func NewStore(cfg *Config) *Store {
	s := &Store{}
	if cfg == nil {
		cfg = Default()
	}
	s.cur.Store(cfg)
	return s
}

func (s *Store) Load() *Config {
	return s.cur.Load()
}

func (s *Store) Swap(cfg *Config) {
	s.cur.Store(cfg)
}

// Reload is reported for each debounced change of the watched file.
type Reload struct {
	Path   string
	Config *Config
	Err    error
}

// Watch reloads path into s whenever the file is written or recreated. It watches the parent
// directory so editors that replace the file are handled. The returned channel is closed
// when ctx is done.
func Watch(ctx context.Context, s *Store, path string, debounce time.Duration) (<-chan Reload, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	out := make(chan Reload, 4)
	go func() {
		defer close(out)
		defer fsw.Close()
		target := filepath.Clean(path)
		var pending time.Time
		ticker := time.NewTicker(debounce)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.Now()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				send(ctx, out, Reload{Path: path, Err: err})
			case <-ticker.C:
				if pending.IsZero() || time.Since(pending) < debounce {
					continue
				}
				pending = time.Time{}
				cfg, err := FromFile(path)
				if err != nil {
					send(ctx, out, Reload{Path: path, Err: err})
					continue
				}
				s.Swap(cfg)
				send(ctx, out, Reload{Path: path, Config: cfg})
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Reload, r Reload) {
	select {
	case out <- r:
	case <-ctx.Done():
	}
}

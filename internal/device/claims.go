package device

import (
	"errors"
	"path/filepath"
	"sync"
)

// Claims tracks device paths held by open handles in this process. Paths are resolved
// through symlinks so an alias and its target share one claim.
type Claims struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewClaims() *Claims {
	return &Claims{held: map[string]struct{}{}}
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// Acquire claims path and returns the release func. It fails with DeviceBusy if another
// handle holds the same device.
func (c *Claims) Acquire(path string) (func(), error) {
	key := canonical(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[key]; ok {
		return nil, newError(ClassBusy, "open", path, errors.New("device already open"))
	}
	c.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.held, key)
			c.mu.Unlock()
		})
	}, nil
}

func (c *Claims) Held(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[canonical(path)]
	return ok
}

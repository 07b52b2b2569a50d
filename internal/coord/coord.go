// Package coord enforces at most one active operation per device role.
package coord

import (
	"fmt"
	"sync"

	"gatehw/internal/domain"
)

// BusyError reports the role that was already held and its holder.
type BusyError struct {
	Role   domain.Role
	Holder string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s is busy with operation %s", e.Role, e.Holder)
}

// Coordinator is a non-blocking lock table keyed by role. There is no queuing.
type Coordinator struct {
	mu      sync.Mutex
	holders map[domain.Role]string
}

func New() *Coordinator {
	return &Coordinator{holders: map[domain.Role]string{}}
}

// TryAcquire takes every role for opID or none of them.
func (c *Coordinator) TryAcquire(opID string, roles ...domain.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, role := range roles {
		if holder, ok := c.holders[role]; ok {
			return &BusyError{Role: role, Holder: holder}
		}
	}
	for _, role := range roles {
		c.holders[role] = opID
	}
	return nil
}

// Release frees the roles held by opID. Roles held by others are left alone.
func (c *Coordinator) Release(opID string, roles ...domain.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, role := range roles {
		if c.holders[role] == opID {
			delete(c.holders, role)
		}
	}
}

// Holder returns the operation holding role, if any.
func (c *Coordinator) Holder(role domain.Role) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.holders[role]
	return id, ok
}

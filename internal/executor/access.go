package executor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gatehw/internal/config"
)

// Decision is the outcome of an access check. An ignored read gets no feedback and no
// access log entry.
type Decision struct {
	Granted bool
	Ignored bool
	Reason  string
}

// Authorizer decides whether a card identifier may open the gate.
type Authorizer interface {
	Authorize(identifier string, at time.Time) Decision
}

// Policy grants identifiers on the allow-list. A card read again within the debounce
// window is ignored, and one read again before the block window ends is blocked for that
// window.
type Policy struct {
	mu       sync.Mutex
	allowed  map[string]struct{}
	debounce time.Duration
	block    time.Duration
	lastRead map[string]time.Time
	blocked  map[string]time.Time
}

func NewPolicy(cfg config.Access) *Policy {
	p := &Policy{lastRead: map[string]time.Time{}, blocked: map[string]time.Time{}}
	p.Configure(cfg)
	return p
}

// Configure replaces the allow-list and windows and keeps the read history.
func (p *Policy) Configure(cfg config.Access) {
	allowed := make(map[string]struct{}, len(cfg.Allowed))
	for _, id := range cfg.Allowed {
		allowed[normalize(id)] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed = allowed
	p.debounce = time.Duration(cfg.DebounceSeconds) * time.Second
	p.block = time.Duration(cfg.BlockSeconds) * time.Second
}

func normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func (p *Policy) Authorize(identifier string, at time.Time) Decision {
	id := normalize(identifier)
	p.mu.Lock()
	defer p.mu.Unlock()
	if until, ok := p.blocked[id]; ok {
		if at.Before(until) {
			return Decision{Reason: "blocked after repeated read"}
		}
		delete(p.blocked, id)
	}
	if last, ok := p.lastRead[id]; ok {
		since := at.Sub(last)
		if since < p.debounce {
			return Decision{Ignored: true, Reason: fmt.Sprintf("read again within %s", p.debounce)}
		}
		if since < p.block {
			p.blocked[id] = at.Add(p.block)
			return Decision{Reason: fmt.Sprintf("read twice within %s, blocked", p.block)}
		}
	}
	p.lastRead[id] = at
	if _, ok := p.allowed[id]; ok {
		return Decision{Granted: true, Reason: "allowed"}
	}
	return Decision{Reason: "not on the allow-list"}
}

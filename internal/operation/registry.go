// Package operation holds the process-wide table of operation records.
package operation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gatehw/internal/domain"
)

var (
	ErrNotFound = errors.New("operation not found")
	ErrInUse    = errors.New("operation id in use by a live operation")
	ErrFinished = errors.New("operation already finished")
)

type record struct {
	mu      sync.Mutex
	op      domain.Operation
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

func (r *record) snapshot(since int) domain.Operation {
	out := r.op
	total := len(r.op.Details)
	if since < 0 || since > total {
		since = total
	}
	out.Details = append([]string{}, r.op.Details[since:]...)
	out.DetailCount = total
	if r.op.Result != nil {
		out.Result = make(map[string]any, len(r.op.Result))
		for k, v := range r.op.Result {
			out.Result[k] = v
		}
	}
	if r.op.Relays != nil {
		out.Relays = append([]bool(nil), r.op.Relays...)
	}
	return out
}

// Registry maps operation ids to records. The map lock is only held for lookups; every
// record carries its own lock so polls never wait on another operation.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	subMu   sync.RWMutex
	subs    []func(domain.Operation)
	Now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{records: map[string]*record{}}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Subscribe registers fn for record creation, status and phase changes. fn runs on the
// mutating goroutine, outside the record lock, and must not block.
func (r *Registry) Subscribe(fn func(domain.Operation)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

func (r *Registry) notify(op domain.Operation) {
	r.subMu.RLock()
	subs := append([]func(domain.Operation){}, r.subs...)
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(op)
	}
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Create registers a pending record and returns the context cancelled by Stop. A terminal
// record with the same id is replaced.
func (r *Registry) Create(id string, kind domain.Kind, role domain.Role) (context.Context, error) {
	now := r.now()
	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		op: domain.Operation{
			ID:        id,
			Kind:      kind,
			Role:      role,
			Status:    domain.StatusPending,
			Details:   []string{},
			StartedAt: stamp(now),
			UpdatedAt: stamp(now),
		},
		started: now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	if prev, ok := r.records[id]; ok {
		prev.mu.Lock()
		live := !prev.op.Status.Terminal()
		prev.mu.Unlock()
		if live {
			r.mu.Unlock()
			cancel()
			return nil, ErrInUse
		}
	}
	r.records[id] = rec
	r.mu.Unlock()
	r.notify(rec.snapshot(0))
	return ctx, nil
}

// update applies fn under the record lock. Terminal records reject updates.
func (r *Registry) update(id string, notify bool, fn func(op *domain.Operation)) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.op.Status.Terminal() {
		rec.mu.Unlock()
		return ErrFinished
	}
	fn(&rec.op)
	now := r.now()
	rec.op.UpdatedAt = stamp(now)
	terminal := rec.op.Status.Terminal()
	if terminal {
		rec.op.FinishedAt = stamp(now)
	}
	var snap domain.Operation
	if notify {
		snap = rec.snapshot(0)
	}
	rec.mu.Unlock()
	if terminal {
		rec.cancel()
		close(rec.done)
	}
	if notify {
		r.notify(snap)
	}
	return nil
}

// AppendDetail adds one progress line.
func (r *Registry) AppendDetail(id, line string) error {
	return r.update(id, false, func(op *domain.Operation) {
		op.Details = append(op.Details, line)
	})
}

// SetStatus moves the record to status. A terminal status finishes the record exactly once.
func (r *Registry) SetStatus(id string, status domain.Status, phase domain.Phase) error {
	return r.update(id, true, func(op *domain.Operation) {
		op.Status = status
		if phase != domain.PhaseNone {
			op.Phase = phase
		}
	})
}

func (r *Registry) SetPhase(id string, phase domain.Phase) error {
	return r.update(id, true, func(op *domain.Operation) {
		op.Phase = phase
	})
}

// SetResult merges values into the result payload.
func (r *Registry) SetResult(id string, values map[string]any) error {
	return r.update(id, false, func(op *domain.Operation) {
		if op.Result == nil {
			op.Result = map[string]any{}
		}
		for k, v := range values {
			op.Result[k] = v
		}
	})
}

func (r *Registry) SetRelays(id string, states []bool) error {
	return r.update(id, false, func(op *domain.Operation) {
		op.Relays = append([]bool(nil), states...)
	})
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id string) (domain.Operation, error) {
	return r.Since(id, 0)
}

// Since returns a snapshot whose details hold only the lines after the first n.
// DetailCount is always the full length.
func (r *Registry) Since(id string, n int) (domain.Operation, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.Operation{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(n), nil
}

// Stop cancels a live operation. It reports false for records already terminal.
func (r *Registry) Stop(id string) (bool, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	rec.mu.Lock()
	live := !rec.op.Status.Terminal()
	rec.mu.Unlock()
	if live {
		rec.cancel()
	}
	return live, nil
}

// Wait blocks until the record is terminal or ctx ends.
func (r *Registry) Wait(ctx context.Context, id string) (domain.Operation, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.Operation{}, err
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return domain.Operation{}, ctx.Err()
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(0), nil
}

// List returns snapshots of every record, newest first.
func (r *Registry) List() []domain.Operation {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].started.Equal(recs[j].started) {
			return recs[i].started.After(recs[j].started)
		}
		return recs[i].op.ID < recs[j].op.ID
	})
	out := make([]domain.Operation, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.snapshot(0))
		rec.mu.Unlock()
	}
	return out
}

// Live returns the ids of records that are not terminal.
func (r *Registry) Live() []string {
	var ids []string
	for _, op := range r.List() {
		if !op.Status.Terminal() {
			ids = append(ids, op.ID)
		}
	}
	return ids
}

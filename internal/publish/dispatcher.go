package publish

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gatehw/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
	flushTimeout    = 5 * time.Second
)

// EventSource reads the persisted event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher tails the event log and delivers new events to every publisher. Each
// publisher keeps its own cursor, starting at the latest event when the dispatcher starts,
// so a failing broker is retried from where it stopped without holding back the others.
type Dispatcher struct {
	Source     EventSource
	Publishers []Publisher
	Interval   time.Duration
	Batch      int
	Log        *zap.Logger
	filter     eventFilter

	mu      sync.Mutex
	cursors map[string]int64
}

func NewDispatcher(src EventSource, publishers []Publisher, types []string, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Source:     src,
		Publishers: publishers,
		Interval:   defaultInterval,
		Batch:      defaultBatch,
		Log:        log,
		filter:     newEventFilter(types),
		cursors:    map[string]int64{},
	}
}

// Run dispatches until ctx ends, makes a last pass over events written since the
// previous tick, then closes the publishers.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Publishers) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer d.close()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			d.DispatchAll(fctx)
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) close() {
	for _, p := range d.Publishers {
		if err := p.Close(); err != nil {
			d.Log.Warn("close publisher", zap.String("publisher", p.Name()), zap.Error(err))
		}
	}
}

// DispatchAll makes one delivery pass over every publisher.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for _, p := range d.Publishers {
		d.dispatch(ctx, p)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, p Publisher) {
	cursor := d.cursorFor(ctx, p.Name())
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Source.EventsAfter(ctx, batch, cursor)
	if err != nil {
		d.Log.Warn("fetch events", zap.String("publisher", p.Name()), zap.Error(err))
		return
	}
	for _, evt := range evts {
		if !d.filter.match(evt.Type) {
			d.setCursor(p.Name(), evt.ID)
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			d.Log.Warn("publish event",
				zap.String("publisher", p.Name()),
				zap.Int64("event_id", evt.ID),
				zap.Error(err),
			)
			return
		}
		d.setCursor(p.Name(), evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[string]int64{}
	}
	if cur, ok := d.cursors[name]; ok {
		return cur
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		d.Log.Warn("init event cursor", zap.String("publisher", name), zap.Error(err))
		cur = 0
	}
	d.cursors[name] = cur
	return cur
}

func (d *Dispatcher) setCursor(name string, value int64) {
	d.mu.Lock()
	d.cursors[name] = value
	d.mu.Unlock()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}

// Mirror pushes operation snapshots to sinks from a single worker goroutine. Notify never
// blocks the caller; snapshots are dropped when the buffer is full.
type Mirror struct {
	sinks []OperationSink
	ch    chan domain.Operation
	log   *zap.Logger
}

func NewMirror(sinks []OperationSink, buffer int, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Mirror{sinks: sinks, ch: make(chan domain.Operation, buffer), log: log}
}

func (m *Mirror) Notify(op domain.Operation) {
	if len(m.sinks) == 0 {
		return
	}
	select {
	case m.ch <- op:
	default:
		m.log.Warn("operation mirror buffer full, dropping snapshot", zap.String("operation_id", op.ID))
	}
}

// Run drains snapshots until ctx ends.
// Run mirrors snapshots until ctx ends, then delivers the ones still buffered.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			defer cancel()
			for {
				select {
				case op := <-m.ch:
					m.deliver(fctx, op)
				default:
					return
				}
			}
		case op := <-m.ch:
			m.deliver(ctx, op)
		}
	}
}

func (m *Mirror) deliver(ctx context.Context, op domain.Operation) {
	for _, s := range m.sinks {
		if err := s.MirrorOperation(ctx, op); err != nil {
			m.log.Warn("mirror operation", zap.String("operation_id", op.ID), zap.Error(err))
		}
	}
}

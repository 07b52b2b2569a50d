// Package executor runs operations against the gate hardware and records their progress.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gatehw/internal/config"
	"gatehw/internal/coord"
	"gatehw/internal/device"
	"gatehw/internal/domain"
	"gatehw/internal/operation"
)

// Opener connects device handles for assignments.
type Opener interface {
	OpenReader(a domain.Assignment, opts device.ReaderOptions) (device.CardReader, error)
	OpenRelay(a domain.Assignment, baud int) (device.RelayController, error)
}

// AccessRecorder persists access decisions.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, ev domain.AccessEvent) error
}

// Job is one accepted operation. Assignments and config are copied at start.
type Job struct {
	ID     string
	Kind   domain.Kind
	Role   domain.Role
	Roles  []domain.Role
	Params domain.Params
	Reader domain.Assignment
	Relay  domain.Assignment
	Config *config.Config
}

type Executor struct {
	Registry *operation.Registry
	Coord    *coord.Coordinator
	Opener   Opener
	Access   Authorizer
	Recorder AccessRecorder
	Log      *zap.Logger
	Now      func() time.Time
	// OnFinish runs after the record is terminal and the roles are released.
	OnFinish func(domain.Operation)
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Run drives job to a terminal status. ctx is the cancellation token from the registry.
func (e *Executor) Run(ctx context.Context, job Job) {
	r := &run{
		e:      e,
		job:    job,
		ctx:    ctx,
		cfg:    job.Config,
		status: domain.StatusError,
		log: e.log().With(
			zap.String("operation_id", job.ID),
			zap.String("kind", string(job.Kind)),
		),
	}
	if r.cfg == nil {
		r.cfg = config.Default()
	}
	defer r.finish()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("operation panicked", zap.Any("panic", p))
			r.fail(fmt.Errorf("internal error: %v", p))
		}
	}()

	r.log.Info("operation started")
	var err error
	switch job.Kind {
	case domain.KindCardReaderTest:
		err = r.cardReaderTest()
	case domain.KindRelayTest:
		err = r.relayTest()
	case domain.KindGateTrigger:
		err = r.gateTrigger()
	case domain.KindIntegratedTest:
		err = r.integratedTest()
	case domain.KindConnectionTest:
		err = r.connectionTest()
	default:
		err = fmt.Errorf("unsupported kind %q", job.Kind)
	}
	if err != nil {
		r.fail(err)
	}
}

type run struct {
	e      *Executor
	job    Job
	ctx    context.Context
	cfg    *config.Config
	log    *zap.Logger
	status domain.Status
	phase  domain.Phase
	reader device.CardReader
	relay  device.RelayController
}

func (r *run) detail(format string, args ...any) {
	if err := r.e.Registry.AppendDetail(r.job.ID, fmt.Sprintf(format, args...)); err != nil {
		r.log.Warn("append detail", zap.Error(err))
	}
}

func (r *run) running(phase domain.Phase) {
	r.phase = phase
	if err := r.e.Registry.SetStatus(r.job.ID, domain.StatusRunning, phase); err != nil {
		r.log.Warn("set status", zap.Error(err))
	}
}

func (r *run) setPhase(phase domain.Phase) {
	r.phase = phase
	if err := r.e.Registry.SetPhase(r.job.ID, phase); err != nil {
		r.log.Warn("set phase", zap.Error(err))
	}
}

func (r *run) result(values map[string]any) {
	if err := r.e.Registry.SetResult(r.job.ID, values); err != nil {
		r.log.Warn("set result", zap.Error(err))
	}
}

func (r *run) relays(states []bool) {
	if err := r.e.Registry.SetRelays(r.job.ID, states); err != nil {
		r.log.Warn("set relays", zap.Error(err))
	}
}

// end records the terminal status applied by finish.
func (r *run) end(status domain.Status, phase domain.Phase) {
	r.status = status
	if phase != domain.PhaseNone {
		r.phase = phase
	}
}

// fail maps err to the terminal status. A cancelled context is a stop, anything else
// is a device error carrying its class.
func (r *run) fail(err error) {
	if errors.Is(err, context.Canceled) {
		r.detail("Stopped by request")
		r.end(domain.StatusStopped, domain.PhaseNone)
		return
	}
	class := device.ClassOf(err)
	msg := err.Error()
	var de *device.Error
	if errors.As(err, &de) {
		msg = de.Message()
	}
	r.detail("%s: %s", class, msg)
	r.log.Warn("operation failed", zap.String("class", string(class)), zap.Error(err))
	r.end(domain.StatusError, domain.PhaseNone)
}

func (r *run) stopped() error {
	return r.ctx.Err()
}

// finish closes handles, releases the role locks, then makes the record terminal.
func (r *run) finish() {
	ceiling := r.cfg.Hardware.Ceilings.Connect()
	if r.reader != nil {
		rd := r.reader
		if err := boundedErr(ceiling, "close reader", rd.Close, nil); err != nil {
			r.log.Warn("close reader", zap.Error(err))
		}
	}
	if r.relay != nil {
		rc := r.relay
		if err := boundedErr(ceiling, "close relay", rc.Close, nil); err != nil {
			r.log.Warn("close relay", zap.Error(err))
		} else {
			r.relays(rc.States())
		}
	}
	r.e.Coord.Release(r.job.ID, r.job.Roles...)
	if err := r.e.Registry.SetStatus(r.job.ID, r.status, r.phase); err != nil {
		r.log.Warn("finish operation", zap.Error(err))
	}
	op, err := r.e.Registry.Get(r.job.ID)
	if err != nil {
		return
	}
	r.log.Info("operation finished", zap.String("status", string(op.Status)), zap.Int("details", op.DetailCount))
	if r.e.OnFinish != nil {
		r.e.OnFinish(op)
	}
}

func describeAssignment(a domain.Assignment) string {
	switch {
	case a.DevicePath != "" && a.DeviceKey != "" && a.DeviceKey != a.DevicePath:
		return fmt.Sprintf("%s (%s)", a.DeviceKey, a.DevicePath)
	case a.DevicePath != "":
		return a.DevicePath
	default:
		return a.DeviceKey
	}
}

func unassigned(role domain.Role) error {
	return &device.Error{Class: device.ClassNotFound, Op: "open", Err: fmt.Errorf("no device assigned to %s", role)}
}

func (r *run) readerOptions() device.ReaderOptions {
	rd := r.cfg.Hardware.Reader
	baud := rd.SerialBaudRate
	if r.job.Params.BaudRate > 0 {
		baud = r.job.Params.BaudRate
	}
	return device.ReaderOptions{
		BaudRate:       baud,
		StrictChecksum: rd.StrictChecksum,
		PollInterval:   r.pollSlice(),
	}
}

func (r *run) pollSlice() time.Duration {
	return time.Duration(r.cfg.Hardware.Reader.PollIntervalMillis) * time.Millisecond
}

func (r *run) openReader() error {
	a := r.job.Reader
	if a.DeviceKey == "" && a.DevicePath == "" {
		return unassigned(domain.RoleCardReader)
	}
	r.detail("Connecting to card reader %s", describeAssignment(a))
	reader, err := bounded(r.cfg.Hardware.Ceilings.Connect(), "connect reader", func() (device.CardReader, error) {
		return r.e.Opener.OpenReader(a, r.readerOptions())
	}, func(late device.CardReader, err error) {
		if err == nil {
			_ = late.Close()
		}
	})
	if err != nil {
		return err
	}
	r.reader = reader
	r.detail("Connected: %s", reader.Describe())
	return nil
}

func (r *run) openRelay() error {
	a := r.job.Relay
	if a.DeviceKey == "" && a.DevicePath == "" {
		return unassigned(domain.RoleRelayController)
	}
	baud := r.cfg.Hardware.Relay.BaudRate
	if r.job.Params.BaudRate > 0 && r.job.Kind != domain.KindIntegratedTest {
		baud = r.job.Params.BaudRate
	}
	r.detail("Connecting to relay board %s", describeAssignment(a))
	rc, err := bounded(r.cfg.Hardware.Ceilings.Connect(), "connect relay", func() (device.RelayController, error) {
		return r.e.Opener.OpenRelay(a, baud)
	}, func(late device.RelayController, err error) {
		if err == nil {
			_ = late.Close()
		}
	})
	if err != nil {
		return err
	}
	r.relay = rc
	r.relays(rc.States())
	r.detail("Connected: %s", rc.Describe())
	return nil
}

// readCard polls the reader in slices until timeout, checking for a stop between slices.
// onSlice runs after every empty slice.
func (r *run) readCard(timeout time.Duration, onSlice func() error) (device.Card, error) {
	slice := r.pollSlice()
	deadline := time.Now().Add(timeout)
	margin := r.cfg.Hardware.Ceilings.ReadMargin()
	for {
		if err := r.stopped(); err != nil {
			return device.Card{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return device.Card{}, device.ErrNoCard
		}
		wait := min(slice, remaining)
		rd := r.reader
		card, err := bounded(wait+margin, "read card", func() (device.Card, error) {
			return rd.ReadCard(wait)
		}, func(device.Card, error) {
			_ = rd.Close()
		})
		if err == nil {
			return card, nil
		}
		if !errors.Is(err, device.ErrNoCard) {
			if errors.Is(err, errCeiling) {
				// Still in flight; the abandon hook closes the handle.
				r.reader = nil
			}
			return device.Card{}, err
		}
		if onSlice != nil {
			if err := onSlice(); err != nil {
				return device.Card{}, err
			}
		}
	}
}

// runPlan executes plan on the relay board, bounding every step by its hold plus the
// sequence margin. onSet is called when a step's channel is set, before its hold; each
// is called for every completed step. Both run on the operation goroutine in order.
func (r *run) runPlan(plan []device.Step, onSet, each func(device.ChannelEvent)) error {
	type item struct {
		ev  device.ChannelEvent
		set bool
		err error
	}
	rc := r.relay
	items := make(chan item, 2*len(plan)+1)
	go func() {
		defer close(items)
		set := func(ev device.ChannelEvent) { items <- item{ev: ev, set: true} }
		for ev, err := range device.RunSequence(r.ctx, rc, plan, set) {
			items <- item{ev: ev, err: err}
		}
	}()
	margin := r.cfg.Hardware.Ceilings.SequenceMargin()
	for i := range plan {
		t := time.NewTimer(plan[i].Hold + margin)
	step:
		for {
			select {
			case it, ok := <-items:
				if !ok {
					t.Stop()
					return nil
				}
				if it.err != nil {
					t.Stop()
					return it.err
				}
				r.relays(it.ev.States)
				if it.set {
					if onSet != nil {
						onSet(it.ev)
					}
					continue
				}
				t.Stop()
				if each != nil {
					each(it.ev)
				}
				break step
			case <-t.C:
				r.relay = nil
				go func() {
					for range items {
					}
					_ = rc.Close()
				}()
				return &device.Error{Class: device.ClassIO, Op: "relay sequence", Err: fmt.Errorf("step %d: %w within %s", i+1, errCeiling, plan[i].Hold+margin)}
			}
		}
	}
	// A stop during the last hold is reported after its event.
	if it, ok := <-items; ok && it.err != nil {
		return it.err
	}
	return nil
}

func (r *run) channelName(ch int) string {
	rl := r.cfg.Hardware.Relay
	switch ch {
	case rl.GateChannel:
		return fmt.Sprintf("Gate (relay %d)", ch)
	case rl.RedLEDChannel:
		return fmt.Sprintf("Red LED (relay %d)", ch)
	case rl.GreenLEDChannel:
		return fmt.Sprintf("Green LED (relay %d)", ch)
	case rl.YellowLEDChannel:
		return fmt.Sprintf("Yellow LED (relay %d)", ch)
	case rl.BuzzerChannel:
		return fmt.Sprintf("Buzzer (relay %d)", ch)
	}
	return fmt.Sprintf("Relay %d", ch)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

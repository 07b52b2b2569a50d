package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehw/internal/config"
	"gatehw/internal/coord"
	"gatehw/internal/device"
	"gatehw/internal/domain"
	"gatehw/internal/operation"
)

const testCard = "RSSMRA80A01H501U"

type memRecorder struct {
	mu     sync.Mutex
	events []domain.AccessEvent
}

func (m *memRecorder) RecordAccess(_ context.Context, ev domain.AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type env struct {
	ex       *Executor
	opener   *device.Opener
	cfg      *config.Config
	recorder *memRecorder
	finished chan domain.Operation
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Hardware.Reader.PollIntervalMillis = 20
	cfg.Hardware.Relay.TestHoldMillis = 1
	cfg.Hardware.Relay.GateOpenSeconds = 1
	cfg.Access.Allowed = []string{testCard}
	cfg.Access.DebounceSeconds = 0
	cfg.Access.BlockSeconds = 0
	opener := device.NewOpener(nil, nil)
	rec := &memRecorder{}
	finished := make(chan domain.Operation, 8)
	ex := &Executor{
		Registry: operation.NewRegistry(),
		Coord:    coord.New(),
		Opener:   opener,
		Access:   NewPolicy(cfg.Access),
		Recorder: rec,
		OnFinish: func(op domain.Operation) { finished <- op },
	}
	return &env{ex: ex, opener: opener, cfg: cfg, recorder: rec, finished: finished}
}

func sim() domain.Assignment {
	return domain.Assignment{DeviceKey: "sim", DevicePath: "sim"}
}

func (e *env) job(id string, kind domain.Kind, role domain.Role, params domain.Params) Job {
	roles, _ := kind.Roles(role)
	return Job{ID: id, Kind: kind, Role: role, Roles: roles, Params: params, Reader: sim(), Relay: sim(), Config: e.cfg}
}

func (e *env) start(t *testing.T, job Job) {
	t.Helper()
	require.NoError(t, e.ex.Coord.TryAcquire(job.ID, job.Roles...))
	ctx, err := e.ex.Registry.Create(job.ID, job.Kind, job.Role)
	require.NoError(t, err)
	go e.ex.Run(ctx, job)
}

func (e *env) wait(t *testing.T, id string, within time.Duration) domain.Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	op, err := e.ex.Registry.Wait(ctx, id)
	require.NoError(t, err, "operation %s did not finish", id)
	return op
}

func TestRelayTestPulsesEveryChannel(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("relay", domain.KindRelayTest, domain.RoleRelayController, domain.Params{}))
	op := e.wait(t, "relay", 5*time.Second)

	require.Equal(t, domain.StatusSuccess, op.Status, op.Details)
	assert.Equal(t, 8, op.Result["events"])
	assert.Equal(t, make([]bool, 8), op.Relays)

	var on, off int
	for _, line := range op.Details {
		switch {
		case strings.HasPrefix(line, "Relay ") && strings.HasSuffix(line, " on"):
			on++
		case strings.HasPrefix(line, "Relay ") && strings.HasSuffix(line, " off"):
			off++
		}
	}
	assert.Equal(t, 8, on)
	assert.Equal(t, 8, off)
	assert.Contains(t, op.Details, "Relay 1 on")
	assert.Contains(t, op.Details, "Relay 8 off")

	_, held := e.ex.Coord.Holder(domain.RoleRelayController)
	assert.False(t, held)
	finished := <-e.finished
	assert.Equal(t, "relay", finished.ID)
}

func TestCardReaderTestReadsMaskedCard(t *testing.T) {
	e := newEnv(t)
	e.opener.SimReader.Present(testCard)
	e.start(t, e.job("reader", domain.KindCardReaderTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 2}))
	op := e.wait(t, "reader", 5*time.Second)

	require.Equal(t, domain.StatusSuccess, op.Status, op.Details)
	assert.Equal(t, domain.PhaseCompleted, op.Phase)
	assert.Equal(t, "RSSM***501U", op.Result["identifier"])
	for _, line := range op.Details {
		assert.NotContains(t, line, testCard)
	}
}

func TestCardReaderTimeoutIsWarning(t *testing.T) {
	e := newEnv(t)
	began := time.Now()
	e.start(t, e.job("reader", domain.KindCardReaderTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 1}))
	op := e.wait(t, "reader", 5*time.Second)

	assert.Equal(t, domain.StatusWarning, op.Status)
	assert.Equal(t, domain.PhaseTimeout, op.Phase)
	assert.Less(t, time.Since(began), 3*time.Second)
	assert.Contains(t, op.Details[len(op.Details)-1], "No card presented")
}

func TestContinuousModeRunsUntilStopped(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("monitor", domain.KindCardReaderTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 1, Continuous: true}))
	e.opener.SimReader.Present(testCard)

	require.Eventually(t, func() bool {
		op, _ := e.ex.Registry.Get("monitor")
		return op.Result["cards_read"] == 1
	}, 3*time.Second, 10*time.Millisecond)

	op, _ := e.ex.Registry.Get("monitor")
	assert.Equal(t, domain.StatusRunning, op.Status)

	live, err := e.ex.Registry.Stop("monitor")
	require.NoError(t, err)
	assert.True(t, live)
	op = e.wait(t, "monitor", 3*time.Second)
	assert.Equal(t, domain.StatusStopped, op.Status)
	assert.Equal(t, "RSSM***501U", op.Result["last"])
	assert.Contains(t, op.Details, "Stopped by request")

	require.NoError(t, e.ex.Coord.TryAcquire("next", domain.RoleCardReader))
}

func TestStopDuringRelayHold(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("relay", domain.KindRelayTest, domain.RoleRelayController, domain.Params{HoldMillis: 60000}))
	require.Eventually(t, func() bool {
		return e.opener.SimRelay.States()[0]
	}, 2*time.Second, 5*time.Millisecond)

	_, err := e.ex.Registry.Stop("relay")
	require.NoError(t, err)
	op := e.wait(t, "relay", 3*time.Second)

	assert.Equal(t, domain.StatusStopped, op.Status)
	assert.Equal(t, make([]bool, 8), e.opener.SimRelay.States())
	_, held := e.ex.Coord.Holder(domain.RoleRelayController)
	assert.False(t, held)
}

func TestRelayHoldIsVisibleWhileRunning(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("relay", domain.KindRelayTest, domain.RoleRelayController, domain.Params{Channels: []int{3}, HoldMillis: 60000}))

	require.Eventually(t, func() bool {
		op, _ := e.ex.Registry.Get("relay")
		return len(op.Relays) == 8 && op.Relays[2] && len(op.Details) > 0 && op.Details[len(op.Details)-1] == "Relay 3 on"
	}, 2*time.Second, 5*time.Millisecond)
	op, _ := e.ex.Registry.Get("relay")
	assert.Equal(t, domain.StatusRunning, op.Status)
	assert.Equal(t, []bool{false, false, true, false, false, false, false, false}, op.Relays)
	assert.NotContains(t, op.Details, "Relay 3 off")

	_, err := e.ex.Registry.Stop("relay")
	require.NoError(t, err)
	op = e.wait(t, "relay", 3*time.Second)
	assert.Equal(t, make([]bool, 8), op.Relays)
	assert.Contains(t, op.Details, "Relay 3 off")
}

func TestGateOpenIsVisibleDuringHold(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("gate", domain.KindGateTrigger, domain.RoleRelayController, domain.Params{DurationSeconds: 2}))

	require.Eventually(t, func() bool {
		op, _ := e.ex.Registry.Get("gate")
		return op.Status == domain.StatusRunning && len(op.Relays) == 8 && op.Relays[0] && len(op.Details) > 0 &&
			op.Details[len(op.Details)-1] == "Gate open (relay 1 on)"
	}, time.Second, 5*time.Millisecond)
	op, _ := e.ex.Registry.Get("gate")
	assert.True(t, op.Relays[0])

	op = e.wait(t, "gate", 5*time.Second)
	require.Equal(t, domain.StatusSuccess, op.Status, op.Details)
	assert.False(t, op.Relays[0])
	assert.Equal(t, "Gate closed (relay 1 off)", op.Details[len(op.Details)-1])
}

func TestGateTrigger(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("gate", domain.KindGateTrigger, domain.RoleRelayController, domain.Params{DurationSeconds: 1, Channel: 2}))
	op := e.wait(t, "gate", 5*time.Second)

	require.Equal(t, domain.StatusSuccess, op.Status, op.Details)
	assert.Contains(t, e.opener.SimRelay.Commands(), "2:on")
	assert.Equal(t, 2, op.Result["channel"])
}

func TestIntegratedGranted(t *testing.T) {
	e := newEnv(t)
	e.opener.SimReader.Present(testCard)
	e.start(t, e.job("integrated", domain.KindIntegratedTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 2}))
	op := e.wait(t, "integrated", 10*time.Second)

	require.Equal(t, domain.StatusSuccess, op.Status, op.Details)
	assert.Equal(t, domain.PhaseCompleted, op.Phase)
	assert.Equal(t, true, op.Result["granted"])
	assert.Contains(t, op.Details, "Access granted")
	assert.Contains(t, op.Details, "Gate (relay 1) on")
	assert.Contains(t, op.Details, "Gate (relay 1) pulsed for 1s")

	cmds := e.opener.SimRelay.Commands()
	assert.Contains(t, cmds, "3:on")
	assert.Contains(t, cmds, "1:on")
	assert.Equal(t, "all:off", cmds[len(cmds)-1])

	e.recorder.mu.Lock()
	defer e.recorder.mu.Unlock()
	require.Len(t, e.recorder.events, 1)
	assert.True(t, e.recorder.events[0].Granted)
	assert.Equal(t, "RSSM***501U", e.recorder.events[0].Identifier)
}

func TestIntegratedDenied(t *testing.T) {
	e := newEnv(t)
	e.cfg.Access.Allowed = nil
	e.ex.Access = NewPolicy(e.cfg.Access)
	e.opener.SimReader.Present(testCard)
	e.start(t, e.job("integrated", domain.KindIntegratedTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 2}))
	op := e.wait(t, "integrated", 10*time.Second)

	require.Equal(t, domain.StatusSuccess, op.Status, op.Details)
	assert.Equal(t, false, op.Result["granted"])
	assert.Contains(t, op.Details, "Access denied: not on the allow-list")
	assert.NotContains(t, e.opener.SimRelay.Commands(), "1:on")

	beeps := 0
	for _, c := range e.opener.SimRelay.Commands() {
		if c == "5:on" {
			beeps++
		}
	}
	assert.Equal(t, 3, beeps)
}

func TestAccessMonitorHandlesCardsInSequence(t *testing.T) {
	e := newEnv(t)
	e.cfg.Hardware.Relay.GateOpenSeconds = 0
	e.start(t, e.job("gate-loop", domain.KindIntegratedTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 1, Continuous: true}))

	e.opener.SimReader.Present(testCard)
	require.Eventually(t, func() bool {
		op, _ := e.ex.Registry.Get("gate-loop")
		return op.Result["granted_count"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	e.opener.SimReader.Present("VRDGPP80A01H501X")
	require.Eventually(t, func() bool {
		op, _ := e.ex.Registry.Get("gate-loop")
		return op.Result["denied_count"] == 1
	}, 10*time.Second, 10*time.Millisecond)

	op, _ := e.ex.Registry.Get("gate-loop")
	assert.Equal(t, domain.StatusRunning, op.Status)
	assert.Equal(t, false, op.Result["last_granted"])
	assert.Contains(t, op.Details, "Access granted")
	assert.Contains(t, op.Details, "Access denied: not on the allow-list")

	_, err := e.ex.Registry.Stop("gate-loop")
	require.NoError(t, err)
	op = e.wait(t, "gate-loop", 5*time.Second)
	assert.Equal(t, domain.StatusStopped, op.Status)
	assert.Equal(t, make([]bool, 8), e.opener.SimRelay.States())

	e.recorder.mu.Lock()
	defer e.recorder.mu.Unlock()
	require.Len(t, e.recorder.events, 2)
	assert.True(t, e.recorder.events[0].Granted)
	assert.False(t, e.recorder.events[1].Granted)
	assert.Equal(t, "VRDG***501X", e.recorder.events[1].Identifier)
}

func TestAccessMonitorIgnoresDebouncedRead(t *testing.T) {
	e := newEnv(t)
	e.cfg.Hardware.Relay.GateOpenSeconds = 0
	e.cfg.Access.DebounceSeconds = 10
	e.cfg.Access.BlockSeconds = 60
	e.ex.Access = NewPolicy(e.cfg.Access)
	e.start(t, e.job("gate-loop", domain.KindIntegratedTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 1, Continuous: true}))

	e.opener.SimReader.Present(testCard)
	e.opener.SimReader.Present(testCard)
	require.Eventually(t, func() bool {
		op, _ := e.ex.Registry.Get("gate-loop")
		return op.Result["ignored_count"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := e.ex.Registry.Stop("gate-loop")
	require.NoError(t, err)
	op := e.wait(t, "gate-loop", 5*time.Second)
	assert.Equal(t, 1, op.Result["granted_count"])
	assert.Equal(t, 0, op.Result["denied_count"])

	e.recorder.mu.Lock()
	defer e.recorder.mu.Unlock()
	assert.Len(t, e.recorder.events, 1)
}

func TestIntegratedTimeoutIsWarning(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("integrated", domain.KindIntegratedTest, domain.RoleCardReader, domain.Params{TimeoutSeconds: 1}))
	op := e.wait(t, "integrated", 5*time.Second)

	assert.Equal(t, domain.StatusWarning, op.Status)
	assert.Equal(t, domain.PhaseTimeout, op.Phase)
	assert.Contains(t, e.opener.SimRelay.Commands(), "4:on")
	assert.False(t, e.opener.SimRelay.States()[3])
}

func TestConnectionTestMissingDevice(t *testing.T) {
	e := newEnv(t)
	job := e.job("conn", domain.KindConnectionTest, domain.RoleCardReader, domain.Params{Path: "/dev/missing"})
	job.Reader = domain.Assignment{Role: domain.RoleCardReader, DeviceKey: "/dev/missing", DevicePath: "/dev/missing"}
	e.start(t, job)
	op := e.wait(t, "conn", 5*time.Second)

	assert.Equal(t, domain.StatusError, op.Status)
	require.NotEmpty(t, op.Details)
	assert.True(t, strings.HasPrefix(op.Details[len(op.Details)-1], "DeviceNotFound: "))
}

func TestConnectionTestSimRelay(t *testing.T) {
	e := newEnv(t)
	e.start(t, e.job("conn", domain.KindConnectionTest, domain.RoleRelayController, domain.Params{}))
	op := e.wait(t, "conn", 5*time.Second)

	require.Equal(t, domain.StatusSuccess, op.Status, op.Details)
	assert.Equal(t, "Connection OK: simulated relay board", op.Result["message"])
}

func TestUnassignedRoleIsDeviceNotFound(t *testing.T) {
	e := newEnv(t)
	job := e.job("relay", domain.KindRelayTest, domain.RoleRelayController, domain.Params{})
	job.Relay = domain.Assignment{}
	e.start(t, job)
	op := e.wait(t, "relay", 5*time.Second)

	assert.Equal(t, domain.StatusError, op.Status)
	assert.Contains(t, op.Details[len(op.Details)-1], "DeviceNotFound")
}

type hangingOpener struct {
	release chan struct{}
	closed  chan struct{}
}

func (h *hangingOpener) OpenReader(domain.Assignment, device.ReaderOptions) (device.CardReader, error) {
	return nil, assert.AnError
}

func (h *hangingOpener) OpenRelay(domain.Assignment, int) (device.RelayController, error) {
	<-h.release
	return &closingRelay{SimRelay: device.NewSimRelay(8), closed: h.closed}, nil
}

type closingRelay struct {
	*device.SimRelay
	closed chan struct{}
}

func (c *closingRelay) Close() error {
	close(c.closed)
	return nil
}

func TestCeilingAbandonsHandle(t *testing.T) {
	e := newEnv(t)
	e.cfg.Hardware.Ceilings.ConnectSeconds = 1
	h := &hangingOpener{release: make(chan struct{}), closed: make(chan struct{})}
	e.ex.Opener = h
	e.start(t, e.job("relay", domain.KindRelayTest, domain.RoleRelayController, domain.Params{}))
	op := e.wait(t, "relay", 5*time.Second)

	assert.Equal(t, domain.StatusError, op.Status)
	assert.True(t, strings.HasPrefix(op.Details[len(op.Details)-1], "IOError: "))
	_, held := e.ex.Coord.Holder(domain.RoleRelayController)
	assert.False(t, held)

	close(h.release)
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned handle was never closed")
	}
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gatehw/internal/config"
	"gatehw/internal/coord"
	"gatehw/internal/detect"
	"gatehw/internal/device"
	"gatehw/internal/domain"
	"gatehw/internal/events"
	"gatehw/internal/executor"
	"gatehw/internal/operation"
	"gatehw/internal/repo"
)

const (
	maxTimeoutSeconds  = 3600
	maxHoldMillis      = 10000
	maxDurationSeconds = 60
)

var operationID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidationError rejects a request before anything is started.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Store
	Registry *operation.Registry
	Coord    *coord.Coordinator
	Executor *executor.Executor
	Devices  *device.Opener
	Scanner  *detect.Scanner
	Policy   *executor.Policy
	Log      *zap.Logger
	Now      func() time.Time
	// Simulate replaces every stored assignment with the in-memory devices.
	Simulate bool

	wg sync.WaitGroup
}

func New(db *sql.DB, store *config.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = config.NewStore(nil)
	}
	scanner := detect.NewScanner(log.Named("detect"))
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   store,
		Registry: operation.NewRegistry(),
		Coord:    coord.New(),
		Devices:  device.NewOpener(log.Named("device"), scanner),
		Scanner:  scanner,
		Policy:   executor.NewPolicy(store.Load().Access),
		Log:      log,
		Now:      time.Now,
	}
	e.Events.Now = e.now
	e.Executor = &executor.Executor{
		Registry: e.Registry,
		Coord:    e.Coord,
		Opener:   e.Devices,
		Access:   e.Policy,
		Recorder: e,
		Log:      log.Named("executor"),
		Now:      e.now,
		OnFinish: e.archive,
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartOperation validates the request, locks the roles the kind needs and starts the
// executor. It returns as soon as the operation is accepted.
func (e *Engine) StartOperation(ctx context.Context, kind domain.Kind, role domain.Role, params domain.Params) (string, error) {
	cfg := e.Config.Load()
	if role != "" && !role.Valid() {
		return "", invalid("role", "unknown role %q", role)
	}
	roles, err := kind.Roles(role)
	if err != nil {
		if kind == domain.KindConnectionTest {
			return "", invalid("role", "is required for %s", kind)
		}
		return "", invalid("kind", "unknown kind %q", kind)
	}
	if role == "" {
		role = roles[0]
	}
	if !containsRole(roles, role) {
		return "", invalid("role", "%s does not operate on %s", kind, role)
	}
	if err := validateParams(kind, params, cfg); err != nil {
		return "", err
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := executor.Job{ID: id, Kind: kind, Role: role, Roles: roles, Params: params, Config: cfg}
	for _, r := range roles {
		a, err := e.assignmentFor(ctx, r, kind, params, cfg)
		if err != nil {
			return "", err
		}
		switch r {
		case domain.RoleCardReader:
			job.Reader = a
		case domain.RoleRelayController:
			job.Relay = a
		}
	}

	if err := e.Coord.TryAcquire(id, roles...); err != nil {
		return "", err
	}
	opCtx, err := e.Registry.Create(id, kind, role)
	if err != nil {
		e.Coord.Release(id, roles...)
		if errors.Is(err, operation.ErrInUse) {
			return "", &coord.BusyError{Role: role, Holder: id}
		}
		return "", err
	}
	if kind == domain.KindIntegratedTest {
		e.Policy.Configure(cfg.Access)
	}
	if err := e.Events.Record(ctx, events.OperationStarted, events.EntityOperation, id, events.EventPayload{
		"kind": string(kind),
		"role": string(role),
	}); err != nil {
		e.Log.Warn("record event", zap.String("type", events.OperationStarted), zap.Error(err))
	}
	e.Log.Info("operation accepted",
		zap.String("operation_id", id),
		zap.String("kind", string(kind)),
		zap.String("role", string(role)),
	)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Executor.Run(opCtx, job)
	}()
	return id, nil
}

func containsRole(roles []domain.Role, role domain.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func validateParams(kind domain.Kind, p domain.Params, cfg *config.Config) error {
	if p.ID != "" && !operationID.MatchString(p.ID) {
		return invalid("id", "must be 1-64 letters, digits, '.', '_' or '-'")
	}
	if p.TimeoutSeconds < 0 || p.TimeoutSeconds > maxTimeoutSeconds {
		return invalid("timeout_seconds", "must be between 0 and %d", maxTimeoutSeconds)
	}
	if p.HoldMillis < 0 || p.HoldMillis > maxHoldMillis {
		return invalid("hold_ms", "must be between 0 and %d", maxHoldMillis)
	}
	if p.DurationSeconds < 0 || p.DurationSeconds > maxDurationSeconds {
		return invalid("duration_seconds", "must be between 0 and %d", maxDurationSeconds)
	}
	if p.BaudRate < 0 {
		return invalid("baud_rate", "must be positive")
	}
	channels := cfg.Hardware.Relay.Channels
	if p.Channel < 0 || p.Channel > channels {
		return invalid("channel", "must be between 1 and %d", channels)
	}
	for _, ch := range p.Channels {
		if ch < 1 || ch > channels {
			return invalid("channels", "channel %d out of range 1-%d", ch, channels)
		}
	}
	if p.Continuous && kind != domain.KindCardReaderTest && kind != domain.KindIntegratedTest {
		return invalid("continuous", "only applies to %s and %s", domain.KindCardReaderTest, domain.KindIntegratedTest)
	}
	if p.Path != "" && kind != domain.KindConnectionTest {
		return invalid("path", "only applies to %s", domain.KindConnectionTest)
	}
	return nil
}

// assignmentFor copies the device assignment for role. A missing assignment is not an
// error here; the operation fails with DeviceNotFound instead.
func (e *Engine) assignmentFor(ctx context.Context, role domain.Role, kind domain.Kind, p domain.Params, cfg *config.Config) (domain.Assignment, error) {
	var a domain.Assignment
	switch {
	case kind == domain.KindConnectionTest && p.Path != "":
		a = domain.Assignment{Role: role, DeviceKey: p.Path}
		if _, usb := device.USBID(p.Path); !usb {
			a.DevicePath = p.Path
		}
	case e.Simulate:
		return domain.Assignment{Role: role, DeviceKey: "sim", DevicePath: "sim"}, nil
	default:
		stored, err := e.Repo.GetAssignment(ctx, role)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Assignment{}, fmt.Errorf("load %s assignment: %w", role, err)
		}
		a = stored
		a.Role = role
	}
	a.DevicePath = cfg.Hardware.ResolvePath(a.DevicePath)
	return a, nil
}

// GetOperationStatus returns the record with only the detail lines after since.
func (e *Engine) GetOperationStatus(id string, since int) (domain.Operation, error) {
	return e.Registry.Since(id, since)
}

// StopOperation requests a cooperative stop. It reports whether the operation was live.
func (e *Engine) StopOperation(ctx context.Context, id string) (bool, error) {
	live, err := e.Registry.Stop(id)
	if err != nil {
		return false, err
	}
	if live {
		e.Log.Info("stop requested", zap.String("operation_id", id))
		if err := e.Events.Record(ctx, events.OperationStopped, events.EntityOperation, id, nil); err != nil {
			e.Log.Warn("record event", zap.String("type", events.OperationStopped), zap.Error(err))
		}
	}
	return live, nil
}

func (e *Engine) ListOperations() []domain.Operation {
	return e.Registry.List()
}

// OperationHistory lists archived runs, newest first.
func (e *Engine) OperationHistory(ctx context.Context, operationID string, limit int) ([]domain.OperationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.ListRuns(ctx, operationID, limit)
}

func (e *Engine) DetectHardware() (domain.Inventory, error) {
	return e.Scanner.Scan()
}

func (e *Engine) GetDeviceAssignments(ctx context.Context) ([]domain.Assignment, error) {
	list, err := e.Repo.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.Assignment{}
	}
	return list, nil
}

// SaveDeviceAssignments upserts one assignment per role. Roles with a running operation
// are rejected as busy.
func (e *Engine) SaveDeviceAssignments(ctx context.Context, list []domain.Assignment) ([]domain.Assignment, error) {
	seen := map[domain.Role]bool{}
	for i, a := range list {
		if !a.Role.Valid() {
			return nil, invalid(fmt.Sprintf("assignments[%d].role", i), "unknown role %q", a.Role)
		}
		if a.DeviceKey == "" {
			return nil, invalid(fmt.Sprintf("assignments[%d].device_key", i), "is required")
		}
		if seen[a.Role] {
			return nil, invalid(fmt.Sprintf("assignments[%d].role", i), "duplicate role %s", a.Role)
		}
		seen[a.Role] = true
		if holder, held := e.Coord.Holder(a.Role); held {
			return nil, &coord.BusyError{Role: a.Role, Holder: holder}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, a := range list {
		a.UpdatedAt = now
		if err := e.Repo.UpsertAssignmentTx(ctx, tx, a); err != nil {
			return nil, fmt.Errorf("save %s assignment: %w", a.Role, err)
		}
		if err := e.Events.Append(ctx, tx, events.AssignmentSaved, events.EntityAssignment, string(a.Role), events.EventPayload{
			"device_key":  a.DeviceKey,
			"device_path": a.DevicePath,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.GetDeviceAssignments(ctx)
}

// DeleteDeviceAssignment removes the assignment for role.
func (e *Engine) DeleteDeviceAssignment(ctx context.Context, role domain.Role) error {
	if !role.Valid() {
		return invalid("role", "unknown role %q", role)
	}
	if holder, held := e.Coord.Holder(role); held {
		return &coord.BusyError{Role: role, Holder: holder}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAssignmentTx(ctx, tx, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.AssignmentDeleted, events.EntityAssignment, string(role), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// TestDeviceConnection runs a connection test for role and waits for its outcome. An
// empty path tests the saved assignment.
func (e *Engine) TestDeviceConnection(ctx context.Context, role domain.Role, path string) (domain.ConnectionResult, error) {
	if !role.Valid() {
		return domain.ConnectionResult{}, invalid("role", "unknown role %q", role)
	}
	id, err := e.StartOperation(ctx, domain.KindConnectionTest, role, domain.Params{Path: path})
	if err != nil {
		return domain.ConnectionResult{}, err
	}
	op, err := e.Registry.Wait(ctx, id)
	if err != nil {
		return domain.ConnectionResult{}, err
	}
	res := domain.ConnectionResult{OperationID: id, Success: op.Status == domain.StatusSuccess}
	if msg, ok := op.Result["message"].(string); ok {
		res.Message = msg
	}
	if !res.Success && len(op.Details) > 0 {
		res.Error = op.Details[len(op.Details)-1]
	}
	return res, nil
}

func (e *Engine) AccessLog(ctx context.Context, limit int) ([]domain.AccessEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	list, err := e.Repo.ListAccessEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.AccessEvent{}
	}
	return list, nil
}

// RecordAccess stores an access decision and its event in one transaction.
func (e *Engine) RecordAccess(ctx context.Context, ev domain.AccessEvent) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertAccessEventTx(ctx, tx, ev); err != nil {
		return fmt.Errorf("insert access event: %w", err)
	}
	evtType := events.AccessDenied
	if ev.Granted {
		evtType = events.AccessGranted
	}
	if err := e.Events.Append(ctx, tx, evtType, events.EntityOperation, ev.OperationID, events.EventPayload{
		"identifier": ev.Identifier,
		"reason":     ev.Reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// archive stores a finished operation. The operation context is already cancelled at
// this point, so it uses its own.
func (e *Engine) archive(op domain.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run := domain.OperationRun{
		OperationID: op.ID,
		Kind:        op.Kind,
		Role:        op.Role,
		Status:      op.Status,
		Phase:       op.Phase,
		Details:     op.Details,
		Result:      op.Result,
		StartedAt:   op.StartedAt,
		FinishedAt:  op.FinishedAt,
	}
	if _, err := e.Repo.InsertRun(ctx, run); err != nil {
		e.Log.Warn("archive operation", zap.String("operation_id", op.ID), zap.Error(err))
	}
	if err := e.Events.Record(ctx, events.OperationFinished, events.EntityOperation, op.ID, events.EventPayload{
		"kind":   string(op.Kind),
		"status": string(op.Status),
		"phase":  string(op.Phase),
	}); err != nil {
		e.Log.Warn("record event", zap.String("type", events.OperationFinished), zap.Error(err))
	}
}

// Shutdown stops every live operation and waits for the executors to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, id := range e.Registry.Live() {
		_, _ = e.Registry.Stop(id)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	OperationStarted  = "operation.started"
	OperationFinished = "operation.finished"
	OperationStopped  = "operation.stop_requested"
	AssignmentSaved   = "assignment.saved"
	AssignmentDeleted = "assignment.deleted"
	AccessGranted     = "access.granted"
	AccessDenied      = "access.denied"
)

// Entity kinds stored alongside each event.
const (
	EntityOperation  = "operation"
	EntityAssignment = "assignment"
)

var known = map[string]bool{
	OperationStarted:  true,
	OperationFinished: true,
	OperationStopped:  true,
	AssignmentSaved:   true,
	AssignmentDeleted: true,
	AccessGranted:     true,
	AccessDenied:      true,
}

// Known reports whether evtType is one of the event types the system writes.
func Known(evtType string) bool {
	return known[evtType]
}

type EventPayload map[string]any

// Writer appends rows to the events table. The table is append-only; publishers
// and the /events endpoint read it by id cursor.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes an event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	if !Known(evtType) {
		return fmt.Errorf("unknown event type %q", evtType)
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evtType, err)
	}
	var id any
	if entityID != "" {
		id = entityID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		w.now().UTC().Format(time.RFC3339), evtType, entityKind, id, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

// Record appends a single event in its own transaction.
func (w Writer) Record(ctx context.Context, evtType, entityKind, entityID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

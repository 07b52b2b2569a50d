package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"gatehw/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanAssignment(row interface{ Scan(...any) error }) (domain.Assignment, error) {
	var a domain.Assignment
	var role string
	var path, typ sql.NullString
	err := row.Scan(&role, &a.DeviceKey, &path, &typ, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Role = domain.Role(role)
	a.DevicePath = path.String
	a.DeviceType = typ.String
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, role domain.Role) (domain.Assignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx, `SELECT role,device_key,device_path,device_type,updated_at FROM device_assignments WHERE role=?`, string(role)))
}

func (r Repo) ListAssignments(ctx context.Context) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role,device_key,device_path,device_type,updated_at FROM device_assignments ORDER BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO device_assignments(role,device_key,device_path,device_type,updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(role) DO UPDATE SET device_key=excluded.device_key, device_path=excluded.device_path, device_type=excluded.device_type, updated_at=excluded.updated_at`,
		string(a.Role), a.DeviceKey, nullable(a.DevicePath), nullable(a.DeviceType), a.UpdatedAt)
	return err
}

func (r Repo) UpsertAssignment(ctx context.Context, a domain.Assignment) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertAssignmentTx(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) DeleteAssignmentTx(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM device_assignments WHERE role=?`, string(role))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountAssignments(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_assignments`).Scan(&n)
	return n, err
}

// InsertRun archives a finished operation and returns its sequence number.
func (r Repo) InsertRun(ctx context.Context, run domain.OperationRun) (int64, error) {
	details, err := json.Marshal(run.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal details: %w", err)
	}
	var result any
	if len(run.Result) > 0 {
		b, err := json.Marshal(run.Result)
		if err != nil {
			return 0, fmt.Errorf("marshal result: %w", err)
		}
		result = string(b)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO operation_runs(operation_id,kind,role,status,phase,details_json,result_json,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.OperationID, string(run.Kind), string(run.Role), string(run.Status), nullable(string(run.Phase)), string(details), result, run.StartedAt, run.FinishedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListRuns returns archived runs newest first. An empty operationID lists every run.
func (r Repo) ListRuns(ctx context.Context, operationID string, limit int) ([]domain.OperationRun, error) {
	q := `SELECT seq,operation_id,kind,role,status,COALESCE(phase,''),details_json,result_json,started_at,finished_at FROM operation_runs`
	var args []any
	if operationID != "" {
		q += ` WHERE operation_id=?`
		args = append(args, operationID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OperationRun
	for rows.Next() {
		var run domain.OperationRun
		var kind, role, status, phase, details string
		var result sql.NullString
		if err := rows.Scan(&run.Seq, &run.OperationID, &kind, &role, &status, &phase, &details, &result, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Kind = domain.Kind(kind)
		run.Role = domain.Role(role)
		run.Status = domain.Status(status)
		run.Phase = domain.Phase(phase)
		if err := json.Unmarshal([]byte(details), &run.Details); err != nil {
			return nil, fmt.Errorf("decode details for run %d: %w", run.Seq, err)
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &run.Result); err != nil {
				return nil, fmt.Errorf("decode result for run %d: %w", run.Seq, err)
			}
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertAccessEventTx(ctx context.Context, tx *sql.Tx, evt domain.AccessEvent) (int64, error) {
	granted := 0
	if evt.Granted {
		granted = 1
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO access_log(ts,identifier_masked,granted,reason,operation_id) VALUES (?,?,?,?,?)`,
		evt.TS, evt.Identifier, granted, nullable(evt.Reason), nullable(evt.OperationID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListAccessEvents(ctx context.Context, limit int) ([]domain.AccessEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,identifier_masked,granted,COALESCE(reason,''),COALESCE(operation_id,'') FROM access_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccessEvent
	for rows.Next() {
		var evt domain.AccessEvent
		var granted int
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Identifier, &granted, &evt.Reason, &evt.OperationID); err != nil {
			return nil, err
		}
		evt.Granted = granted == 1
		res = append(res, evt)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	return r.EventsBefore(ctx, limit, 0, evtType)
}

// EventsBefore pages backwards from beforeID (exclusive). A zero beforeID starts at the newest
// event.
func (r Repo) EventsBefore(ctx context.Context, limit int, beforeID int64, evtType string) ([]domain.Event, error) {
	q := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE 1=1`
	var args []any
	if beforeID > 0 {
		q += ` AND id<?`
		args = append(args, beforeID)
	}
	if evtType != "" {
		q += ` AND type=?`
		args = append(args, evtType)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, q, args...)
}

// EventsAfter returns up to limit events with an id above afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		var payload string
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.EntityKind, &evt.EntityID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", evt.ID, err)
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

package repo_test

import (
	"context"
	"errors"
	"testing"

	"gatehw/internal/db"
	"gatehw/internal/domain"
	"gatehw/internal/events"
	"gatehw/internal/migrate"
	"gatehw/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestAssignmentUpsertAndGet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.GetAssignment(ctx, domain.RoleCardReader); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	a := domain.Assignment{Role: domain.RoleCardReader, DeviceKey: "usb:23d8:0285", DeviceType: "CREATOR CRT-285", UpdatedAt: "2024-01-01T00:00:00Z"}
	if err := r.UpsertAssignment(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a.DevicePath = "/dev/bus/usb/001/004"
	if err := r.UpsertAssignment(ctx, a); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := r.GetAssignment(ctx, domain.RoleCardReader)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DevicePath != "/dev/bus/usb/001/004" || got.DeviceKey != "usb:23d8:0285" {
		t.Fatalf("unexpected assignment %+v", got)
	}
	n, err := r.CountAssignments(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 assignment, got %d (%v)", n, err)
	}
	list, err := r.ListAssignments(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func TestAssignmentRoleConstraint(t *testing.T) {
	r := newTestRepo(t)
	err := r.UpsertAssignment(context.Background(), domain.Assignment{Role: "printer", DeviceKey: "x", UpdatedAt: "2024-01-01T00:00:00Z"})
	if err == nil {
		t.Fatalf("expected check constraint failure")
	}
}

func TestRunArchive(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	run := domain.OperationRun{
		OperationID: "relay",
		Kind:        domain.KindRelayTest,
		Role:        domain.RoleRelayController,
		Status:      domain.StatusSuccess,
		Details:     []string{"Relay 1 on", "Relay 1 off"},
		Result:      map[string]any{"events": float64(1)},
		StartedAt:   "2024-01-01T00:00:00Z",
		FinishedAt:  "2024-01-01T00:00:01Z",
	}
	if _, err := r.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	run.Status = domain.StatusError
	if _, err := r.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert second run: %v", err)
	}
	runs, err := r.ListRuns(ctx, "relay", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Status != domain.StatusError {
		t.Fatalf("expected newest first, got %+v", runs)
	}
	if len(runs[1].Details) != 2 || runs[1].Result["events"] != float64(1) {
		t.Fatalf("round trip mismatch: %+v", runs[1])
	}
	other, err := r.ListRuns(ctx, "reader", 10)
	if err != nil || len(other) != 0 {
		t.Fatalf("expected no runs for reader, got %v %v", other, err)
	}
}

func TestAccessLogAndEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := r.InsertAccessEventTx(ctx, tx, domain.AccessEvent{TS: "2024-01-01T00:00:00Z", Identifier: "RSSM***501Z", Granted: true, OperationID: "op-1"}); err != nil {
		t.Fatalf("insert access: %v", err)
	}
	if err := w.Append(ctx, tx, events.AccessGranted, events.EntityOperation, "op-1", events.EventPayload{"identifier": "RSSM***501Z"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.Record(ctx, events.AssignmentSaved, events.EntityAssignment, "card_reader", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	access, err := r.ListAccessEvents(ctx, 10)
	if err != nil || len(access) != 1 || !access[0].Granted {
		t.Fatalf("unexpected access log %+v %v", access, err)
	}
	evts, err := r.LatestEvents(ctx, 10, "")
	if err != nil || len(evts) != 2 {
		t.Fatalf("expected 2 events, got %+v %v", evts, err)
	}
	filtered, err := r.LatestEvents(ctx, 10, events.AccessGranted)
	if err != nil || len(filtered) != 1 || filtered[0].Payload["identifier"] != "RSSM***501Z" {
		t.Fatalf("unexpected filtered events %+v %v", filtered, err)
	}
}

func TestEventsAfterCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	if id, err := r.LatestEventID(ctx); err != nil || id != 0 {
		t.Fatalf("expected empty event log, got %d %v", id, err)
	}
	for _, role := range []string{"card_reader", "relay_controller", "card_reader"} {
		if err := w.Record(ctx, events.AssignmentSaved, events.EntityAssignment, role, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("expected latest id 3, got %d %v", latest, err)
	}
	evts, err := r.EventsAfter(ctx, 10, 1)
	if err != nil || len(evts) != 2 {
		t.Fatalf("expected 2 events after cursor, got %+v %v", evts, err)
	}
	if evts[0].ID != 2 || evts[1].EntityID != "card_reader" {
		t.Fatalf("events out of order: %+v", evts)
	}
	page, err := r.EventsAfter(ctx, 1, 0)
	if err != nil || len(page) != 1 || page[0].ID != 1 {
		t.Fatalf("expected first page of one, got %+v %v", page, err)
	}
}

package events_test

import (
	"context"
	"testing"
	"time"

	"gatehw/internal/db"
	"gatehw/internal/events"
	"gatehw/internal/migrate"
)

func TestAppendRejectsUnknownType(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	w := events.Writer{DB: conn, Now: func() time.Time { return fixed }}
	ctx := context.Background()

	if err := w.Record(ctx, "relay.clicked", events.EntityOperation, "op-1", nil); err == nil {
		t.Fatalf("expected unknown event type to be rejected")
	}
	if err := w.Record(ctx, events.OperationStarted, events.EntityOperation, "op-1", events.EventPayload{"kind": "relay_test"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	var count int
	var ts, payload string
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*), MAX(ts), MAX(payload_json) FROM events`).Scan(&count, &ts, &payload); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event, got %d", count)
	}
	if ts != "2026-03-01T09:30:00Z" {
		t.Fatalf("unexpected ts %s", ts)
	}
	if payload != `{"kind":"relay_test"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

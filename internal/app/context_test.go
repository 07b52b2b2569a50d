package app

import (
	"context"
	"testing"

	"gatehw/internal/config"
	"gatehw/internal/db"
	"gatehw/internal/domain"
	"gatehw/internal/migrate"
	"gatehw/internal/repo"
)

func TestSeedAssignmentsOnlyIntoEmptyTable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	cfg := config.Default()

	n, err := SeedAssignments(ctx, r, cfg)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 seeded assignment, got %d", n)
	}
	a, err := r.GetAssignment(ctx, domain.RoleRelayController)
	if err != nil || a.DeviceKey != "/dev/ttyUSB0" || a.DeviceType != "USB-RLY08" {
		t.Fatalf("unexpected assignment %+v (%v)", a, err)
	}

	cfg.Assignments["relay_controller"] = config.AssignmentSeed{DeviceKey: "/dev/ttyUSB9"}
	n, err = SeedAssignments(ctx, r, cfg)
	if err != nil || n != 0 {
		t.Fatalf("second seed should be a no-op: n=%d err=%v", n, err)
	}
	a, _ = r.GetAssignment(ctx, domain.RoleRelayController)
	if a.DeviceKey != "/dev/ttyUSB0" {
		t.Fatalf("existing assignment overwritten: %+v", a)
	}
}

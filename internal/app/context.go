package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"gatehw/internal/config"
	"gatehw/internal/db"
	"gatehw/internal/domain"
	"gatehw/internal/engine"
	"gatehw/internal/events"
	"gatehw/internal/migrate"
	"gatehw/internal/repo"
)

// OpenEngine opens the workspace database, applies migrations, seeds device
// assignments from config and returns a ready engine. The caller closes the
// returned *sql.DB after shutting the engine down.
func OpenEngine(ctx context.Context, workspace string, store *config.Store, log *zap.Logger) (*engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	seeded, err := SeedAssignments(ctx, repo.Repo{DB: conn}, store.Load())
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if log != nil {
		log.Debug("workspace database ready", zap.String("path", db.Path(workspace)))
		if seeded > 0 {
			log.Info("seeded device assignments from config", zap.Int("count", seeded))
		}
	}
	return engine.New(conn, store, log), conn, nil
}

// SeedAssignments copies the config's assignments into an empty assignment table.
// Existing assignments are never overwritten.
func SeedAssignments(ctx context.Context, r repo.Repo, cfg *config.Config) (int, error) {
	if cfg == nil || len(cfg.Assignments) == 0 {
		return 0, nil
	}
	n, err := r.CountAssignments(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	roles := make([]string, 0, len(cfg.Assignments))
	for role := range cfg.Assignments {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	w := events.Writer{DB: r.DB}
	for _, role := range roles {
		seed := cfg.Assignments[role]
		if seed.DeviceKey == "" {
			continue
		}
		a := domain.Assignment{
			Role:       domain.Role(role),
			DeviceKey:  seed.DeviceKey,
			DevicePath: seed.DevicePath,
			DeviceType: seed.DeviceType,
			UpdatedAt:  now,
		}
		if err := r.UpsertAssignmentTx(ctx, tx, a); err != nil {
			return 0, fmt.Errorf("seed %s assignment: %w", role, err)
		}
		if err := w.Append(ctx, tx, events.AssignmentSaved, events.EntityAssignment, role, events.EventPayload{
			"device_key": a.DeviceKey,
			"source":     "config",
		}); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

package model_instance

import (
	"context"
	"fmt"
	"iter"

	"github.com/jmoiron/sqlx"
)

const (
	legacyConfigTable   = `"modelConfigs"`
	legacyPositionTable = `"devicePositions"`
)

// ModelInstanceRepo handles model instance, position and legacy config queries
type ModelInstanceRepo struct {
	db sqlx.ExtContext
}

// NewModelInstanceRepo creates a new repository on a connection or transaction
func NewModelInstanceRepo(db sqlx.ExtContext) *ModelInstanceRepo {
	return &ModelInstanceRepo{db: db}
}

// LegacyConfigs yields every legacy config ordered by ("deviceId", "modelId").
// Rows are fetched a page at a time so the caller may issue statements on the
// same transaction between rows.
func (r *ModelInstanceRepo) LegacyConfigs(ctx context.Context, pageSize int) iter.Seq2[LegacyModelConfig, error] {
	return func(yield func(LegacyModelConfig, error) bool) {
		var after *LegacyModelConfig

		for {
			page, err := r.listLegacyConfigs(ctx, after, pageSize)
			if err != nil {
				yield(LegacyModelConfig{}, err)
				return
			}

			for _, row := range page {
				if !yield(row, nil) {
					return
				}
			}

			if len(page) < pageSize {
				return
			}
			after = &page[len(page)-1]
		}
	}
}

func (r *ModelInstanceRepo) listLegacyConfigs(ctx context.Context, after *LegacyModelConfig, limit int) ([]LegacyModelConfig, error) {
	var (
		rows  []LegacyModelConfig
		query string
		args  []interface{}
	)

	if after == nil {
		query = `
			SELECT "deviceId", "modelId", config
			FROM ` + legacyConfigTable + `
			ORDER BY "deviceId", "modelId"
			LIMIT ?
		`
		args = []interface{}{limit}
	} else {
		query = `
			SELECT "deviceId", "modelId", config
			FROM ` + legacyConfigTable + `
			WHERE "deviceId" > ? OR ("deviceId" = ? AND "modelId" > ?)
			ORDER BY "deviceId", "modelId"
			LIMIT ?
		`
		args = []interface{}{after.DeviceID, after.DeviceID, after.ModelID, limit}
	}

	if err := sqlx.SelectContext(ctx, r.db, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list legacy model configs: %w", err)
	}

	return rows, nil
}

// CreatePosition inserts a position and returns its id
func (r *ModelInstanceRepo) CreatePosition(ctx context.Context, p *Position) (int64, error) {
	query := r.db.Rebind(`
		INSERT INTO sweref_pos (projection, x, y, z, roll, pitch, yaw)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := r.db.QueryRowxContext(ctx, query, p.Projection, p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create position: %w", err)
	}

	return id, nil
}

// CreateModelInstance inserts a model instance and returns its id. The
// referenced position must already exist.
func (r *ModelInstanceRepo) CreateModelInstance(ctx context.Context, mi *ModelInstance) (int64, error) {
	query := r.db.Rebind(`
		INSERT INTO model_instances (name, description, hidden, model, "position", device)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := r.db.QueryRowxContext(ctx, query, mi.Name, mi.Description, mi.Hidden, mi.Model, mi.Position, mi.Device).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create model instance: %w", err)
	}

	return id, nil
}

// ListOrgMismatches returns model instances whose device and model belong to
// different organizations
func (r *ModelInstanceRepo) ListOrgMismatches(ctx context.Context) ([]OrgMismatch, error) {
	query := `
		SELECT mi.id, mi."position", mi.device, mi.model,
			d."orgID" AS "deviceOrg", m."orgID" AS "modelOrg"
		FROM model_instances mi
		JOIN devices d ON d."serialNo" = mi.device
		JOIN models m ON m.id = mi.model
		WHERE d."orgID" IS DISTINCT FROM m."orgID"
		ORDER BY mi.id
	`

	var rows []OrgMismatch
	if err := sqlx.SelectContext(ctx, r.db, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list org mismatches: %w", err)
	}

	return rows, nil
}

// DeleteModelInstance deletes a model instance by id
func (r *ModelInstanceRepo) DeleteModelInstance(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM model_instances WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete model instance %d: %w", id, err)
	}
	return nil
}

// DeletePosition deletes a position by id
func (r *ModelInstanceRepo) DeletePosition(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sweref_pos WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete position %d: %w", id, err)
	}
	return nil
}

// DropLegacyTables drops the legacy config and position tables
func (r *ModelInstanceRepo) DropLegacyTables(ctx context.Context) error {
	for _, table := range []string{legacyConfigTable, legacyPositionTable} {
		if _, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// Savepoint opens a named savepoint on the current transaction
func (r *ModelInstanceRepo) Savepoint(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `SAVEPOINT `+name)
	return err
}

// ReleaseSavepoint keeps the work done since the savepoint
func (r *ModelInstanceRepo) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `RELEASE SAVEPOINT `+name)
	return err
}

// RollbackToSavepoint undoes the work done since the savepoint
func (r *ModelInstanceRepo) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `ROLLBACK TO SAVEPOINT `+name)
	return err
}

package model_instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/curaious/devicedb/internal/perrors"
	"github.com/curaious/devicedb/internal/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultPageSize   = 500
	instanceSavepoint = "model_instance_pair"
)

// SerialResolver resolves a legacy device id to its serial number.
type SerialResolver interface {
	Serial(id int64) (string, bool)
}

// ModelInstanceService converts legacy model configs into model instances
type ModelInstanceService struct {
	repo     *ModelInstanceRepo
	pageSize int
}

type Option func(*ModelInstanceService)

// WithPageSize sets how many legacy rows are fetched per query.
func WithPageSize(n int) Option {
	return func(s *ModelInstanceService) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewModelInstanceService creates a new model instance service
func NewModelInstanceService(repo *ModelInstanceRepo, opts ...Option) *ModelInstanceService {
	s := &ModelInstanceService{repo: repo, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MigrateLegacyConfigs converts every legacy config, retires the legacy
// tables and then prunes instances whose device and model organizations
// differ. Any failure aborts; the caller owns the transaction.
func (s *ModelInstanceService) MigrateLegacyConfigs(ctx context.Context, serials SerialResolver) (*ConversionSummary, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "model_instances.migrate_legacy_configs")
	defer span.End()

	summary := &ConversionSummary{}

	read, created, err := s.ConvertLegacyConfigs(ctx, serials)
	summary.Read, summary.Created = read, created
	if err != nil {
		span.RecordError(err)
		return summary, err
	}

	if err := s.repo.DropLegacyTables(ctx); err != nil {
		return summary, perrors.FromDB("retire legacy tables", err)
	}

	pruned, err := s.PruneOrgMismatches(ctx)
	summary.Pruned = pruned
	if err != nil {
		span.RecordError(err)
		return summary, err
	}

	span.SetAttributes(
		attribute.Int("legacy_configs.read", summary.Read),
		attribute.Int("model_instances.created", summary.Created),
		attribute.Int("model_instances.pruned", summary.Pruned),
	)

	slog.InfoContext(ctx, "Migrated legacy model configs",
		slog.Int("read", summary.Read),
		slog.Int("created", summary.Created),
		slog.Int("pruned", summary.Pruned),
	)

	return summary, nil
}

// ConvertLegacyConfigs turns each legacy row into a position and a model
// instance, stopping at the first row that cannot be converted.
func (s *ModelInstanceService) ConvertLegacyConfigs(ctx context.Context, serials SerialResolver) (read, created int, err error) {
	for row, err := range s.repo.LegacyConfigs(ctx, s.pageSize) {
		if err != nil {
			return read, created, perrors.FromDB("read legacy model configs", err)
		}
		read++

		serial, ok := serials.Serial(row.DeviceID)
		if !ok {
			return read, created, perrors.NewErrConstraintViolation(
				fmt.Sprintf("legacy config for model %d references unknown device %d", row.ModelID, row.DeviceID),
				nil,
				map[string]interface{}{"device_id": row.DeviceID, "model": row.ModelID},
			)
		}

		pos, mi, err := BuildRecords(row, serial)
		if err != nil {
			return read, created, err
		}

		if err := s.createPair(ctx, pos, mi); err != nil {
			return read, created, err
		}
		created++
	}

	return read, created, nil
}

// createPair inserts the position then the instance that references it. Both
// run under one savepoint so a failure leaves neither behind.
func (s *ModelInstanceService) createPair(ctx context.Context, pos *Position, mi *ModelInstance) (err error) {
	args := map[string]interface{}{"device": mi.Device, "model": mi.Model}

	if err := s.repo.Savepoint(ctx, instanceSavepoint); err != nil {
		return perrors.FromDB("open savepoint", err, args)
	}

	defer func() {
		if err == nil {
			return
		}
		if rbErr := s.repo.RollbackToSavepoint(ctx, instanceSavepoint); rbErr != nil {
			slog.ErrorContext(ctx, "Unable to roll back model instance", slog.Any("error", rbErr))
		}
	}()

	pos.ID, err = s.repo.CreatePosition(ctx, pos)
	if err != nil {
		return perrors.FromDB(fmt.Sprintf("insert position for model %d on device %s", mi.Model, mi.Device), err, args)
	}

	mi.Position = pos.ID
	mi.ID, err = s.repo.CreateModelInstance(ctx, mi)
	if err != nil {
		return perrors.FromDB(fmt.Sprintf("insert model instance for model %d on device %s", mi.Model, mi.Device), err, args)
	}

	if err = s.repo.ReleaseSavepoint(ctx, instanceSavepoint); err != nil {
		return perrors.FromDB("release savepoint", err, args)
	}

	return nil
}

// PruneOrgMismatches deletes model instances whose device and model belong to
// different organizations, together with their positions.
func (s *ModelInstanceService) PruneOrgMismatches(ctx context.Context) (int, error) {
	mismatches, err := s.repo.ListOrgMismatches(ctx)
	if err != nil {
		return 0, perrors.FromDB("list org mismatches", err)
	}

	if len(mismatches) > 0 {
		slog.WarnContext(ctx, "Pruning model instances with mismatched organizations", slog.Int("count", len(mismatches)))
	}

	for _, mm := range mismatches {
		args := map[string]interface{}{"instance": mm.InstanceID, "device": mm.Device, "model": mm.Model}

		slog.InfoContext(ctx, "Pruning model instance",
			slog.Int64("instance", mm.InstanceID),
			slog.String("device", mm.Device),
			slog.Int64("model", mm.Model),
			slog.Any("device_org", mm.DeviceOrg),
			slog.Any("model_org", mm.ModelOrg),
		)

		if err := s.repo.DeleteModelInstance(ctx, mm.InstanceID); err != nil {
			return 0, perrors.FromDB("prune model instance", err, args)
		}
		if err := s.repo.DeletePosition(ctx, mm.PositionID); err != nil {
			return 0, perrors.FromDB("prune position", err, args)
		}
	}

	return len(mismatches), nil
}

// BuildRecords validates a legacy row and shapes it into a position and a
// model instance. serial is the row's device serial number.
func BuildRecords(row LegacyModelConfig, serial string) (*Position, *ModelInstance, error) {
	args := map[string]interface{}{"device": serial, "device_id": row.DeviceID, "model": row.ModelID}

	cfg, err := ParseLegacyConfig(row.Config)
	if err != nil {
		return nil, nil, perrors.NewErrMalformedConfiguration(
			fmt.Sprintf("decode config for model %d on device %s", row.ModelID, serial), err, args)
	}

	code, err := ProjectionCode(cfg.ProjectionRef)
	switch {
	case errors.Is(err, ErrUnsupportedProjection):
		return nil, nil, perrors.NewErrUnsupportedProjection(
			fmt.Sprintf("model %d on device %s uses projection %s, which cannot be migrated", row.ModelID, serial, cfg.ProjectionRef), err, args)
	case err != nil:
		return nil, nil, perrors.NewErrUnknownProjectionKey(
			fmt.Sprintf("model %d on device %s has projection %q", row.ModelID, serial, cfg.ProjectionRef), err, args)
	}

	var coords [4]decimal.Decimal
	for i, field := range []struct {
		key   string
		value LegacyNumber
	}{
		{"userLatitudeX", cfg.LatitudeX},
		{"userLongitudeY", cfg.LongitudeY},
		{"userAltitude", cfg.Altitude},
		{"userRotation", cfg.Rotation},
	} {
		coords[i], err = field.value.Decimal()
		if err != nil {
			return nil, nil, perrors.NewErrMalformedConfiguration(
				fmt.Sprintf("model %d on device %s has invalid %s %q", row.ModelID, serial, field.key, field.value), err, args)
		}
	}

	pos := &Position{
		Projection: code,
		X:          coords[0],
		Y:          coords[1],
		Z:          coords[2],
		Roll:       decimal.Zero,
		Pitch:      decimal.Zero,
		Yaw:        coords[3],
	}

	name := cfg.Name
	mi := &ModelInstance{
		Name:   &name,
		Hidden: cfg.Hide,
		Model:  row.ModelID,
		Device: serial,
	}

	return pos, mi, nil
}

package migrations

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"text/template"
	"time"

	"github.com/curaious/devicedb/internal/perrors"
	"github.com/curaious/devicedb/internal/telemetry"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed template.txt
var migrationTemplate string

var titlePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// migration ..
type migration struct {
	version string
	done    bool
	up      func(context.Context, *sqlx.Tx) error
	down    func(context.Context, *sqlx.Tx) error
}

// Migrator ..
type Migrator struct {
	db         *sqlx.DB
	versions   []string
	migrations map[string]*migration
}

// MigrationStatus reports whether a version has been applied.
type MigrationStatus struct {
	Version string
	Done    bool
}

// registry holds every migration registered from init.
var registry = newRegistry()

func newRegistry() *Migrator {
	return &Migrator{
		versions:   []string{},
		migrations: map[string]*migration{},
	}
}

// NewMigrator prepares the bookkeeping table on db and loads which of the
// registered migrations have already run.
func NewMigrator(ctx context.Context, db *sqlx.DB) (*Migrator, error) {
	return newMigrator(ctx, db, registry)
}

func newMigrator(ctx context.Context, db *sqlx.DB, from *Migrator) (*Migrator, error) {
	m := newRegistry()
	m.db = db
	for _, v := range from.versions {
		mg := *from.migrations[v]
		mg.done = false
		m.addMigration(&mg)
	}

	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version varchar(255) PRIMARY KEY
	);`)
	if err != nil {
		slog.Error("Unable to create `schema_migrations` table", slog.Any("error", err))
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations;")
	if err != nil {
		slog.Error("Unable to fetch completed migrations", slog.Any("error", err))
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		err := rows.Scan(&version)
		if err != nil {
			slog.Error("Unable to read row", slog.Any("error", err))
			return nil, err
		}

		if m.migrations[version] != nil {
			m.migrations[version].done = true
		}
	}

	return m, rows.Err()
}

// addMigration ..
func (m *Migrator) addMigration(mg *migration) {
	m.migrations[mg.version] = mg

	index := 0

	for index < len(m.versions) {
		if m.versions[index] > mg.version {
			break
		}

		index++
	}

	m.versions = append(m.versions, mg.version)
	copy(m.versions[index+1:], m.versions[index:])
	m.versions[index] = mg.version
}

// MigrationStatus ..
func (m *Migrator) MigrationStatus() []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(m.versions))

	for _, v := range m.versions {
		mg := m.migrations[v]

		if mg.done {
			slog.Info(fmt.Sprintf("Migration %s... completed", v))
		} else {
			slog.Info(fmt.Sprintf("Migration %s... pending", v))
		}

		statuses = append(statuses, MigrationStatus{Version: v, Done: mg.done})
	}

	return statuses
}

// CreateMigration writes an empty migration named title into dir and returns
// the file path.
func (m *Migrator) CreateMigration(dir, title string) (string, error) {
	if !titlePattern.MatchString(title) {
		return "", fmt.Errorf("invalid migration name %q: use lower case letters, digits and underscores", title)
	}

	var out bytes.Buffer

	version := time.Now().UTC().Format("20060102150405")

	in := struct {
		Version string
		Title   string
	}{
		Version: version,
		Title:   title,
	}

	t := template.Must(template.New("migration").Parse(migrationTemplate))
	err := t.Execute(&out, in)
	if err != nil {
		slog.Error("Unable to execute migration template", slog.Any("error", err))
		return "", err
	}

	name := filepath.Join(dir, fmt.Sprintf("%s_%s.go", version, title))
	if err := os.WriteFile(name, out.Bytes(), 0o644); err != nil {
		slog.Error("Unable to write the migration file", slog.Any("error", err))
		return "", err
	}

	slog.Info("Generated new migration file...", slog.String("filename", name))
	return name, nil
}

// Up runs pending migrations in version order, at most step of them when step
// is positive. Every migration of the run shares one transaction: if any
// fails, nothing is applied.
func (m *Migrator) Up(ctx context.Context, step int) error {
	return m.run(ctx, "up", step, m.versions, func(mg *migration) bool { return !mg.done })
}

// Down reverts applied migrations, newest first.
func (m *Migrator) Down(ctx context.Context, step int) error {
	return m.run(ctx, "down", step, reverse(m.versions), func(mg *migration) bool { return mg.done })
}

func (m *Migrator) run(ctx context.Context, direction string, step int, versions []string, pending func(*migration) bool) (err error) {
	l := slog.With(slog.String("run", uuid.NewString()), slog.String("direction", direction))

	ctx, span := telemetry.Tracer().Start(ctx, "migrations."+direction)
	defer span.End()

	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		l.Error("Unable to start transaction to run migrations", slog.Any("error", err))
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			l.Error("panic", slog.Any("details", r))
			err = fmt.Errorf("migration panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				l.Error("Unable to roll back migrations", slog.Any("error", rbErr))
			}
		}
	}()

	var applied []*migration
	for _, v := range versions {
		if step > 0 && len(applied) == step {
			break
		}

		mg := m.migrations[v]
		if !pending(mg) {
			continue
		}

		if err := m.apply(ctx, l, tx, direction, mg); err != nil {
			return err
		}
		applied = append(applied, mg)
	}

	if err := tx.Commit(); err != nil {
		l.Error("Unable to commit migrations", slog.Any("error", err))
		return err
	}

	for _, mg := range applied {
		mg.done = direction == "up"
	}

	span.SetAttributes(attribute.Int("migrations.applied", len(applied)))
	l.Info("Migrations finished", slog.Int("applied", len(applied)))

	return nil
}

func (m *Migrator) apply(ctx context.Context, l *slog.Logger, tx *sqlx.Tx, direction string, mg *migration) error {
	l = l.With(slog.String("version", mg.version))

	ctx, span := telemetry.Tracer().Start(ctx, "migrations."+direction+"."+mg.version)
	defer span.End()

	fn, record := mg.up, `INSERT INTO schema_migrations (version) VALUES (?);`
	if direction == "down" {
		fn, record = mg.down, `DELETE FROM schema_migrations WHERE version = ?;`
	}

	l.Info(fmt.Sprintf("Running %s migration...", direction))
	if err := fn(ctx, tx); err != nil {
		span.RecordError(err)
		var perr perrors.Err
		if errors.As(err, &perr) {
			perr.Print(ctx)
		} else {
			l.Error("Error occured while running migration", slog.Any("error", err))
		}
		return fmt.Errorf("migration %s: %w", mg.version, err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(record), mg.version); err != nil {
		l.Error("Failed to record migration in `schema_migrations`", slog.Any("error", err))
		return err
	}

	l.Info(fmt.Sprintf("Finished %s migration...", direction))
	return nil
}

func reverse(arr []string) []string {
	out := make([]string, len(arr))
	for i, v := range arr {
		out[len(arr)-1-i] = v
	}
	return out
}

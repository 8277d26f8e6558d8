package migrations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/curaious/devicedb/internal/perrors"
	"github.com/curaious/devicedb/internal/services/device"
	"github.com/curaious/devicedb/internal/services/model_instance"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func init() {
	registry.addMigration(&migration{
		version: "20180413135354",
		up:      mig_20180413135354_initial_up,
		down:    mig_20180413135354_initial_down,
	})
}

// legacyZeroTimestamp is how the imported schema stores "never uploaded".
const legacyZeroTimestamp = "0000-00-00 00:00:00"

func mig_20180413135354_initial_up(ctx context.Context, tx *sqlx.Tx) error {
	if err := upgradeNames(ctx, tx, "admins"); err != nil {
		return err
	}

	if err := upgradeNames(ctx, tx, "users"); err != nil {
		return err
	}

	// The serial map must be read before devices.id is dropped.
	serials, err := upgradeDevices(ctx, tx)
	if err != nil {
		return err
	}

	if err := upgradeFirmware(ctx, tx, serials); err != nil {
		return err
	}

	if err := createSwerefPos(ctx, tx); err != nil {
		return err
	}

	if err := upgradeModels(ctx, tx); err != nil {
		return err
	}

	if err := upgradeAssets(ctx, tx); err != nil {
		return err
	}

	if err := createModelInstances(ctx, tx); err != nil {
		return err
	}

	svc := model_instance.NewModelInstanceService(model_instance.NewModelInstanceRepo(tx))
	if _, err := svc.MigrateLegacyConfigs(ctx, serials); err != nil {
		return err
	}

	return nil
}

// Irreversible; the legacy tables are gone once up has run.
func mig_20180413135354_initial_down(ctx context.Context, tx *sqlx.Tx) error {
	return nil
}

func exec(ctx context.Context, tx *sqlx.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return perrors.FromDB(fmt.Sprintf("exec %q", strings.Join(strings.Fields(stmt), " ")), err)
		}
	}
	return nil
}

func upgradeNames(ctx context.Context, tx *sqlx.Tx, table string) error {
	return exec(ctx, tx,
		fmt.Sprintf(`ALTER TABLE %[1]s ALTER COLUMN name TYPE VARCHAR(128), ALTER COLUMN name SET NOT NULL;`, table),
		fmt.Sprintf(`ALTER TABLE %[1]s ADD CONSTRAINT %[1]s_name_key UNIQUE (name);`, table),
	)
}

func upgradeDevices(ctx context.Context, tx *sqlx.Tx) (device.SerialMap, error) {
	serials, err := device.NewDeviceService(device.NewDeviceRepo(tx)).FetchSerialMap(ctx)
	if err != nil {
		return nil, err
	}

	err = exec(ctx, tx,
		`ALTER TABLE devices RENAME COLUMN "deviceName" TO "serialNo";`,
		fmt.Sprintf(`ALTER TABLE devices ALTER COLUMN "serialNo" TYPE VARCHAR(%d), ALTER COLUMN "serialNo" SET NOT NULL;`, device.MaxSerialLength),
		`ALTER TABLE firmware DROP CONSTRAINT IF EXISTS firmware_ibfk_1;`,
		`ALTER TABLE "modelConfigs" DROP CONSTRAINT IF EXISTS "modelConfigs_ibfk_1";`,
		`ALTER TABLE devices DROP COLUMN id;`,
		`ALTER TABLE devices ADD PRIMARY KEY ("serialNo");`,
	)
	if err != nil {
		return nil, err
	}

	return serials, nil
}

// upgradeFirmware replaces firmware."deviceId" with firmware.device holding
// the serial number. The new column is filled from the old one so serial
// numbers that look like legacy ids are never rewritten twice.
func upgradeFirmware(ctx context.Context, tx *sqlx.Tx, serials device.SerialMap) error {
	err := exec(ctx, tx,
		fmt.Sprintf(`ALTER TABLE firmware ADD COLUMN device VARCHAR(%d);`, device.MaxSerialLength),
	)
	if err != nil {
		return err
	}

	if _, err := device.NewDeviceService(device.NewDeviceRepo(tx)).RewriteFirmware(ctx, serials); err != nil {
		return err
	}

	return exec(ctx, tx,
		`ALTER TABLE firmware DROP COLUMN "deviceId";`,
		`ALTER TABLE firmware ALTER COLUMN device SET NOT NULL;`,
		`ALTER TABLE firmware ADD CONSTRAINT firmware_ibfk_1
			FOREIGN KEY (device) REFERENCES devices ("serialNo") ON DELETE CASCADE;`,
	)
}

func createSwerefPos(ctx context.Context, tx *sqlx.Tx) error {
	codes := model_instance.ProjectionCodes()
	quoted := make([]string, len(codes))
	for i, code := range codes {
		quoted[i] = pq.QuoteLiteral(code)
	}

	return exec(ctx, tx, fmt.Sprintf(`
		CREATE TABLE sweref_pos (
			id SERIAL PRIMARY KEY,
			projection VARCHAR(8) CHECK (projection IN (%s)),
			x DECIMAL(15, 5),
			y DECIMAL(15, 5),
			z DECIMAL(15, 5),
			roll DECIMAL(15, 5) DEFAULT 0,
			pitch DECIMAL(15, 5) DEFAULT 0,
			yaw DECIMAL(15, 5) DEFAULT 0
		);
	`, strings.Join(quoted, ", ")))
}

func upgradeModels(ctx context.Context, tx *sqlx.Tx) error {
	var zeroed int
	err := tx.GetContext(ctx, &zeroed, tx.Rebind(`SELECT count(*) FROM models WHERE uploaded::text = ?`), legacyZeroTimestamp)
	if err != nil {
		return perrors.FromDB("count models without upload time", err)
	}
	if zeroed > 0 {
		slog.InfoContext(ctx, "Clearing zero upload timestamps", slog.Int("models", zeroed))
	}

	return exec(ctx, tx,
		`ALTER TABLE models RENAME COLUMN "userID" TO uploader;`,
		`ALTER TABLE models ALTER COLUMN uploader TYPE INTEGER USING uploader::integer;`,
		`ALTER TABLE models RENAME COLUMN "modelName" TO name;`,
		`ALTER TABLE models ALTER COLUMN name TYPE TEXT, ALTER COLUMN name DROP NOT NULL;`,
		`ALTER TABLE models DROP COLUMN "metaData";`,
		`ALTER TABLE models RENAME COLUMN uploaded TO "uploadedOn";`,
		`ALTER TABLE models ALTER COLUMN "uploadedOn" DROP NOT NULL;`,
		fmt.Sprintf(`ALTER TABLE models ALTER COLUMN "uploadedOn" TYPE TIMESTAMP
			USING NULLIF("uploadedOn"::text, %s)::timestamp;`, pq.QuoteLiteral(legacyZeroTimestamp)),
		`ALTER TABLE models DROP CONSTRAINT IF EXISTS models_ibfk_1;`,
		`ALTER TABLE models ADD CONSTRAINT models_ibfk_1 FOREIGN KEY (uploader) REFERENCES users (id);`,
		`ALTER TABLE models ADD COLUMN "defaultPosition" INTEGER REFERENCES sweref_pos (id);`,
		`ALTER TABLE models ADD COLUMN description TEXT;`,
	)
}

func upgradeAssets(ctx context.Context, tx *sqlx.Tx) error {
	return exec(ctx, tx, `ALTER TABLE assets RENAME COLUMN model_id TO model;`)
}

func createModelInstances(ctx context.Context, tx *sqlx.Tx) error {
	return exec(ctx, tx, fmt.Sprintf(`
		CREATE TABLE model_instances (
			id SERIAL PRIMARY KEY,
			name TEXT,
			description TEXT,
			hidden BOOLEAN NOT NULL DEFAULT false,
			model INTEGER NOT NULL REFERENCES models (id),
			"position" INTEGER NOT NULL REFERENCES sweref_pos (id),
			device VARCHAR(%d) NOT NULL REFERENCES devices ("serialNo") ON DELETE CASCADE
		);
	`, device.MaxSerialLength))
}

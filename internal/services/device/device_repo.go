package device

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// DeviceRepo handles device and firmware queries during migration
type DeviceRepo struct {
	db sqlx.ExtContext
}

// NewDeviceRepo creates a new device repository on a connection or transaction
func NewDeviceRepo(db sqlx.ExtContext) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// ListLegacy returns every device with its legacy id
func (r *DeviceRepo) ListLegacy(ctx context.Context) ([]LegacyDevice, error) {
	query := `SELECT id, "deviceName" FROM devices ORDER BY id`

	var devices []LegacyDevice
	if err := sqlx.SelectContext(ctx, r.db, &devices, query); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	return devices, nil
}

// SetFirmwareSerial fills firmware.device for all firmware of a legacy device
func (r *DeviceRepo) SetFirmwareSerial(ctx context.Context, id int64, serial string) (int64, error) {
	query := r.db.Rebind(`UPDATE firmware SET device = ? WHERE "deviceId" = ?`)

	result, err := r.db.ExecContext(ctx, query, serial, id)
	if err != nil {
		return 0, fmt.Errorf("failed to update firmware of device %d: %w", id, err)
	}

	return result.RowsAffected()
}

// ListUnresolvedFirmware returns the legacy device ids of firmware rows that
// have no serial number yet
func (r *DeviceRepo) ListUnresolvedFirmware(ctx context.Context) ([]int64, error) {
	query := `SELECT DISTINCT "deviceId" FROM firmware WHERE device IS NULL ORDER BY "deviceId"`

	var ids []int64
	if err := sqlx.SelectContext(ctx, r.db, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list unresolved firmware: %w", err)
	}

	return ids, nil
}

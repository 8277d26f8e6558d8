package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/curaious/devicedb/internal/perrors"
)

// DeviceService resolves legacy device ids and rewrites rows that reference them
type DeviceService struct {
	repo *DeviceRepo
}

// NewDeviceService creates a new device service
func NewDeviceService(repo *DeviceRepo) *DeviceService {
	return &DeviceService{repo: repo}
}

// FetchSerialMap reads the legacy id to serial number mapping. It must run
// before devices.id is dropped. Serial numbers that would not survive the
// primary key swap are rejected here, with their ids.
func (s *DeviceService) FetchSerialMap(ctx context.Context) (SerialMap, error) {
	devices, err := s.repo.ListLegacy(ctx)
	if err != nil {
		return nil, perrors.FromDB("read legacy devices", err)
	}

	serials := make(SerialMap, len(devices))
	owners := make(map[string]int64, len(devices))

	for _, d := range devices {
		if d.Name == "" || len(d.Name) > MaxSerialLength {
			return nil, perrors.NewErrConstraintViolation(
				fmt.Sprintf("device %d has serial number %q, want 1-%d characters", d.ID, d.Name, MaxSerialLength),
				nil,
				map[string]interface{}{"device_id": d.ID, "serial_no": d.Name},
			)
		}

		if other, ok := owners[d.Name]; ok {
			return nil, perrors.NewErrConstraintViolation(
				fmt.Sprintf("devices %d and %d share serial number %q", other, d.ID, d.Name),
				nil,
				map[string]interface{}{"device_id": d.ID, "other_device_id": other, "serial_no": d.Name},
			)
		}

		owners[d.Name] = d.ID
		serials[d.ID] = d.Name
	}

	slog.InfoContext(ctx, "Resolved device serial numbers", slog.Int("devices", len(serials)))

	return serials, nil
}

// RewriteFirmware points every firmware row at its device's serial number.
// firmware.device must exist and be empty; rows whose device id has no serial
// fail the whole rewrite.
func (s *DeviceService) RewriteFirmware(ctx context.Context, serials SerialMap) (int64, error) {
	var total int64

	for id, serial := range serials {
		n, err := s.repo.SetFirmwareSerial(ctx, id, serial)
		if err != nil {
			return 0, perrors.FromDB("rewrite firmware device", err, map[string]interface{}{"device_id": id, "serial_no": serial})
		}
		total += n
	}

	unresolved, err := s.repo.ListUnresolvedFirmware(ctx)
	if err != nil {
		return 0, perrors.FromDB("check firmware devices", err)
	}

	if len(unresolved) > 0 {
		return 0, perrors.NewErrConstraintViolation(
			fmt.Sprintf("firmware references unknown devices %v", unresolved),
			nil,
			map[string]interface{}{"device_ids": unresolved},
		)
	}

	slog.InfoContext(ctx, "Rewrote firmware device references", slog.Int64("rows", total))

	return total, nil
}

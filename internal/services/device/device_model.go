package device

// MaxSerialLength is the width of devices."serialNo" after migration.
const MaxSerialLength = 16

// LegacyDevice is a devices row as it looks before the serial number becomes
// the primary key.
type LegacyDevice struct {
	ID   int64  `db:"id"`
	Name string `db:"deviceName"`
}

// SerialMap resolves legacy integer device ids to serial numbers. It is
// captured once, before devices.id is dropped, and passed to every step that
// still holds legacy ids.
type SerialMap map[int64]string

// Serial returns the serial number for a legacy device id.
func (m SerialMap) Serial(id int64) (string, bool) {
	serial, ok := m[id]
	return serial, ok
}

package model_instance

import (
	"errors"
	"fmt"
	"sort"

	json "github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

// ProjectionUnsupported is a projection legacy configs may carry but
// sweref_pos cannot represent.
const ProjectionUnsupported = "osgb36"

var (
	ErrUnsupportedProjection = errors.New("unsupported projection")
	ErrUnknownProjectionKey  = errors.New("unknown projection key")
	ErrMissingConfigKey      = errors.New("missing config key")
	ErrNullConfigValue       = errors.New("null config value")
)

// projectionCodes maps legacy userProjectionRef keys to sweref_pos projection codes.
var projectionCodes = map[string]string{
	"sweref_99_tm":    "TM",
	"sweref_99_12_00": "12 00",
	"sweref_99_13_30": "13 30",
	"sweref_99_15_00": "15 00",
	"sweref_99_16_30": "16 30",
	"sweref_99_18_00": "18 00",
	"sweref_99_14_15": "14 15",
	"sweref_99_15_45": "15 45",
	"sweref_99_17_15": "17 15",
	"sweref_99_18_45": "18 45",
	"sweref_99_20_15": "20 15",
	"sweref_99_21_45": "21 45",
	"sweref_99_23_15": "23 15",
}

// ProjectionCode returns the sweref_pos code for a legacy projection key.
func ProjectionCode(key string) (string, error) {
	if key == ProjectionUnsupported {
		return "", fmt.Errorf("%w %q", ErrUnsupportedProjection, key)
	}

	code, ok := projectionCodes[key]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownProjectionKey, key)
	}

	return code, nil
}

// ProjectionCodes returns every valid sweref_pos code, sorted.
func ProjectionCodes() []string {
	codes := make([]string, 0, len(projectionCodes))
	for _, code := range projectionCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// LegacyModelConfig is a "modelConfigs" row.
type LegacyModelConfig struct {
	DeviceID int64  `db:"deviceId"`
	ModelID  int64  `db:"modelId"`
	Config   []byte `db:"config"`
}

// LegacyConfig is the JSON blob stored in "modelConfigs".config.
type LegacyConfig struct {
	ProjectionRef string       `json:"userProjectionRef"`
	LatitudeX     LegacyNumber `json:"userLatitudeX"`
	LongitudeY    LegacyNumber `json:"userLongitudeY"`
	Altitude      LegacyNumber `json:"userAltitude"`
	Rotation      LegacyNumber `json:"userRotation"`
	Hide          bool         `json:"hide"`
	Name          string       `json:"name"`
}

// ParseLegacyConfig decodes a legacy config blob. Every key must be present
// under its exact name and must not be null.
func ParseLegacyConfig(data []byte) (*LegacyConfig, error) {
	var fields map[string]json.NoCopyRawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	var cfg LegacyConfig
	for _, f := range []struct {
		key string
		dst any
	}{
		{"userProjectionRef", &cfg.ProjectionRef},
		{"userLatitudeX", &cfg.LatitudeX},
		{"userLongitudeY", &cfg.LongitudeY},
		{"userAltitude", &cfg.Altitude},
		{"userRotation", &cfg.Rotation},
		{"hide", &cfg.Hide},
		{"name", &cfg.Name},
	} {
		raw, ok := fields[f.key]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingConfigKey, f.key)
		}
		if string(raw) == "null" {
			return nil, fmt.Errorf("%w for %q", ErrNullConfigValue, f.key)
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return nil, fmt.Errorf("%q: %w", f.key, err)
		}
	}

	return &cfg, nil
}

// LegacyNumber is a coordinate as the legacy frontend stored it: a numeric
// string, an empty string, or occasionally a bare number.
type LegacyNumber string

func (n *LegacyNumber) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return ErrNullConfigValue
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = LegacyNumber(s)
		return nil
	}

	*n = LegacyNumber(data)
	return nil
}

// Decimal returns the value as a decimal; empty means zero.
func (n LegacyNumber) Decimal() (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(n))
}

// Position is a sweref_pos row.
type Position struct {
	ID         int64           `db:"id"`
	Projection string          `db:"projection"`
	X          decimal.Decimal `db:"x"`
	Y          decimal.Decimal `db:"y"`
	Z          decimal.Decimal `db:"z"`
	Roll       decimal.Decimal `db:"roll"`
	Pitch      decimal.Decimal `db:"pitch"`
	Yaw        decimal.Decimal `db:"yaw"`
}

// ModelInstance is a model_instances row: a model placed on a device at a position.
type ModelInstance struct {
	ID          int64   `db:"id"`
	Name        *string `db:"name"`
	Description *string `db:"description"`
	Hidden      bool    `db:"hidden"`
	Model       int64   `db:"model"`
	Position    int64   `db:"position"`
	Device      string  `db:"device"`
}

// OrgMismatch is a model instance whose device and model belong to different
// organizations.
type OrgMismatch struct {
	InstanceID int64  `db:"id"`
	PositionID int64  `db:"position"`
	Device     string `db:"device"`
	Model      int64  `db:"model"`
	DeviceOrg  *int64 `db:"deviceOrg"`
	ModelOrg   *int64 `db:"modelOrg"`
}

// ConversionSummary counts the outcome of a legacy config migration.
type ConversionSummary struct {
	Read    int
	Created int
	Pruned  int
}

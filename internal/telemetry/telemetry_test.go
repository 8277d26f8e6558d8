package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/curaious/devicedb/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewProviderWithoutExporterIsNoop(t *testing.T) {
	teardown, err := NewProvider(&config.Config{})
	require.NoError(t, err)
	teardown()
}

func TestNewProviderWritesSpansToFile(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	path := filepath.Join(t.TempDir(), "traces.txt")
	teardown, err := NewProvider(&config.Config{TRACES_FILE: path})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "migrations.up")
	span.End()
	teardown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "migrations.up")
}

package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/internal/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// Spans on the noop tracer are free and Shutdown is a no-op.
	_, span := p.Tracer().Start(context.Background(), "ignored")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestUnknownExporterRejected(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestFileExporterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file", FilePath: path, SampleRate: 1.0})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	ctx, parent := p.Tracer().Start(context.Background(), "enqueue")
	_, child := p.Tracer().Start(ctx, "claim")
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec SpanRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.NotEmpty(t, rec.TraceID)
	require.NotEmpty(t, rec.SpanID)
	require.Equal(t, "claim", rec.Name)
}

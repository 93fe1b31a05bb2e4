package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutFileIsNoop(t *testing.T) {
	stop, err := Init("jobcell", "test", "")
	require.NoError(t, err)
	assert.NoError(t, stop(context.Background()))
}

func TestEndRecordsStatus(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := newProvider("jobcell", "test", exp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tracer := tp.Tracer(InstrumentationName)

	_, ok := tracer.Start(context.Background(), "ok")
	End(ok, nil)
	_, failed := tracer.Start(context.Background(), "failed")
	End(failed, errors.New("boom"))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "boom", spans[1].Status.Description)
}

func TestInitWritesSpansToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	stop, err := Init("jobcell", "test", path)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "runner.task")
	End(span, nil)
	require.NoError(t, stop(context.Background()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "runner.task")
}

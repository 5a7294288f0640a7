package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "firegrid-test", zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStampAndResume(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := NewProvider("firegrid-test", 1.0, sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	env := Stamp(ctx, messages.NewEnvelope("satellite-1", "satellite"))
	span.End()

	sc := span.SpanContext()
	assert.Equal(t, sc.TraceID().String(), env.TraceID)
	assert.Equal(t, sc.SpanID().String(), env.SpanID)

	_, child := tp.Tracer("test").Start(Resume(context.Background(), env), "consume")
	child.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, sc.TraceID(), spans[1].SpanContext().TraceID())
	assert.Equal(t, sc.SpanID(), spans[1].Parent().SpanID())
}

func TestStampWithoutSpan(t *testing.T) {
	env := messages.NewEnvelope("fusion-1", "fusion")
	assert.Equal(t, env, Stamp(context.Background(), env))
}

func TestResumeIgnoresMissingIDs(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, Resume(ctx, messages.Envelope{}))
}

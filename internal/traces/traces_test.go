package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupOTelSDK(t *testing.T) {
	ctx := context.Background()
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	shutdown, err := SetupOTelSDK(ctx, "vigia-test", "http://127.0.0.1:4318/v1/traces")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	_, span := otel.Tracer("vigia.test").Start(ctx, "noop")
	span.End()

	// nothing listens on the endpoint, so only make sure shutdown returns
	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = shutdown(sctx)
}

func TestNewResource(t *testing.T) {
	res, err := newResource("vigia")
	require.NoError(t, err)

	found := false
	for _, attr := range res.Attributes() {
		if string(attr.Key) == "service.name" {
			found = true
			assert.Equal(t, "vigia", attr.Value.AsString())
		}
	}
	assert.True(t, found)
}

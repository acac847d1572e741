package tracer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconservice/go-beacon-admin/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Exporter: "stdout"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout"}, &buf)
	require.NoError(t, err)

	ctx, action := StartAction(context.Background(), "register", "0011223344556677")
	_, req := StartRequest(ctx, "POST", "/v1beta1/beacons:register")
	req.SetAttributes(HTTPStatus.Int(409))
	Finish(req, errors.New("already registered"))
	Finish(action, nil)

	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "beacon.register")
	assert.Contains(t, out, "proximity.request")
	assert.Contains(t, out, "0011223344556677")
	assert.Contains(t, out, "already registered")
	assert.Contains(t, out, serviceName)
}

func TestSetupUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter")

	_, err = Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "noop"})
	assert.NoError(t, err)
}

package proximity_test

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"beaconservice/go-beacon-admin/internal/config"
	"beaconservice/go-beacon-admin/internal/proximity"
	"beaconservice/go-beacon-admin/internal/proximity/proximitytest"
	"beaconservice/go-beacon-admin/internal/rest"
)

const (
	beaconA = "00112233 44556677"
	beaconB = "8899aabbccddeeff"
	beaconC = "0123-4567-89ab-cdef"
)

type clients struct {
	fake        *proximitytest.Server
	admin       *proximity.AdminClient
	serving     *proximity.ServingClient
	diagnostics *proximity.DiagnosticsClient
}

func newClients(t *testing.T) clients {
	t.Helper()

	fake := proximitytest.NewServer()
	t.Cleanup(fake.Close)

	exec := restExec()
	tokens := proximity.StaticToken(proximitytest.Token)

	admin, err := proximity.NewAdminClient(exec, fake.BaseURL(), tokens)
	require.NoError(t, err)
	serving, err := proximity.NewServingClient(exec, fake.BaseURL())
	require.NoError(t, err)
	diagnostics, err := proximity.NewDiagnosticsClient(exec, fake.BaseURL(), tokens)
	require.NoError(t, err)

	return clients{fake: fake, admin: admin, serving: serving, diagnostics: diagnostics}
}

func restExec() *rest.Executor {
	return rest.New(config.APIConfig{}, slog.Default())
}

// fakeExec answers every request from fn without any network. A nil fn
// answers 200 {}.
type fakeExec struct {
	fn  func(url string) (int, string)
	err error
}

func (f fakeExec) Execute(_ context.Context, req rest.Request) (rest.Response, error) {
	if f.err != nil {
		return rest.Response{}, f.err
	}
	if f.fn == nil {
		return rest.Response{Status: http.StatusOK, Body: []byte(`{}`)}, nil
	}
	status, body := f.fn(req.URL)
	return rest.Response{Status: status, Body: []byte(body)}, nil
}

// execFunc adapts a function to proximity.Executor.
type execFunc func(req rest.Request) rest.Response

func (f execFunc) Execute(_ context.Context, req rest.Request) (rest.Response, error) {
	return f(req), nil
}

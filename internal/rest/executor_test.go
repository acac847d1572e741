package rest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconservice/go-beacon-admin/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestExecuteReturnsHTTPErrorsAsResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":409}}`))
	}))
	defer server.Close()

	exec := New(config.APIConfig{}, slog.Default())
	resp, err := exec.Execute(context.Background(), Request{Method: http.MethodPost, URL: server.URL + "/beacons:register", Body: []byte(`{}`)})

	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.False(t, resp.OK())
	assert.JSONEq(t, `{"error":{"code":409}}`, string(resp.Body))
}

func TestExecuteSendsHeadersAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json; charset=utf-8", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"status":"ACTIVE"}`, string(body))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	exec := New(config.APIConfig{}, slog.Default())
	resp, err := exec.Execute(context.Background(), Request{
		Method: http.MethodPut,
		URL:    server.URL + "/beacons/3!0011223344556677",
		Body:   []byte(`{"status":"ACTIVE"}`),
		Header: http.Header{"Authorization": []string{"Bearer tok"}},
	})

	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestExecuteNoContentTypeWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	exec := New(config.APIConfig{}, slog.Default())
	resp, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestExecuteTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	exec := New(config.APIConfig{Timeout: time.Second}, slog.Default())
	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: url + "/beaconinfo:getforobserved?key=secret"})

	require.Error(t, err)
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "/beaconinfo:getforobserved", terr.Path)
	assert.NotContains(t, err.Error(), "secret")
}

func TestExecuteContextCancelled(t *testing.T) {
	exec := New(config.APIConfig{}, slog.Default(), WithDoer(&http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			<-r.Context().Done()
			return nil, r.Context().Err()
		}),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Execute(ctx, Request{Method: http.MethodGet, URL: "http://example.invalid/namespaces"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteBadURL(t *testing.T) {
	exec := New(config.APIConfig{}, slog.Default())
	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: "://nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestExecuteBreakerOpensOnServerFaults(t *testing.T) {
	calls := 0
	exec := New(config.APIConfig{Breaker: config.BreakerConfig{
		Enabled:     true,
		MaxFailures: 2,
		Timeout:     time.Minute,
	}}, slog.Default(), WithDoer(&http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls++
			return &http.Response{
				StatusCode: http.StatusServiceUnavailable,
				Body:       io.NopCloser(http.NoBody),
				Header:     http.Header{},
			}, nil
		}),
	}))

	for i := 0; i < 2; i++ {
		resp, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: "http://api.test/namespaces"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	}

	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: "http://api.test/namespaces"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestExecuteRateLimiterHonoursContext(t *testing.T) {
	exec := New(config.APIConfig{RequestsPerMinute: 1}, slog.Default(), WithDoer(&http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(http.NoBody), Header: http.Header{}}, nil
		}),
	}))

	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: "http://api.test/namespaces"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = exec.Execute(ctx, Request{Method: http.MethodGet, URL: "http://api.test/namespaces"})
	require.Error(t, err)
	var terr *TransportError
	assert.True(t, errors.As(err, &terr))
}

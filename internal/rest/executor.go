// Package rest performs single JSON HTTP requests against the beacon APIs.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"beaconservice/go-beacon-admin/internal/config"
	"beaconservice/go-beacon-admin/internal/tracer"
)

// maxResponseBody caps how much of a response body is read.
const maxResponseBody = 10 * 1024 * 1024

const (
	defaultTimeout       = 30 * time.Second
	defaultCBMaxFailures = 5
	defaultCBTimeout     = 30 * time.Second
	defaultCBInterval    = 60 * time.Second
)

// Request is a single HTTP call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is the raw outcome of a call that reached the server.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Executor issues requests. It never retries; callers decide what to do with
// failures. Safe for concurrent use.
type Executor struct {
	client  Doer
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[Response]
	logger  *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithDoer replaces the HTTP client, mainly for tests.
func WithDoer(d Doer) Option {
	return func(e *Executor) { e.client = d }
}

// New builds an Executor from the API configuration.
func New(cfg config.APIConfig, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		client: NewHTTPClient(cfg.Timeout),
		logger: logger,
	}

	if cfg.RequestsPerMinute > 0 {
		burst := cfg.RequestsPerMinute / 60
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}

	if cfg.Breaker.Enabled {
		e.breaker = newBreaker(cfg.Breaker, logger)
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewHTTPClient returns an *http.Client with a pooled transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: timeout,
	}
}

func newBreaker(cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[Response] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        "proximity-api",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// errServerFault lets 5xx responses count against the breaker while still
// being handed back to the caller as ordinary responses.
var errServerFault = errors.New("server fault")

// Execute performs req. The error is non-nil only for transport failures;
// HTTP error statuses come back in Response.
func (e *Executor) Execute(ctx context.Context, req Request) (Response, error) {
	path := redactedPath(req.URL)

	ctx, span := tracer.StartRequest(ctx, req.Method, path)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			terr := &TransportError{Method: req.Method, Path: path, Err: err}
			tracer.Finish(span, terr)
			return Response{}, terr
		}
	}

	start := time.Now()
	var (
		resp Response
		err  error
	)
	if e.breaker != nil {
		resp, err = e.breaker.Execute(func() (Response, error) {
			r, doErr := e.do(ctx, req)
			if doErr == nil && r.Status >= 500 {
				return r, errServerFault
			}
			return r, doErr
		})
		switch {
		case errors.Is(err, errServerFault):
			err = nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			err = fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
	} else {
		resp, err = e.do(ctx, req)
	}

	if err != nil {
		terr := &TransportError{Method: req.Method, Path: path, Err: err}
		tracer.Finish(span, terr)
		e.logger.Debug("api request failed", "method", req.Method, "path", path, "error", terr)
		return Response{}, terr
	}

	span.SetAttributes(tracer.HTTPStatus.Int(resp.Status))
	tracer.Finish(span, nil)
	e.logger.Debug("api request completed",
		"method", req.Method,
		"path", path,
		"status", resp.Status,
		"duration", time.Since(start),
	)
	return resp, nil
}

func (e *Executor) do(ctx context.Context, req Request) (Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBadRequest, stripURL(err))
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return Response{}, stripURL(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	return Response{Status: httpResp.StatusCode, Body: respBody}, nil
}

// stripURL drops the *url.Error wrapper so API keys in query strings do not
// end up in error messages.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func redactedPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Path
}

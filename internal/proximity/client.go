// Package proximity is a client for the Proximity Beacon API: the admin
// (registry) API, the public serving API and the diagnostics API.
//
// Every call blocks until the server answers or the transport fails. Errors
// are returned as values:
//   - *beaconid.ValidationError for malformed local input, before any I/O;
//   - *RequestError for everything else, classified by Normalize. Transport
//     failures are KindOther with Status 0 and wrap *rest.TransportError.
//
// Nothing is retried.
package proximity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"beaconservice/go-beacon-admin/internal/rest"
)

// Executor performs one HTTP request. *rest.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, req rest.Request) (rest.Response, error)
}

// endpoint holds what every API family needs to build and issue a call.
type endpoint struct {
	base    string
	exec    Executor
	tokens  TokenSource
	project string
}

// Option customises a client.
type Option func(*endpoint)

// WithProjectID sends projectId on every authorised call, for credentials
// that can act on more than one project.
func WithProjectID(id string) Option {
	return func(e *endpoint) { e.project = id }
}

func newEndpoint(exec Executor, baseURL string, tokens TokenSource, opts ...Option) (endpoint, error) {
	if exec == nil {
		return endpoint{}, fmt.Errorf("proximity: executor is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return endpoint{}, fmt.Errorf("proximity: invalid base url %q", baseURL)
	}
	base := u.String()
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	ep := endpoint{base: base, exec: exec, tokens: tokens}
	for _, opt := range opts {
		opt(&ep)
	}
	return ep, nil
}

// call is one API round trip. With auth set, a bearer token is attached.
// 2xx bodies are decoded into out (when non-nil); anything else is normalized.
type call struct {
	op     Operation
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
	out    any
}

func (e endpoint) do(ctx context.Context, c call) (int, error) {
	query := c.query
	if c.auth && e.project != "" {
		query = url.Values{}
		for k, v := range c.query {
			query[k] = v
		}
		query.Set("projectId", e.project)
	}

	target := e.base + c.path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req := rest.Request{Method: c.method, URL: target, Header: http.Header{}}

	if c.body != nil {
		payload, err := json.Marshal(c.body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		req.Body = payload
	}

	if c.auth {
		if e.tokens == nil {
			return 0, ErrNoToken
		}
		tok, err := e.tokens.Token(ctx)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := e.exec.Execute(ctx, req)
	if err != nil {
		return 0, FromTransport(err)
	}

	if !resp.OK() {
		return resp.Status, Normalize(c.op, resp.Status, resp.Body)
	}

	if c.out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, c.out); err != nil {
			return resp.Status, &RequestError{
				Status:  resp.Status,
				Kind:    KindOther,
				Message: fmt.Sprintf("decode response: %v", err),
				Err:     err,
			}
		}
	}

	return resp.Status, nil
}

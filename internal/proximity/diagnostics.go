package proximity

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
)

// AllBeacons, passed as the beacon id to Diagnostics, queries every beacon of
// the project.
const AllBeacons = "-"

// DiagnosticsClient pages through beacon diagnostics. Calls carry a bearer token.
type DiagnosticsClient struct {
	endpoint
}

// NewDiagnosticsClient builds a DiagnosticsClient rooted at baseURL.
func NewDiagnosticsClient(exec Executor, baseURL string, tokens TokenSource, opts ...Option) (*DiagnosticsClient, error) {
	ep, err := newEndpoint(exec, baseURL, tokens, opts...)
	if err != nil {
		return nil, err
	}
	return &DiagnosticsClient{endpoint: ep}, nil
}

// Diagnostics fetches one page of diagnostics for id (or AllBeacons).
// Pass the previous page's NextPageToken to continue; an empty token on the
// returned page means there are no more pages. alertFilter restricts results
// to beacons with that alert (e.g. "LOW_BATTERY").
func (c *DiagnosticsClient) Diagnostics(ctx context.Context, id string, pageSize int, pageToken, alertFilter string) (*model.DiagnosticsPage, error) {
	name := "beacons/" + AllBeacons
	if id != AllBeacons {
		n, err := beaconid.BeaconName(id)
		if err != nil {
			return nil, err
		}
		name = n
	}
	if pageSize < 0 {
		return nil, beaconid.Invalid("page size", strconv.Itoa(pageSize), "must not be negative")
	}

	q := url.Values{}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	if alertFilter != "" {
		q.Set("alertFilter", alertFilter)
	}

	var out wireListDiagnostics
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodGet, path: name + "/diagnostics", query: q, auth: true, out: &out}); err != nil {
		return nil, err
	}

	page := &model.DiagnosticsPage{
		Diagnostics:   make([]model.Diagnostics, 0, len(out.Diagnostics)),
		NextPageToken: out.NextPageToken,
	}
	for _, d := range out.Diagnostics {
		page.Diagnostics = append(page.Diagnostics, toDiagnostics(d))
	}
	return page, nil
}

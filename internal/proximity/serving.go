package proximity

import (
	"context"
	"net/http"
	"net/url"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
)

// AllAttachments asks Observe for every attachment the caller may read.
const AllAttachments = "*"

// ServingClient reports beacon sightings to the public serving API. It is
// authorised by API key only.
type ServingClient struct {
	endpoint
}

// NewServingClient builds a ServingClient rooted at baseURL.
func NewServingClient(exec Executor, baseURL string, opts ...Option) (*ServingClient, error) {
	ep, err := newEndpoint(exec, baseURL, nil, opts...)
	if err != nil {
		return nil, err
	}
	return &ServingClient{endpoint: ep}, nil
}

// Observe reports that id was sighted and returns its attachments.
//
// filter nil requests no attachments, AllAttachments ("*") requests all
// readable ones, and a "namespace/type" value only matching ones. Fails with
// KindNoSuchBeacon if the beacon is not registered or not observable.
func (c *ServingClient) Observe(ctx context.Context, id, apiKey string, filter *string) ([]model.Attachment, error) {
	canonical, err := beaconid.Sanitize(id)
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, beaconid.Invalid("api key", "", "required")
	}
	adID, err := advertisedID(canonical)
	if err != nil {
		return nil, err
	}

	body := wireObserveRequest{Observations: []wireObservation{{AdvertisedID: *adID}}}
	if filter != nil {
		if *filter != AllAttachments {
			if err := validateNamespacedType(*filter); err != nil {
				return nil, err
			}
		}
		body.NamespacedTypes = []string{*filter}
	}

	var out wireObserveResponse
	q := url.Values{"key": []string{apiKey}}
	status, err := c.do(ctx, call{op: OpServing, method: http.MethodPost, path: "beaconinfo:getforobserved", query: q, body: body, out: &out})
	if err != nil {
		return nil, err
	}

	for _, b := range out.Beacons {
		if !observedMatches(b, canonical) {
			continue
		}
		if filter == nil {
			return []model.Attachment{}, nil
		}
		return toAttachments(b.Attachments)
	}

	return nil, &RequestError{Status: status, Kind: KindNoSuchBeacon, Message: "beacon " + canonical + " was not observed"}
}

func observedMatches(b wireObservedBeacon, canonical string) bool {
	if b.AdvertisedID != nil {
		if id, err := beaconid.FromBase64(b.AdvertisedID.ID); err == nil {
			return id == canonical
		}
	}
	if id, err := beaconid.ParseBeaconName(b.BeaconName); err == nil {
		return id == canonical
	}
	return false
}

package proximity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
)

// AllNamespacedTypes selects every attachment the caller may read.
const AllNamespacedTypes = "*/*"

// AdminClient talks to the beacon registry. Calls carry a bearer token.
// Safe for concurrent use.
type AdminClient struct {
	endpoint
}

// NewAdminClient builds an AdminClient rooted at baseURL
// (e.g. https://proximitybeacon.googleapis.com/v1beta1/).
func NewAdminClient(exec Executor, baseURL string, tokens TokenSource, opts ...Option) (*AdminClient, error) {
	ep, err := newEndpoint(exec, baseURL, tokens, opts...)
	if err != nil {
		return nil, err
	}
	return &AdminClient{endpoint: ep}, nil
}

// InfoResult is the outcome of one lookup in GetInfos.
type InfoResult struct {
	Info *model.BeaconInfo
	Err  error
}

// Detail sets one descriptive field of a registration on Register or Update.
type Detail func(fields map[string]any)

// WithDescription sets the free-text description. An empty string clears it
// on Update.
func WithDescription(description string) Detail {
	return func(f map[string]any) { f["description"] = description }
}

// WithIndoorLevel sets the name of the floor the beacon is on.
func WithIndoorLevel(name string) Detail {
	return func(f map[string]any) { f["indoorLevel"] = wireIndoorLevel{Name: name} }
}

// WithProperties replaces the beacon's key/value properties.
func WithProperties(props map[string]string) Detail {
	cp := make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return func(f map[string]any) { f["properties"] = cp }
}

// WithStatus registers the beacon in status instead of ACTIVE. It has no
// effect on Update; use the lifecycle calls to change status.
func WithStatus(status model.Status) Detail {
	return func(f map[string]any) { f["status"] = string(status) }
}

// Register registers id, ACTIVE unless WithStatus says otherwise.
// Fails with KindAlreadyRegistered if the id is already known.
func (c *AdminClient) Register(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...Detail) (*model.BeaconInfo, error) {
	adID, err := advertisedID(id)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"status": string(model.StatusActive)}
	if err := beaconFields(body, placement, stability, details); err != nil {
		return nil, err
	}
	body["advertisedId"] = adID

	var out wireBeacon
	if _, err := c.do(ctx, call{op: OpRegister, method: http.MethodPost, path: "beacons:register", body: body, auth: true, out: &out}); err != nil {
		return nil, err
	}
	info := toBeaconInfo(out)
	return &info, nil
}

// Update changes the fields named by the call and keeps the rest of the
// record: a zero placement, an empty stability and absent details leave the
// current values in place. The API replaces whole records, so the current one
// is read first. Fails with KindNotRegistered for unknown ids.
func (c *AdminClient) Update(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...Detail) (*model.BeaconInfo, error) {
	name, err := beaconid.BeaconName(id)
	if err != nil {
		return nil, err
	}
	changes := make(map[string]any)
	if err := beaconFields(changes, placement, stability, details); err != nil {
		return nil, err
	}
	delete(changes, "status")

	var current map[string]json.RawMessage
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodGet, path: name, auth: true, out: &current}); err != nil {
		return nil, err
	}
	body := mergeBeacon(current, changes)
	body["beaconName"] = name

	var out wireBeacon
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodPut, path: name, body: body, auth: true, out: &out}); err != nil {
		return nil, err
	}
	info := toBeaconInfo(out)
	return &info, nil
}

// Delete removes a beacon together with its attachments and diagnostics.
// Unlike Decommission, the id may be registered again afterwards.
func (c *AdminClient) Delete(ctx context.Context, id string) error {
	name, err := beaconid.BeaconName(id)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, call{op: OpAdmin, method: http.MethodDelete, path: name, auth: true})
	return err
}

// Activate marks a beacon ACTIVE. Repeat calls succeed.
func (c *AdminClient) Activate(ctx context.Context, id string) error {
	return c.lifecycle(ctx, id, "activate")
}

// Deactivate marks a beacon INACTIVE. Repeat calls succeed.
func (c *AdminClient) Deactivate(ctx context.Context, id string) error {
	return c.lifecycle(ctx, id, "deactivate")
}

// Decommission permanently retires a beacon id. It cannot be undone.
func (c *AdminClient) Decommission(ctx context.Context, id string) error {
	return c.lifecycle(ctx, id, "decommission")
}

func (c *AdminClient) lifecycle(ctx context.Context, id, verb string) error {
	name, err := beaconid.BeaconName(id)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, call{op: OpAdmin, method: http.MethodPost, path: name + ":" + verb, auth: true})
	return err
}

// GetInfo fetches the registration record of a beacon.
func (c *AdminClient) GetInfo(ctx context.Context, id string) (*model.BeaconInfo, error) {
	name, err := beaconid.BeaconName(id)
	if err != nil {
		return nil, err
	}

	var out wireBeacon
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodGet, path: name, auth: true, out: &out}); err != nil {
		return nil, err
	}
	info := toBeaconInfo(out)
	return &info, nil
}

// GetInfos looks up several beacons with one independent call each. Results
// are keyed by canonical id; ids that fail validation are keyed as given.
func (c *AdminClient) GetInfos(ctx context.Context, ids []string) map[string]InfoResult {
	results := make(map[string]InfoResult, len(ids))

	var keys []string
	for _, raw := range ids {
		key, err := beaconid.Sanitize(raw)
		if err != nil {
			results[raw] = InfoResult{Err: err}
			continue
		}
		if _, seen := results[key]; seen {
			continue
		}
		results[key] = InfoResult{}
		keys = append(keys, key)
	}

	found := make([]InfoResult, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := c.GetInfo(ctx, key)
			found[i] = InfoResult{Info: info, Err: err}
		}()
	}
	wg.Wait()

	for i, key := range keys {
		results[key] = found[i]
	}
	return results
}

// ListBeacons returns one page of the project's beacons. query uses the API's
// filter syntax (e.g. "status:active"); empty lists everything.
func (c *AdminClient) ListBeacons(ctx context.Context, query string, pageSize int, pageToken string) (*model.BeaconPage, error) {
	if pageSize < 0 {
		return nil, beaconid.Invalid("page size", strconv.Itoa(pageSize), "must not be negative")
	}

	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var out wireListBeacons
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodGet, path: "beacons", query: q, auth: true, out: &out}); err != nil {
		return nil, err
	}

	page := &model.BeaconPage{NextPageToken: out.NextPageToken, Beacons: make([]model.BeaconInfo, 0, len(out.Beacons))}
	if n, err := out.TotalCount.Int64(); err == nil {
		page.TotalCount = n
	}
	for _, b := range out.Beacons {
		page.Beacons = append(page.Beacons, toBeaconInfo(b))
	}
	return page, nil
}

// ListAllBeacons follows page tokens until the last page. It stops early if
// the server hands back the token it was just given.
func (c *AdminClient) ListAllBeacons(ctx context.Context, query string) ([]model.BeaconInfo, error) {
	var (
		all   []model.BeaconInfo
		token string
	)
	for {
		page, err := c.ListBeacons(ctx, query, 0, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Beacons...)
		if page.NextPageToken == "" || page.NextPageToken == token {
			return all, nil
		}
		token = page.NextPageToken
	}
}

// ListNamespaces lists the attachment namespaces visible to the project.
func (c *AdminClient) ListNamespaces(ctx context.Context) ([]model.Namespace, error) {
	var out wireListNamespaces
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodGet, path: "namespaces", auth: true, out: &out}); err != nil {
		return nil, err
	}

	namespaces := make([]model.Namespace, 0, len(out.Namespaces))
	for _, ns := range out.Namespaces {
		namespaces = append(namespaces, model.Namespace{Name: ns.NamespaceName, ServingVisibility: ns.ServingVisibility})
	}
	return namespaces, nil
}

// ListAttachments lists a beacon's attachments matching namespacedType
// ("" means every attachment the caller can read).
func (c *AdminClient) ListAttachments(ctx context.Context, id, namespacedType string) ([]model.Attachment, error) {
	name, err := beaconid.BeaconName(id)
	if err != nil {
		return nil, err
	}
	if namespacedType == "" {
		namespacedType = AllNamespacedTypes
	}

	var out wireListAttachments
	q := url.Values{"namespacedType": []string{namespacedType}}
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodGet, path: name + "/attachments", query: q, auth: true, out: &out}); err != nil {
		return nil, err
	}
	return toAttachments(out.Attachments)
}

// AddAttachment attaches data under namespacedType ("namespace/type").
func (c *AdminClient) AddAttachment(ctx context.Context, id, namespacedType string, data []byte) (*model.Attachment, error) {
	name, err := beaconid.BeaconName(id)
	if err != nil {
		return nil, err
	}
	if err := validateNamespacedType(namespacedType); err != nil {
		return nil, err
	}

	body := wireAttachment{NamespacedType: namespacedType, Data: encodeData(data)}
	var out wireAttachment
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodPost, path: name + "/attachments", body: body, auth: true, out: &out}); err != nil {
		return nil, err
	}
	att, err := toAttachment(out)
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// DeleteAttachment removes one attachment. attachmentName must belong to id.
func (c *AdminClient) DeleteAttachment(ctx context.Context, id, attachmentName string) error {
	canonical, err := beaconid.Sanitize(id)
	if err != nil {
		return err
	}
	parsed, err := beaconid.ParseAttachmentName(attachmentName)
	if err != nil {
		return err
	}
	if parsed.BeaconID != canonical {
		return beaconid.Invalid("attachment name", attachmentName, "belongs to beacon "+parsed.BeaconID)
	}

	_, err = c.do(ctx, call{op: OpAdmin, method: http.MethodDelete, path: attachmentName, auth: true})
	return err
}

// DeleteAllAttachments removes every attachment of id matching namespacedType
// ("" matches all) and returns how many were deleted.
func (c *AdminClient) DeleteAllAttachments(ctx context.Context, id, namespacedType string) (int, error) {
	name, err := beaconid.BeaconName(id)
	if err != nil {
		return 0, err
	}

	q := url.Values{}
	if namespacedType != "" {
		q.Set("namespacedType", namespacedType)
	}

	var out wireBatchDelete
	if _, err := c.do(ctx, call{op: OpAdmin, method: http.MethodPost, path: name + "/attachments:batchDelete", query: q, auth: true, out: &out}); err != nil {
		return 0, err
	}
	return out.NumDeleted, nil
}

// beaconFields validates placement and stability and writes them, then the
// details, into fields under their JSON names.
func beaconFields(fields map[string]any, placement model.Placement, stability model.Stability, details []Detail) error {
	if !stability.Valid() {
		return beaconid.Invalid("stability", string(stability), "unknown value")
	}
	if placement.PlaceID != "" && placement.LatLng != nil {
		return beaconid.Invalid("placement", placement.PlaceID, "set either a place id or coordinates, not both")
	}

	if placement.PlaceID != "" {
		fields["placeId"] = placement.PlaceID
	}
	if ll := placement.LatLng; ll != nil {
		if ll.Latitude < -90 || ll.Latitude > 90 || ll.Longitude < -180 || ll.Longitude > 180 {
			return beaconid.Invalid("placement", strconv.FormatFloat(ll.Latitude, 'f', -1, 64)+","+strconv.FormatFloat(ll.Longitude, 'f', -1, 64), "coordinates out of range")
		}
		fields["latLng"] = wireLatLng{Latitude: ll.Latitude, Longitude: ll.Longitude}
	}
	if stability != model.StabilityUnspecified {
		fields["expectedStability"] = string(stability)
	}
	for _, d := range details {
		d(fields)
	}
	return nil
}

// mergeBeacon overlays changes on the current record. A new place id drops
// the old coordinates and new coordinates drop the old place id.
func mergeBeacon(current map[string]json.RawMessage, changes map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(changes))
	for k, v := range current {
		merged[k] = v
	}
	if _, ok := changes["placeId"]; ok {
		delete(merged, "latLng")
	}
	if _, ok := changes["latLng"]; ok {
		delete(merged, "placeId")
	}
	for k, v := range changes {
		merged[k] = v
	}
	return merged
}

func validateNamespacedType(nt string) error {
	ns, typ, ok := strings.Cut(nt, "/")
	if !ok || ns == "" || typ == "" || strings.Contains(typ, "/") {
		return beaconid.Invalid("namespaced type", nt, "expected namespace/type")
	}
	return nil
}

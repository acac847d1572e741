package model

import "time"

// Status is the registration state of a beacon.
type Status string

// Statuses understood by the Proximity Beacon API. Inactive beacons are mutable
// but do not serve data. Decommissioning is permanent.
const (
	StatusUnspecified    Status = "STATUS_UNSPECIFIED"
	StatusActive         Status = "ACTIVE"
	StatusInactive       Status = "INACTIVE"
	StatusDecommissioned Status = "DECOMMISSIONED"

	// StatusUnregistered and StatusNotAuthorized are local to the scan list and
	// never sent to the server.
	StatusUnregistered  Status = "UNREGISTERED"
	StatusNotAuthorized Status = "NOT_AUTHORIZED"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDecommissioned
}

// Stability is the declared expectation of how often a beacon moves.
type Stability string

// Stability values.
const (
	StabilityUnspecified Stability = ""
	StabilityStable      Stability = "STABLE"
	StabilityPortable    Stability = "PORTABLE"
	StabilityMobile      Stability = "MOBILE"
	StabilityRoving      Stability = "ROVING"
)

// Valid reports whether s is empty or one of the known values.
func (s Stability) Valid() bool {
	switch s {
	case StabilityUnspecified, StabilityStable, StabilityPortable, StabilityMobile, StabilityRoving:
		return true
	}
	return false
}

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Placement locates a beacon either by a Places id or by coordinates.
type Placement struct {
	PlaceID string  `json:"place_id,omitempty"`
	LatLng  *LatLng `json:"lat_lng,omitempty"`
}

// BeaconInfo is the server's description of a registered beacon.
type BeaconInfo struct {
	BeaconName  string            `json:"beacon_name"`
	BeaconID    string            `json:"beacon_id"`
	Status      Status            `json:"status"`
	Stability   Stability         `json:"stability,omitempty"`
	PlaceID     string            `json:"place_id,omitempty"`
	LatLng      *LatLng           `json:"lat_lng,omitempty"`
	IndoorLevel string            `json:"indoor_level,omitempty"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// BeaconPage is one page of a beacon listing.
type BeaconPage struct {
	Beacons       []BeaconInfo `json:"beacons"`
	NextPageToken string       `json:"next_page_token,omitempty"`
	TotalCount    int64        `json:"total_count,omitempty"`
}

// Attachment is namespaced, typed opaque data attached to a beacon.
type Attachment struct {
	Name           string `json:"attachment_name,omitempty"`
	NamespacedType string `json:"namespaced_type"`
	Data           []byte `json:"data"`
}

// Namespace is an attachment namespace visible to the caller's project.
type Namespace struct {
	Name              string `json:"namespace_name"`
	ServingVisibility string `json:"serving_visibility,omitempty"`
}

// Diagnostics describes the alerts raised for a single beacon.
type Diagnostics struct {
	BeaconName              string     `json:"beacon_name"`
	Alerts                  []string   `json:"alerts,omitempty"`
	EstimatedLowBatteryDate *time.Time `json:"estimated_low_battery_date,omitempty"`
}

// DiagnosticsPage is one page of diagnostics results.
type DiagnosticsPage struct {
	Diagnostics   []Diagnostics `json:"diagnostics"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

// Alerts flattens the alerts of every entry on the page.
func (p *DiagnosticsPage) Alerts() []string {
	var alerts []string
	for _, d := range p.Diagnostics {
		alerts = append(alerts, d.Alerts...)
	}
	return alerts
}

// LastPage reports whether no further page exists.
func (p *DiagnosticsPage) LastPage() bool {
	return p.NextPageToken == ""
}

// Sighting captures a single advertisement heard by a BLE scanner.
type Sighting struct {
	BeaconID  string    `json:"beacon_id"`
	ScannerID string    `json:"scanner_id"`
	RSSI      int       `json:"rssi"`
	TxPower   *int      `json:"tx_power,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ScannedBeacon is an entry of the scan list: the latest sighting of a beacon
// together with its resolved registration status.
type ScannedBeacon struct {
	BeaconID   string    `json:"beacon_id"`
	ScannerID  string    `json:"scanner_id"`
	RSSI       int       `json:"rssi"`
	TxPower    *int      `json:"tx_power,omitempty"`
	Status     Status    `json:"status,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// LifecycleEvent records a lifecycle operation issued against a beacon.
type LifecycleEvent struct {
	ID        string    `json:"id"`
	BeaconID  string    `json:"beacon_id"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	BeaconID string `json:"beacon_id"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
}

// Package proximitytest provides an in-memory stand-in for the Proximity
// Beacon API, served over httptest.
package proximitytest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
)

const (
	// Token is the bearer token the fake accepts.
	Token = "test-token"
	// APIKey is the serving API key the fake accepts.
	APIKey = "test-key"
	// Namespace is the attachment namespace owned by the test project.
	Namespace = "beacon-test"

	prefix          = "/v1beta1/"
	defaultPageSize = 50
)

type attachment struct {
	name           string
	namespacedType string
	data           string
}

type beacon struct {
	id          string
	status      model.Status
	stability   string
	placeID     string
	latLng      map[string]float64
	indoorLevel *wireIndoorLevel
	description string
	properties  map[string]string
	attachments []attachment
	alerts      []string
	lowBattery  *time.Time
}

type failure struct {
	code   int
	status string
}

// Server is a fake Proximity Beacon API. The zero value is not usable; call
// NewServer.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	beacons  map[string]*beacon
	foreign  map[string]bool
	fail     []failure
	requests int
	project  string
}

// NewServer starts a fake API. Close it when done.
func NewServer() *Server {
	s := &Server{
		beacons: make(map[string]*beacon),
		foreign: make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// BaseURL is the URL clients should be rooted at.
func (s *Server) BaseURL() string {
	return s.URL + prefix
}

// AddForeign marks id as registered by another project.
func (s *Server) AddForeign(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreign[mustSanitize(id)] = true
}

// SetDiagnostics attaches alerts to a registered beacon.
func (s *Server) SetDiagnostics(id string, lowBattery *time.Time, alerts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.beacons[mustSanitize(id)]; ok {
		b.alerts = alerts
		b.lowBattery = lowBattery
	}
}

// FailNext makes the next request fail with the given HTTP code and API status.
func (s *Server) FailNext(code int, apiStatus string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = append(s.fail, failure{code: code, status: apiStatus})
}

// Status returns the registration status of id, or StatusUnregistered.
func (s *Server) Status(id string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.beacons[mustSanitize(id)]; ok {
		return b.status
	}
	return model.StatusUnregistered
}

// AttachmentCount returns how many attachments id carries.
func (s *Server) AttachmentCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.beacons[mustSanitize(id)]; ok {
		return len(b.attachments)
	}
	return 0
}

// ProjectID returns the projectId query parameter of the last request.
func (s *Server) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// Requests returns how many requests reached the fake.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func mustSanitize(id string) string {
	canonical, err := beaconid.Sanitize(id)
	if err != nil {
		panic(fmt.Sprintf("proximitytest: %v", err))
	}
	return canonical
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.project = r.URL.Query().Get("projectId")

	if len(s.fail) > 0 {
		f := s.fail[0]
		s.fail = s.fail[1:]
		writeError(w, f.code, f.status, "injected failure")
		return
	}

	path, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
		return
	}

	if path == "beaconinfo:getforobserved" && r.Method == http.MethodPost {
		s.observe(w, r)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+Token {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "request had invalid authentication credentials")
		return
	}

	switch {
	case path == "beacons:register" && r.Method == http.MethodPost:
		s.register(w, r)
	case path == "beacons" && r.Method == http.MethodGet:
		s.list(w, r)
	case path == "namespaces" && r.Method == http.MethodGet:
		writeJSON(w, map[string]any{"namespaces": []map[string]string{
			{"namespaceName": "namespaces/" + Namespace, "servingVisibility": "UNLISTED"},
		}})
	case path == "beacons/-/diagnostics" && r.Method == http.MethodGet:
		s.diagnostics(w, r, "")
	case strings.HasPrefix(path, "beacons/"):
		s.beaconRoute(w, r, path)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
	}
}

// beaconRoute dispatches paths rooted at beacons/3!<hex>.
func (s *Server) beaconRoute(w http.ResponseWriter, r *http.Request, path string) {
	parts := strings.SplitN(path, "/", 4)
	nameAndVerb := parts[0] + "/" + parts[1]
	name, verb, _ := strings.Cut(nameAndVerb, ":")

	id, err := beaconid.ParseBeaconName(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if s.foreign[id] {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "beacon is owned by another project")
		return
	}
	b, ok := s.beacons[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "requested entity was not found")
		return
	}

	if len(parts) == 2 {
		switch {
		case verb == "" && r.Method == http.MethodGet:
			writeJSON(w, b.wire())
		case verb == "" && r.Method == http.MethodPut:
			s.update(w, r, b)
		case verb == "" && r.Method == http.MethodDelete:
			delete(s.beacons, id)
			writeJSON(w, struct{}{})
		case r.Method == http.MethodPost && (verb == "activate" || verb == "deactivate" || verb == "decommission"):
			s.lifecycle(w, b, verb)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
		}
		return
	}

	sub, subVerb, _ := strings.Cut(parts[2], ":")
	switch {
	case sub == "diagnostics" && r.Method == http.MethodGet:
		s.diagnostics(w, r, id)
	case sub == "attachments" && len(parts) == 4 && r.Method == http.MethodDelete:
		s.deleteAttachment(w, b, path)
	case sub == "attachments" && subVerb == "batchDelete" && r.Method == http.MethodPost:
		s.batchDelete(w, r, b)
	case sub == "attachments" && subVerb == "" && r.Method == http.MethodGet:
		s.listAttachments(w, r, b)
	case sub == "attachments" && subVerb == "" && r.Method == http.MethodPost:
		s.addAttachment(w, r, b)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
	}
}

type wireBeacon struct {
	BeaconName        string             `json:"beaconName,omitempty"`
	AdvertisedID      *wireAdvertisedID  `json:"advertisedId,omitempty"`
	Status            string             `json:"status,omitempty"`
	PlaceID           string             `json:"placeId,omitempty"`
	LatLng            map[string]float64 `json:"latLng,omitempty"`
	IndoorLevel       *wireIndoorLevel   `json:"indoorLevel,omitempty"`
	ExpectedStability string             `json:"expectedStability,omitempty"`
	Description       string             `json:"description,omitempty"`
	Properties        map[string]string  `json:"properties,omitempty"`
}

type wireIndoorLevel struct {
	Name string `json:"name"`
}

type wireAdvertisedID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (b *beacon) name() string {
	return "beacons/" + beaconid.EddystoneType + "!" + b.id
}

func (b *beacon) wire() wireBeacon {
	enc, _ := beaconid.Base64(b.id)
	return wireBeacon{
		BeaconName:        b.name(),
		AdvertisedID:      &wireAdvertisedID{Type: beaconid.AdvertisedType, ID: enc},
		Status:            string(b.status),
		PlaceID:           b.placeID,
		LatLng:            b.latLng,
		IndoorLevel:       b.indoorLevel,
		ExpectedStability: b.stability,
		Description:       b.description,
		Properties:        b.properties,
	}
}

// apply replaces every editable field with the request's, as the API does.
func (b *beacon) apply(req wireBeacon) {
	b.stability = req.ExpectedStability
	b.placeID = req.PlaceID
	b.latLng = req.LatLng
	b.indoorLevel = req.IndoorLevel
	b.description = req.Description
	b.properties = req.Properties
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req wireBeacon
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdvertisedID == nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "advertisedId is required")
		return
	}
	id, err := beaconid.FromBase64(req.AdvertisedID.ID)
	if err != nil || req.AdvertisedID.Type != beaconid.AdvertisedType {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid advertisedId")
		return
	}
	if s.foreign[id] {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "beacon is owned by another project")
		return
	}
	if _, exists := s.beacons[id]; exists {
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", "beacon is already registered")
		return
	}

	status := model.Status(req.Status)
	if status == "" {
		status = model.StatusActive
	}
	b := &beacon{id: id, status: status}
	b.apply(req)
	s.beacons[id] = b
	writeJSON(w, b.wire())
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, b *beacon) {
	if b.status == model.StatusDecommissioned {
		writeError(w, http.StatusBadRequest, "FAILED_PRECONDITION", "beacon is decommissioned")
		return
	}
	var req wireBeacon
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed body")
		return
	}
	if req.PlaceID != "" && req.LatLng != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "placeId and latLng are exclusive")
		return
	}
	b.apply(req)
	writeJSON(w, b.wire())
}

func (s *Server) lifecycle(w http.ResponseWriter, b *beacon, verb string) {
	if b.status == model.StatusDecommissioned {
		writeError(w, http.StatusBadRequest, "FAILED_PRECONDITION", "beacon is decommissioned")
		return
	}
	switch verb {
	case "activate":
		b.status = model.StatusActive
	case "deactivate":
		b.status = model.StatusInactive
	case "decommission":
		b.status = model.StatusDecommissioned
		b.attachments = nil
	}
	writeJSON(w, struct{}{})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	want := ""
	for _, term := range strings.Fields(r.URL.Query().Get("q")) {
		if v, ok := strings.CutPrefix(term, "status:"); ok {
			want = strings.ToUpper(v)
		}
	}

	ids := s.sortedIDs()
	matched := make([]wireBeacon, 0, len(ids))
	for _, id := range ids {
		b := s.beacons[id]
		if want != "" && string(b.status) != want {
			continue
		}
		matched = append(matched, b.wire())
	}

	start, end, next, ok := page(r, len(matched))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid page token")
		return
	}
	writeJSON(w, map[string]any{
		"beacons":       matched[start:end],
		"nextPageToken": next,
		"totalCount":    strconv.Itoa(len(matched)),
	})
}

func (s *Server) listAttachments(w http.ResponseWriter, r *http.Request, b *beacon) {
	nt := r.URL.Query().Get("namespacedType")
	out := make([]map[string]string, 0, len(b.attachments))
	for _, a := range b.attachments {
		if matches(nt, a.namespacedType) {
			out = append(out, map[string]string{"attachmentName": a.name, "namespacedType": a.namespacedType, "data": a.data})
		}
	}
	writeJSON(w, map[string]any{"attachments": out})
}

func (s *Server) addAttachment(w http.ResponseWriter, r *http.Request, b *beacon) {
	if b.status == model.StatusDecommissioned {
		writeError(w, http.StatusBadRequest, "FAILED_PRECONDITION", "beacon is decommissioned")
		return
	}
	var req struct {
		NamespacedType string `json:"namespacedType"`
		Data           string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed body")
		return
	}
	ns, _, _ := strings.Cut(req.NamespacedType, "/")
	if ns != Namespace {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "namespace is not owned by the project")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.Data); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "data is not base64")
		return
	}

	a := attachment{
		name:           b.name() + "/attachments/" + uuid.NewString(),
		namespacedType: req.NamespacedType,
		data:           req.Data,
	}
	b.attachments = append(b.attachments, a)
	writeJSON(w, map[string]string{"attachmentName": a.name, "namespacedType": a.namespacedType, "data": a.data})
}

func (s *Server) deleteAttachment(w http.ResponseWriter, b *beacon, name string) {
	for i, a := range b.attachments {
		if a.name == name {
			b.attachments = append(b.attachments[:i], b.attachments[i+1:]...)
			writeJSON(w, struct{}{})
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "attachment not found")
}

func (s *Server) batchDelete(w http.ResponseWriter, r *http.Request, b *beacon) {
	nt := r.URL.Query().Get("namespacedType")
	kept := b.attachments[:0]
	deleted := 0
	for _, a := range b.attachments {
		if matches(nt, a.namespacedType) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	b.attachments = kept
	writeJSON(w, map[string]int{"numDeleted": deleted})
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request, only string) {
	alert := r.URL.Query().Get("alertFilter")

	type entry struct {
		BeaconName              string         `json:"beaconName"`
		EstimatedLowBatteryDate map[string]int `json:"estimatedLowBatteryDate,omitempty"`
		Alerts                  []string       `json:"alerts,omitempty"`
	}

	var entries []entry
	for _, id := range s.sortedIDs() {
		if only != "" && id != only {
			continue
		}
		b := s.beacons[id]
		if alert != "" && !contains(b.alerts, alert) {
			continue
		}
		e := entry{BeaconName: b.name(), Alerts: b.alerts}
		if b.lowBattery != nil {
			y, m, d := b.lowBattery.Date()
			e.EstimatedLowBatteryDate = map[string]int{"year": y, "month": int(m), "day": d}
		}
		entries = append(entries, e)
	}

	start, end, next, ok := page(r, len(entries))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid page token")
		return
	}
	writeJSON(w, map[string]any{"diagnostics": entries[start:end], "nextPageToken": next})
}

func (s *Server) observe(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != APIKey {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "API key not valid")
		return
	}

	var req struct {
		Observations []struct {
			AdvertisedID wireAdvertisedID `json:"advertisedId"`
		} `json:"observations"`
		NamespacedTypes []string `json:"namespacedTypes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Observations) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "observations are required")
		return
	}

	out := make([]map[string]any, 0, len(req.Observations))
	for _, o := range req.Observations {
		id, err := beaconid.FromBase64(o.AdvertisedID.ID)
		if err != nil {
			continue
		}
		b, ok := s.beacons[id]
		if !ok || b.status != model.StatusActive {
			continue
		}

		atts := make([]map[string]string, 0)
		for _, a := range b.attachments {
			for _, filter := range req.NamespacedTypes {
				if filter == "*" || filter == a.namespacedType {
					atts = append(atts, map[string]string{"namespacedType": a.namespacedType, "data": a.data})
					break
				}
			}
		}
		out = append(out, map[string]any{
			"advertisedId": wireAdvertisedID{Type: beaconid.AdvertisedType, ID: o.AdvertisedID.ID},
			"beaconName":   b.name(),
			"attachments":  atts,
		})
	}
	writeJSON(w, map[string]any{"beacons": out})
}

func (s *Server) sortedIDs() []string {
	ids := make([]string, 0, len(s.beacons))
	for id := range s.beacons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// page resolves pageSize and an offset token against n items.
func page(r *http.Request, n int) (start, end int, next string, ok bool) {
	q := r.URL.Query()
	size := defaultPageSize
	if v := q.Get("pageSize"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return 0, 0, "", false
		}
		if parsed > 0 {
			size = parsed
		}
	}
	if tok := q.Get("pageToken"); tok != "" {
		offset, err := strconv.Atoi(strings.TrimPrefix(tok, "offset-"))
		if err != nil || offset < 0 || offset > n {
			return 0, 0, "", false
		}
		start = offset
	}
	end = min(start+size, n)
	if end < n {
		next = "offset-" + strconv.Itoa(end)
	}
	return start, end, next, true
}

// matches applies the namespacedType wildcard rules: "" and "*/*" match
// everything, "ns/*" matches a namespace.
func matches(filter, nt string) bool {
	if filter == "" || filter == "*/*" || filter == "*" {
		return true
	}
	if ns, ok := strings.CutSuffix(filter, "/*"); ok {
		return strings.HasPrefix(nt, ns+"/")
	}
	return filter == nt
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message, "status": status},
	})
}

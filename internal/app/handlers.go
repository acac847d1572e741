package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/bulk"
	"beaconservice/go-beacon-admin/internal/model"
	"beaconservice/go-beacon-admin/internal/proximity"
	"beaconservice/go-beacon-admin/internal/rest"
	"beaconservice/go-beacon-admin/internal/service"
)

const (
	apiTimeout    = 30 * time.Second
	bulkTimeout   = 10 * time.Minute
	maxSheetBytes = 4 << 20
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	mux.HandleFunc("GET /api/scan", a.handleScanList)
	mux.HandleFunc("GET /api/namespaces", a.handleNamespaces)

	mux.HandleFunc("GET /api/beacons", a.handleListBeacons)
	mux.HandleFunc("GET /api/beacons/{id}", a.handleGetBeacon)
	mux.HandleFunc("PUT /api/beacons/{id}", a.handleUpdateBeacon)
	mux.HandleFunc("DELETE /api/beacons/{id}", a.handleDeleteBeacon)
	mux.HandleFunc("POST /api/beacons/{id}/{action}", a.handleLifecycle)
	mux.HandleFunc("GET /api/beacons/{id}/events", a.handleEvents)
	mux.HandleFunc("GET /api/beacons/{id}/diagnostics", a.handleDiagnostics)

	mux.HandleFunc("GET /api/beacons/{id}/attachments", a.handleListAttachments)
	mux.HandleFunc("POST /api/beacons/{id}/attachments", a.handleAddAttachment)
	mux.HandleFunc("DELETE /api/beacons/{id}/attachments", a.handleDeleteAttachments)
	mux.HandleFunc("DELETE /api/attachments/{name...}", a.handleDeleteAttachment)

	mux.HandleFunc("POST /api/observe/{id}", a.handleObserve)

	mux.HandleFunc("POST /api/bulk/register", a.handleBulkRegister)
	mux.HandleFunc("POST /api/bulk/places", a.handleBulkPlaces)

	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	ready := true

	if a.store == nil || a.store.Ping(ctx) != nil {
		checks["store"] = "unavailable"
		ready = false
	}
	if a.cfg.MQTT.Enabled {
		checks["mqtt"] = "ok"
		if a.mqtt == nil || a.mqtt.HealthCheck(ctx) != nil {
			checks["mqtt"] = "unavailable"
			ready = false
		}
	}

	status := http.StatusOK
	body := map[string]any{"status": "ready", "checks": checks}
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "starting"
	}
	a.writeJSON(w, status, body)
}

type scanEntry struct {
	model.ScannedBeacon
	Actions []service.Action `json:"actions"`
}

func (a *App) handleScanList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	beacons, err := a.store.ScanList(ctx)
	if err != nil {
		a.logger.Error("failed to load scan list", "error", err)
		a.writeError(w, err)
		return
	}

	entries := make([]scanEntry, 0, len(beacons))
	for _, b := range beacons {
		entries = append(entries, scanEntry{ScannedBeacon: b, Actions: service.Actions(b.Status)})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"beacons": entries})
}

func (a *App) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	namespaces, err := a.admin.ListNamespaces(ctx)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"namespaces": namespaces})
}

func (a *App) handleListBeacons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize := 0
	if v := q.Get("pageSize"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			a.writeError(w, beaconid.Invalid("page size", v, "not a number"))
			return
		}
		pageSize = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	page, err := a.admin.ListBeacons(ctx, q.Get("q"), pageSize, q.Get("pageToken"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, page)
}

type beaconResponse struct {
	Beacon  *model.BeaconInfo `json:"beacon"`
	Actions []service.Action  `json:"actions"`
}

func (a *App) handleGetBeacon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	info, err := a.manager.Info(ctx, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, beaconResponse{Beacon: info, Actions: service.Actions(info.Status)})
}

type placementRequest struct {
	model.Placement
	Stability   model.Stability   `json:"stability"`
	Status      model.Status      `json:"status,omitempty"`
	Description *string           `json:"description,omitempty"`
	IndoorLevel *string           `json:"indoor_level,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// details returns the descriptive fields present in the request. Absent
// fields are left as they are on update.
func (p placementRequest) details() []proximity.Detail {
	var details []proximity.Detail
	if p.Status != "" {
		details = append(details, proximity.WithStatus(p.Status))
	}
	if p.Description != nil {
		details = append(details, proximity.WithDescription(*p.Description))
	}
	if p.IndoorLevel != nil {
		details = append(details, proximity.WithIndoorLevel(*p.IndoorLevel))
	}
	if p.Properties != nil {
		details = append(details, proximity.WithProperties(p.Properties))
	}
	return details
}

func (a *App) decodePlacement(w http.ResponseWriter, r *http.Request) (placementRequest, bool) {
	var req placementRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, beaconid.Invalid("request body", "", err.Error()))
		return req, false
	}
	return req, true
}

func (a *App) handleUpdateBeacon(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodePlacement(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	if req.Status != "" {
		a.writeError(w, beaconid.Invalid("status", string(req.Status), "use the lifecycle actions to change status"))
		return
	}

	info, err := a.manager.Update(ctx, r.PathValue("id"), req.Placement, req.Stability, req.details()...)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, beaconResponse{Beacon: info, Actions: service.Actions(info.Status)})
}

func (a *App) handleDeleteBeacon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	info, err := a.manager.Delete(ctx, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, beaconResponse{Beacon: info, Actions: service.Actions(info.Status)})
}

func (a *App) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	var (
		info *model.BeaconInfo
		err  error
	)
	switch service.Action(r.PathValue("action")) {
	case service.ActionRegister:
		req, ok := a.decodePlacement(w, r)
		if !ok {
			return
		}
		if req.Status != "" && req.Status != model.StatusActive && req.Status != model.StatusInactive {
			a.writeError(w, beaconid.Invalid("status", string(req.Status), "register as ACTIVE or INACTIVE"))
			return
		}
		info, err = a.manager.Register(ctx, id, req.Placement, req.Stability, req.details()...)
	case service.ActionActivate:
		info, err = a.manager.Activate(ctx, id)
	case service.ActionDeactivate:
		info, err = a.manager.Deactivate(ctx, id)
	case service.ActionDecommission:
		info, err = a.manager.Decommission(ctx, id)
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, beaconResponse{Beacon: info, Actions: service.Actions(info.Status)})
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	events, err := a.manager.Events(ctx, r.PathValue("id"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *App) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize := 0
	if v := q.Get("pageSize"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			a.writeError(w, beaconid.Invalid("page size", v, "not a number"))
			return
		}
		pageSize = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	page, err := a.diagnostics.Diagnostics(ctx, r.PathValue("id"), pageSize, q.Get("pageToken"), q.Get("alertFilter"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, page)
}

func (a *App) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	atts, err := a.admin.ListAttachments(ctx, r.PathValue("id"), r.URL.Query().Get("namespacedType"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"attachments": atts})
}

func (a *App) handleAddAttachment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NamespacedType string `json:"namespaced_type"`
		Data           []byte `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, beaconid.Invalid("request body", "", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	att, err := a.admin.AddAttachment(ctx, r.PathValue("id"), req.NamespacedType, req.Data)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, att)
}

func (a *App) handleDeleteAttachments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	n, err := a.admin.DeleteAllAttachments(ctx, r.PathValue("id"), r.URL.Query().Get("namespacedType"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"num_deleted": n})
}

func (a *App) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	parsed, err := beaconid.ParseAttachmentName(name)
	if err != nil {
		a.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	if err := a.admin.DeleteAttachment(ctx, parsed.BeaconID, name); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleObserve(w http.ResponseWriter, r *http.Request) {
	var filter *string
	if q := r.URL.Query(); q.Has("namespacedType") {
		v := q.Get("namespacedType")
		filter = &v
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	atts, err := a.serving.Observe(ctx, r.PathValue("id"), a.cfg.API.APIKey, filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"attachments": atts})
}

type bulkResponse struct {
	Results []bulk.Result `json:"results"`
	Failed  int           `json:"failed"`
}

// handleBulkRegister registers every row of a CSV sheet. With dryRun=true
// the parsed rows are returned and nothing is sent.
func (a *App) handleBulkRegister(w http.ResponseWriter, r *http.Request) {
	rows, err := bulk.ParseRegistrations(http.MaxBytesReader(w, r.Body, maxSheetBytes))
	if err != nil {
		a.writeError(w, beaconid.Invalid("registration sheet", "", err.Error()))
		return
	}
	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dryRun")); dry {
		a.writeJSON(w, http.StatusOK, map[string]any{"registrations": rows})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bulkTimeout)
	defer cancel()

	results := bulk.NewRunner(a.manager, a.logger).Register(ctx, rows)
	a.writeJSON(w, http.StatusOK, bulkResponse{Results: results, Failed: bulk.Failed(results)})
}

func (a *App) handleBulkPlaces(w http.ResponseWriter, r *http.Request) {
	places, err := bulk.ParsePlaces(http.MaxBytesReader(w, r.Body, maxSheetBytes))
	if err != nil {
		a.writeError(w, beaconid.Invalid("place sheet", "", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bulkTimeout)
	defer cancel()

	results := bulk.NewRunner(a.manager, a.logger).SetPlaces(ctx, places)
	a.writeJSON(w, http.StatusOK, bulkResponse{Results: results, Failed: bulk.Failed(results)})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// writeError maps err to an HTTP status and the JSON error body.
func (a *App) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Kind: "Internal", Message: err.Error()}
	code := http.StatusInternalServerError

	var (
		verr *beaconid.ValidationError
		rerr *proximity.RequestError
	)
	switch {
	case errors.As(err, &verr):
		body.Kind = "Validation"
		code = http.StatusBadRequest
	case errors.Is(err, rest.ErrCircuitOpen):
		body.Kind = string(proximity.KindOther)
		code = http.StatusServiceUnavailable
	case errors.As(err, &rerr):
		body.Kind = string(rerr.Kind)
		body.Status = rerr.Status
		code = statusForKind(rerr)
	case errors.Is(err, proximity.ErrNoToken):
		body.Kind = "Unauthenticated"
		code = http.StatusServiceUnavailable
	default:
		a.logger.Error("request failed", "error", err)
	}

	a.writeJSON(w, code, map[string]errorBody{"error": body})
}

func statusForKind(rerr *proximity.RequestError) int {
	switch rerr.Kind {
	case proximity.KindNotYours, proximity.KindRegisterPermissionDenied:
		return http.StatusForbidden
	case proximity.KindNotRegistered:
		if errors.Is(rerr, service.ErrDecommissioned) {
			return http.StatusConflict
		}
		return http.StatusNotFound
	case proximity.KindNoSuchBeacon:
		return http.StatusNotFound
	case proximity.KindAlreadyRegistered:
		return http.StatusConflict
	case proximity.KindUnknownRegistrationError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

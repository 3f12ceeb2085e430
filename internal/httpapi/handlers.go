package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jvbridge/camctl/internal/engine"
	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/parammodel"
	"github.com/jvbridge/camctl/internal/paramspec"
	"github.com/jvbridge/camctl/internal/tally"
)

// API holds every collaborator a handler needs and satisfies
// LogProvider for the request logger middleware.
type API struct {
	Engine   *engine.Engine
	Tally    *tally.Router
	Registry *paramspec.Registry
	Hub      *Hub
	Log      *slog.Logger
}

// Logger implements LogProvider.
func (a *API) Logger() *slog.Logger { return a.Log }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// Health reports process liveness plus device/connection counts.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	summary := a.Engine.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"devices":   summary.Devices,
		"connected": summary.Connected,
	})
}

type deviceView struct {
	model.DeviceConfig
	State string `json:"state"`
}

func (a *API) deviceViewFor(cfg model.DeviceConfig) deviceView {
	state, _ := a.Engine.Status(cfg.Id)
	if state == "" {
		state = model.ConnectionUnknown
	}
	return deviceView{DeviceConfig: cfg, State: string(state)}
}

// ListDevices returns every configured device with its live state.
func (a *API) ListDevices(w http.ResponseWriter, r *http.Request) {
	views := make([]deviceView, 0)
	for _, cfg := range a.Engine.Devices() {
		views = append(views, a.deviceViewFor(cfg))
	}
	writeJSON(w, http.StatusOK, views)
}

type deviceDetail struct {
	deviceView
	Groups map[string]map[string]model.Parameter `json:"groups"`
}

// GetDevice returns one device's config, state, and full parameter
// snapshot across every registered group.
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	cfg, ok := a.Engine.DeviceConfig(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown device")
		return
	}
	detail := deviceDetail{deviceView: a.deviceViewFor(cfg), Groups: make(map[string]map[string]model.Parameter)}
	if pmodel, ok := a.Engine.Model(id); ok {
		for _, g := range a.Registry.Groups() {
			if snap, ok := pmodel.Snapshot(g); ok {
				detail.Groups[g] = snap
			}
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetPreview returns one throttled, coalesced JPEG frame for a connected
// device, per the preview image primitive.
func (a *API) GetPreview(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	data, err := a.Engine.Preview(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "preview_unavailable", err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// PatchDevice applies a partial config update, e.g. renaming a device or
// reassigning its index; it never touches connection state directly.
func (a *API) PatchDevice(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	var patch model.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	cfg, changed, err := a.Engine.PatchDevice(id, patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "patch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": a.deviceViewFor(cfg), "changed": changed})
}

// ConnectDevice opens a session for a configured device on demand.
func (a *API) ConnectDevice(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	if err := a.Engine.Connect(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, "connect_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// DisconnectDevice closes a device's session regardless of its
// always-connect configuration.
func (a *API) DisconnectDevice(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	if err := a.Engine.Disconnect(id); err != nil {
		writeError(w, http.StatusNotFound, "not_connected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (a *API) modelFor(w http.ResponseWriter, r *http.Request, id model.DeviceId) (*parammodel.Model, bool) {
	pmodel, ok := a.Engine.Model(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_connected", "device is not connected")
		return nil, false
	}
	return pmodel, true
}

// SetParam writes a single parameter value, going through edit
// arbitration exactly as the MIDI bridge and command port do.
func (a *API) SetParam(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	group := chi.URLParam(r, "group")
	name := chi.URLParam(r, "name")

	pmodel, ok := a.modelFor(w, r, id)
	if !ok {
		return
	}
	var value model.Value
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := pmodel.Set(r.Context(), group, name, value); err != nil {
		writeError(w, http.StatusBadRequest, "set_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"group": group, "name": name})
}

type motionRequest struct {
	Direction string `json:"direction"`
	Speed     int    `json:"speed"`
}

// StartMotion begins a held motion command (zoom/focus/master-black ramp) that
// runs until StopMotion cancels it or the session disconnects.
func (a *API) StartMotion(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	group := chi.URLParam(r, "group")
	name := chi.URLParam(r, "name")

	pmodel, ok := a.modelFor(w, r, id)
	if !ok {
		return
	}
	var req motionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := pmodel.StartMotion(r.Context(), group, name, req.Direction, req.Speed); err != nil {
		writeError(w, http.StatusBadRequest, "motion_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"group": group, "name": name, "direction": req.Direction})
}

// StopMotion cancels any motion command running for a parameter.
func (a *API) StopMotion(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceId(chi.URLParam(r, "id"))
	group := chi.URLParam(r, "group")
	name := chi.URLParam(r, "name")

	pmodel, ok := a.modelFor(w, r, id)
	if !ok {
		return
	}
	if err := pmodel.StopMotion(r.Context(), group, name); err != nil {
		writeError(w, http.StatusBadGateway, "motion_stop_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "name": name})
}

// ListTally returns every configured device index's tally source map.
func (a *API) ListTally(w http.ResponseWriter, r *http.Request) {
	if a.Tally == nil {
		writeJSON(w, http.StatusOK, []model.TallyMap{})
		return
	}
	writeJSON(w, http.StatusOK, a.Tally.List())
}

// PutTally creates or replaces one device index's tally source map.
func (a *API) PutTally(w http.ResponseWriter, r *http.Request) {
	if a.Tally == nil {
		writeError(w, http.StatusServiceUnavailable, "tally_disabled", "no UMD listener configured")
		return
	}
	raw := chi.URLParam(r, "deviceIndex")
	idx, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "deviceIndex must be an integer")
		return
	}
	var m model.TallyMap
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	m.DeviceIndex = model.DeviceIndex(idx)
	if err := a.Tally.Put(m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_map", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Package api serves the simulator's HTTP control surface: a JSON API over
// the control plane, the operator console page, the WebSocket stream and the
// Prometheus endpoint.
package api

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/holla2040/sensorsim/internal/artifact"
	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/eventlog"
	"github.com/holla2040/sensorsim/internal/metrics"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/telemetry"
)

//go:embed index.html
var content embed.FS

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	reportEventLimit  = 50
)

// HealthChecker reports the Redis connection state.
type HealthChecker interface {
	IsConnected() bool
	Status() telemetry.Health
}

// Handler holds all dependencies for HTTP request handling.
type Handler struct {
	Plane       *control.Plane
	Journal     *eventlog.Journal // nil disables /api/events
	Metrics     *metrics.Metrics  // nil disables /metrics
	Hub         *Hub              // nil disables /ws
	Health      HealthChecker     // nil means Redis is not configured
	Identity    map[string]string
	SignalNames map[int][]string
	ModbusAddr  string
	Version     string
	Scale       float64
}

// RegisterRoutes adds all routes to the given ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.serveConsole)
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWebSocket)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}

	mux.HandleFunc("GET /api/info", h.getInfo)
	mux.HandleFunc("GET /api/status", h.getStatus)
	mux.HandleFunc("POST /api/pause", h.setPaused)
	mux.HandleFunc("GET /api/spikes", h.listSpikes)
	mux.HandleFunc("GET /api/events", h.listEvents)
	mux.HandleFunc("GET /api/report.pdf", h.exportPDF)

	// Unit routes
	mux.HandleFunc("GET /api/units/{unit}/registers", h.getRegisters)
	mux.HandleFunc("POST /api/units/{unit}/signals/{index}/disable", h.disableSignal)
	mux.HandleFunc("POST /api/units/{unit}/signals/{index}/enable", h.enableSignal)
	mux.HandleFunc("POST /api/units/{unit}/base", h.setBaseHighs)
	mux.HandleFunc("POST /api/units/{unit}/pause", h.setUnitPaused)
	mux.HandleFunc("GET /api/units/{unit}/params", h.getParams)
	mux.HandleFunc("POST /api/units/{unit}/params", h.setParams)
	mux.HandleFunc("POST /api/units/{unit}/spikes", h.injectSpike)
}

func (h *Handler) serveConsole(w http.ResponseWriter, r *http.Request) {
	data, err := content.ReadFile("index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// info is the response for GET /api/info.
type info struct {
	Identity    map[string]string `json:"identity"`
	Version     string            `json:"version,omitempty"`
	ModbusAddr  string            `json:"modbus_addr,omitempty"`
	Units       []int             `json:"units"`
	SignalNames map[int][]string  `json:"signal_names,omitempty"`
	Redis       *telemetry.Health `json:"redis,omitempty"`
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	resp := info{
		Identity:    h.Identity,
		Version:     h.Version,
		ModbusAddr:  h.ModbusAddr,
		Units:       h.Plane.Units(),
		SignalNames: h.SignalNames,
	}
	if h.Health != nil {
		st := h.Health.Status()
		resp.Redis = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Plane.GetStatus())
}

func (h *Handler) getRegisters(w http.ResponseWriter, r *http.Request) {
	unit, ok := pathInt(w, r, "unit")
	if !ok {
		return
	}
	regs, err := h.Plane.GetUnitRegisters(unit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

func (h *Handler) disableSignal(w http.ResponseWriter, r *http.Request) {
	h.toggleSignal(w, r, h.Plane.DisableSignal)
}

func (h *Handler) enableSignal(w http.ResponseWriter, r *http.Request) {
	h.toggleSignal(w, r, h.Plane.EnableSignal)
}

func (h *Handler) toggleSignal(w http.ResponseWriter, r *http.Request, apply func(unit, index int) ([]int, error)) {
	unit, ok := pathInt(w, r, "unit")
	if !ok {
		return
	}
	index, ok := pathInt(w, r, "index")
	if !ok {
		return
	}
	disabled, err := apply(unit, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unit": unit, "disabled": disabled})
}

// baseRequest is the JSON body for POST /api/units/{unit}/base.
type baseRequest struct {
	Values []int `json:"values"`
}

func (h *Handler) setBaseHighs(w http.ResponseWriter, r *http.Request) {
	unit, ok := pathInt(w, r, "unit")
	if !ok {
		return
	}
	var req baseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stored, err := h.Plane.SetBaseHighs(unit, req.Values)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unit": unit, "base_highs": stored})
}

// pauseRequest is the JSON body for both pause routes. A missing field is
// rejected by the control plane.
type pauseRequest struct {
	Paused *bool `json:"paused"`
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	paused, err := h.Plane.SetPaused(req.Paused)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (h *Handler) setUnitPaused(w http.ResponseWriter, r *http.Request) {
	unit, ok := pathInt(w, r, "unit")
	if !ok {
		return
	}
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	paused, err := h.Plane.SetUnitPaused(unit, req.Paused)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unit": unit, "paused": paused})
}

func (h *Handler) getParams(w http.ResponseWriter, r *http.Request) {
	h.waveformParams(w, r, registers.ParamsUpdate{})
}

func (h *Handler) setParams(w http.ResponseWriter, r *http.Request) {
	var upd registers.ParamsUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	h.waveformParams(w, r, upd)
}

func (h *Handler) waveformParams(w http.ResponseWriter, r *http.Request, upd registers.ParamsUpdate) {
	unit, ok := pathInt(w, r, "unit")
	if !ok {
		return
	}
	params, err := h.Plane.WaveformParams(unit, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unit": unit, "params": params})
}

func (h *Handler) injectSpike(w http.ResponseWriter, r *http.Request) {
	unit, ok := pathInt(w, r, "unit")
	if !ok {
		return
	}
	var req control.SpikeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Unit = unit
	res, err := h.Plane.InjectSpike(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) listSpikes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Plane.ActiveSpikes())
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event journal disabled"})
		return
	}
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := h.Journal.Query(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Report assembles the current status report.
func (h *Handler) Report() artifact.Report {
	r := artifact.Report{
		Identity:    h.Identity,
		Status:      h.Plane.GetStatus(),
		SignalNames: h.SignalNames,
		Scale:       h.Scale,
	}
	if h.Journal != nil {
		events, err := h.Journal.Query(reportEventLimit)
		if err != nil {
			log.Printf("api: report events: %v", err)
		}
		r.Events = events
	}
	return r
}

func (h *Handler) exportPDF(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=sensorsim-%s.pdf", rep.Status.Time.UTC().Format("20060102T150405Z")))
	if err := artifact.GeneratePDF(w, rep); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// pathInt parses an integer path value, writing a 400 when it is malformed.
func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

// decodeBody reads a JSON body into v. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps control-plane errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var invalid *registers.ValidationError
	var unknown *registers.UnknownUnitError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"skywatch/internal/camera"
	"skywatch/internal/capture"
	"skywatch/internal/overlay"
	"skywatch/internal/pipeline"
	"skywatch/internal/session"
)

// DefaultCameraName is used when a stream request has no name.
const DefaultCameraName = "Unknown"

// Handlers serves the viewer facing endpoints.
type Handlers struct {
	streamer *Streamer
	sessions *session.Controller
	registry *camera.Registry
	health   pipeline.HealthChecker // optional
	quality  int
	logger   *zap.Logger
}

// NewHandlers creates Handlers. health may be nil.
func NewHandlers(streamer *Streamer, health pipeline.HealthChecker) *Handlers {
	return &Handlers{
		streamer: streamer,
		sessions: streamer.sessions,
		registry: streamer.registry,
		health:   health,
		quality:  streamer.opts.JPEGQuality,
		logger:   streamer.logger,
	}
}

type message struct {
	Message string `json:"message"`
}

type terminateRequest struct {
	CameraName string `json:"cameraName"`
}

// Stream handles GET /stream?url=<locator>&name=<camera>.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, message{"url is required"})
		return
	}
	loc, err := capture.ParseLocator(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message{err.Error()})
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = DefaultCameraName
	}

	out, err := NewMJPEGWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message{err.Error()})
		return
	}

	if err := h.streamer.Run(r.Context(), name, loc, out); err != nil {
		h.logger.Debug("viewer gone", zap.String("camera", name), zap.Error(err))
	}
}

// Terminate handles POST /terminate {"cameraName": "..."}.
func (h *Handlers) Terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CameraName == "" {
		writeJSON(w, http.StatusNotFound, message{"Not found"})
		return
	}
	if !h.sessions.Stop(req.CameraName) {
		writeJSON(w, http.StatusNotFound, message{"Not found"})
		return
	}
	h.logger.Info("terminate requested", zap.String("camera", req.CameraName))
	writeJSON(w, http.StatusOK, message{"Terminating"})
}

// FPS handles GET /fps.
func (h *Handlers) FPS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.FPS())
}

// Snapshot handles GET /snapshot/{camera} with the latest raw frame.
func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "camera")
	src, ok := h.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, message{"Not found"})
		return
	}
	frame, ok := src.Read()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, message{"No frame available"})
		return
	}
	data, err := overlay.EncodeJPEG(frame.Image, h.quality)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message{err.Error()})
		return
	}
	writeJPEG(w, data)
}

type healthResponse struct {
	Status   string         `json:"status"`
	Detector string         `json:"detector,omitempty"`
	Streams  []string       `json:"streams"`
	Devices  map[string]int `json:"devices"` // open camera -> viewers
}

// Health handles GET /health. A failing detector degrades the report but the
// service itself stays up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Streams: h.sessions.Active()}
	if resp.Streams == nil {
		resp.Streams = []string{}
	}
	resp.Devices = make(map[string]int)
	for _, name := range h.registry.Names() {
		resp.Devices[name] = h.registry.Refs(name)
	}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Healthy(ctx); err != nil {
			resp.Status = "degraded"
			resp.Detector = err.Error()
		} else {
			resp.Detector = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Mount registers the viewer routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/stream", h.Stream)
	r.Post("/terminate", h.Terminate)
	r.Get("/fps", h.FPS)
	r.Get("/snapshot/{camera}", h.Snapshot)
	r.Get("/health", h.Health)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"codepipe/pkg/logx"
	"codepipe/pkg/pipeerrors"
)

const maxBodyBytes = 1 << 20

// Handler serves the service over HTTP:
//
//	POST /v1/tasks              SubmitTask
//	GET  /v1/tasks/{id}         GetStatus
//	POST /v1/tasks/{id}/cancel  CancelTask
type Handler struct {
	svc    *Service
	logger *logx.Logger
}

// NewHandler creates a handler for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, logger: logx.NewLogger("api")}
}

// RegisterRoutes adds the v1 routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks", h.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{id}", h.handleStatus)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", h.handleCancel)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, pipeerrors.New(pipeerrors.KindValidation, "", "invalid request body: %v", err))
		return
	}
	resp, err := h.svc.SubmitTask(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.GetStatus(r.Context(), &GetStatusRequest{TaskID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.CancelTask(r.Context(), &CancelTaskRequest{TaskID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	kind := pipeerrors.KindOf(err)
	var pe *pipeerrors.Error
	if !errors.As(err, &pe) {
		kind = pipeerrors.KindFatal
	}
	switch kind {
	case pipeerrors.KindValidation:
		code = http.StatusBadRequest
	case pipeerrors.KindNotFound:
		code = http.StatusNotFound
	case pipeerrors.KindNotReady:
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed: %v", err)
	}
	h.writeJSON(w, code, ErrorResponse{
		APIVersion: Version,
		Error:      ErrorBody{Kind: kind.String(), Message: err.Error()},
	})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/emsdesk/livecall/internal/bus"
	"github.com/emsdesk/livecall/internal/call"
	"github.com/emsdesk/livecall/internal/config"
	"github.com/emsdesk/livecall/internal/extract"
	"github.com/emsdesk/livecall/internal/storage/sqlite"
	"github.com/emsdesk/livecall/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	callManager *call.Manager
	callStorage *sqlite.CallStorage
	hub         *bus.Hub
	config      *config.Config
	logger      *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(callManager *call.Manager, callStorage *sqlite.CallStorage, hub *bus.Hub, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		callManager: callManager,
		callStorage: callStorage,
		hub:         hub,
		config:      cfg,
		logger:      log.Named("api-handler"),
	}
}

// StartLiveCall begins a new capture session
func (h *Handler) StartLiveCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Language string `json:"language"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.Error("Failed to parse start request", logger.Error(err))
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	snap, err := h.callManager.StartCall(r.Context(), req.Language)
	if err != nil {
		h.logger.Error("Failed to start call", logger.Error(err))
		WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
			"session": snap,
		})
		return
	}

	h.logger.Info("Call started via API",
		logger.String("surface_id", snap.SurfaceID),
		logger.String("language", snap.Language))
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"session": snap,
	})
}

// EndLiveCall finalizes the active capture session
func (h *Handler) EndLiveCall(w http.ResponseWriter, r *http.Request) {
	snap, err := h.callManager.EndCall()
	if err != nil {
		h.logger.Warn("End call request failed", logger.Error(err))
		WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
			"session": snap,
		})
		return
	}

	h.logger.Info("Call end requested via API",
		logger.String("surface_id", snap.SurfaceID))
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"session": snap,
	})
}

// GetLiveStatus returns the current session state
func (h *Handler) GetLiveStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.callManager.Status())
}

// PatientInfo holds structured fields recovered from a call's notes
type PatientInfo struct {
	Name    string `json:"name"`
	Age     string `json:"age"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Blood   string `json:"blood"`
	Sex     string `json:"sex"`
}

// CallWithPatient is a stored call record plus recovered patient fields
type CallWithPatient struct {
	*sqlite.CallRecord
	Patient PatientInfo `json:"patient"`
}

// GetCalls returns stored call records, newest first
func (h *Handler) GetCalls(w http.ResponseWriter, r *http.Request) {
	limit := h.config.Storage.MaxCallsInAPI
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed < limit {
			limit = parsed
		}
	}

	records, err := h.callStorage.GetCalls(limit)
	if err != nil {
		h.logger.Error("Failed to get call records", logger.Error(err))
		http.Error(w, "Failed to get call records", http.StatusInternalServerError)
		return
	}

	calls := make([]CallWithPatient, len(records))
	for i, rec := range records {
		calls[i] = CallWithPatient{
			CallRecord: rec,
			Patient:    h.recoverPatientInfo(rec),
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"count":     len(calls),
		"calls":     calls,
	})
}

// GetCallByID returns a single stored call record
func (h *Handler) GetCallByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing call ID", http.StatusBadRequest)
		return
	}

	record, err := h.callStorage.GetCall(id)
	if err != nil {
		h.logger.Error("Failed to get call record",
			logger.String("call_id", id),
			logger.Error(err))
		http.Error(w, "Failed to get call record", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, CallWithPatient{
		CallRecord: record,
		Patient:    h.recoverPatientInfo(record),
	})
}

// SelectCall pushes one call's detail to every connected display. This is
// how the dispatcher's console drives what the passive monitors show.
func (h *Handler) SelectCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing call ID", http.StatusBadRequest)
		return
	}

	record, err := h.callStorage.GetCall(id)
	if err != nil {
		h.logger.Error("Failed to get call record for selection",
			logger.String("call_id", id),
			logger.Error(err))
		http.Error(w, "Failed to get call record", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	env, err := bus.NewSelectCall(CallWithPatient{
		CallRecord: record,
		Patient:    h.recoverPatientInfo(record),
	}, record.Language)
	if err != nil {
		h.logger.Error("Failed to build selection envelope", logger.Error(err))
		http.Error(w, "Failed to build selection", http.StatusInternalServerError)
		return
	}
	h.hub.Publish(env)

	h.logger.Info("Call selected for displays", logger.String("call_id", id))
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"call_id": id,
	})
}

// HandleDisplayWebSocket upgrades a passive display connection
func (h *Handler) HandleDisplayWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleConnection(w, r)
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":        "ok",
		"session":       h.callManager.Status().State,
		"display_count": h.hub.ClientCount(),
		"server_time":   time.Now().UTC(),
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetConfig returns the public configuration
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	publicConfig := map[string]interface{}{
		"audio": map[string]interface{}{
			"segment_interval_ms": h.config.Audio.SegmentIntervalMs,
			"sample_rate":         h.config.Audio.SampleRate,
		},
		"backend": map[string]interface{}{
			"language": h.config.Backend.Language,
		},
		"storage": map[string]interface{}{
			"max_calls_in_api": h.config.Storage.MaxCallsInAPI,
		},
	}
	WriteJSON(w, http.StatusOK, publicConfig)
}

// recoverPatientInfo pulls structured patient fields out of the SOAP
// objective section, falling back to the raw transcript. Missing fields
// get the locale's not-found sentinel.
func (h *Handler) recoverPatientInfo(rec *sqlite.CallRecord) PatientInfo {
	text := rec.SOAPObjective
	if text != "" && rec.Transcript != "" {
		text = text + "\n" + rec.Transcript
	} else if text == "" {
		text = rec.Transcript
	}

	return PatientInfo{
		Name:    extract.ExtractOrSentinel(text, extract.FieldName, rec.Language),
		Age:     extract.ExtractOrSentinel(text, extract.FieldAge, rec.Language),
		Address: extract.ExtractOrSentinel(text, extract.FieldAddress, rec.Language),
		Phone:   extract.ExtractOrSentinel(text, extract.FieldPhone, rec.Language),
		Blood:   extract.ExtractOrSentinel(text, extract.FieldBlood, rec.Language),
		Sex:     extract.ExtractOrSentinel(text, extract.FieldSex, rec.Language),
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

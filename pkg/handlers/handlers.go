package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/contacts"
	"sos-escalation-engine/pkg/engine"
	"sos-escalation-engine/pkg/location"
	"sos-escalation-engine/pkg/models"
	"sos-escalation-engine/pkg/settings"
)

type Handler struct {
	engine   *engine.Engine
	contacts *contacts.Store
	settings *settings.Store
	location *location.Provider
	logger   *logrus.Logger
}

func NewHandler(eng *engine.Engine, contactStore *contacts.Store, settingsStore *settings.Store,
	locationProvider *location.Provider, logger *logrus.Logger) *Handler {
	return &Handler{
		engine:   eng,
		contacts: contactStore,
		settings: settingsStore,
		location: locationProvider,
		logger:   logger,
	}
}

// Trigger starts an escalation run from the manual control.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.startRun(w, r, models.SourceManual)
}

// VoiceTrigger is the entry point an external voice-phrase detector
// calls. When trigger phrases are configured, the detected phrase must
// match one of them.
func (h *Handler) VoiceTrigger(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Phrase string `json:"phrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resolved, err := h.settings.Resolve(r.Context())
	if err == nil && len(resolved.TriggerPhrases) > 0 && !matchesPhrase(resolved.TriggerPhrases, request.Phrase) {
		h.logger.WithField("phrase", request.Phrase).Debug("Rejected unrecognized trigger phrase")
		http.Error(w, "Unrecognized trigger phrase", http.StatusBadRequest)
		return
	}

	h.startRun(w, r, models.SourceVoice)
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request, source models.TriggerSource) {
	runID, err := h.engine.Trigger(r.Context(), source)
	switch {
	case errors.Is(err, engine.ErrRunActive):
		http.Error(w, "Escalation run already active", http.StatusConflict)
		return
	case errors.Is(err, engine.ErrInvalidConfig):
		h.logger.WithError(err).Error("Refused trigger with invalid settings")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.logger.WithError(err).Error("Failed to start escalation run")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":  runID,
		"source":  source,
		"started": time.Now(),
	})

	h.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"source": source,
	}).Info("Escalation run triggered via API")
}

// Cancel aborts the active run; calling it with no run active is fine.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.engine.Cancel()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": true,
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) PutContact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	if id == "" {
		http.Error(w, "Missing contact ID", http.StatusBadRequest)
		return
	}

	var request struct {
		Name     string `json:"name"`
		Phone    string `json:"phone"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Phone == "" {
		http.Error(w, "Contact phone must not be empty", http.StatusBadRequest)
		return
	}

	contact := models.Contact{
		ID:       id,
		Name:     request.Name,
		Phone:    request.Phone,
		Priority: request.Priority,
	}
	if err := h.contacts.Add(r.Context(), contact); err != nil {
		h.logger.WithError(err).WithField("contact_id", id).Error("Failed to store contact")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"contact": contact,
	})
}

func (h *Handler) DeleteContact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	if id == "" {
		http.Error(w, "Missing contact ID", http.StatusBadRequest)
		return
	}

	if err := h.contacts.Remove(r.Context(), id); err != nil {
		h.logger.WithError(err).WithField("contact_id", id).Error("Failed to remove contact")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"contact_id": id,
	})
}

func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.contacts.List(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list contacts")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": list,
		"count":    len(list),
	})
}

func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var request models.EscalationSettings
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := request.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := h.settings.Set(r.Context(), request); err != nil {
		h.logger.WithError(err).Error("Failed to store settings")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": request,
	})
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.settings.Resolve(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to resolve settings")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (h *Handler) PutLocation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.location.Update(r.Context(), request.Latitude, request.Longitude); err != nil {
		h.logger.WithError(err).Error("Failed to store location")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": time.Now(),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.contacts.Count(r.Context())
	if err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"state":     h.engine.Status().State,
		"contacts":  count,
		"timestamp": time.Now(),
	})
}

func matchesPhrase(phrases []string, phrase string) bool {
	for _, p := range phrases {
		if p == phrase {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

package models

import (
	"fmt"
	"time"
)

// Contact is one entry in the user's emergency contact list. Lower
// priority values are notified first; equal priorities keep the order
// in which they were added.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Priority int    `json:"priority"`
}

// EscalationSettings is the resolved duration set an escalation run is
// started with. All durations must be positive.
type EscalationSettings struct {
	CancelWindowSeconds      int      `json:"cancel_window_seconds"`
	ContactTimeoutSeconds    int      `json:"contact_timeout_seconds"`
	RecordingDurationSeconds int      `json:"recording_duration_seconds"`
	TriggerPhrases           []string `json:"trigger_phrases,omitempty"`
}

func (s EscalationSettings) CancelWindow() time.Duration {
	return time.Duration(s.CancelWindowSeconds) * time.Second
}

func (s EscalationSettings) ContactTimeout() time.Duration {
	return time.Duration(s.ContactTimeoutSeconds) * time.Second
}

func (s EscalationSettings) RecordingDuration() time.Duration {
	return time.Duration(s.RecordingDurationSeconds) * time.Second
}

// Validate rejects duration sets that would leave a phase without a
// defined timer.
func (s EscalationSettings) Validate() error {
	if s.CancelWindowSeconds <= 0 {
		return fmt.Errorf("cancel_window_seconds must be positive, got %d", s.CancelWindowSeconds)
	}
	if s.ContactTimeoutSeconds <= 0 {
		return fmt.Errorf("contact_timeout_seconds must be positive, got %d", s.ContactTimeoutSeconds)
	}
	if s.RecordingDurationSeconds <= 0 {
		return fmt.Errorf("recording_duration_seconds must be positive, got %d", s.RecordingDurationSeconds)
	}
	return nil
}

// Location is a last-known coordinate snapshot taken at trigger time.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordingArtifact references a completed audio capture.
type RecordingArtifact struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
}

// RunState models the escalation run lifecycle.
type RunState string

const (
	StateIdle            RunState = "idle"
	StateCountdown       RunState = "countdown"
	StateRecording       RunState = "recording"
	StateAlerting        RunState = "alerting"
	StateFallbackDialing RunState = "fallback_dialing"
	StateCancelled       RunState = "cancelled"
)

// RunOutcome is how a finished run ended.
type RunOutcome string

const (
	OutcomeCancelled       RunOutcome = "cancelled"
	OutcomeFallbackDialing RunOutcome = "fallback_dialing"
)

// TriggerSource identifies which entry point started a run.
type TriggerSource string

const (
	SourceManual TriggerSource = "manual"
	SourceVoice  TriggerSource = "voice"
)

// RunStatus is the snapshot the presentation layer polls.
type RunStatus struct {
	RunID                   string             `json:"run_id,omitempty"`
	State                   RunState           `json:"state"`
	Source                  TriggerSource      `json:"source,omitempty"`
	RemainingSeconds        int                `json:"remaining_seconds"`
	CurrentContact          *Contact           `json:"current_contact,omitempty"`
	RecordingElapsedSeconds int                `json:"recording_elapsed_seconds"`
	Artifact                *RecordingArtifact `json:"artifact,omitempty"`
	Location                *Location          `json:"location,omitempty"`
	LastOutcome             RunOutcome         `json:"last_outcome,omitempty"`
}

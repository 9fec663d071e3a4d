package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/models"
)

// ErrCaptureUnavailable reports that no capture device can be opened,
// for example because microphone permission was denied. The engine
// treats this as advisory and escalates without an artifact.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// FileRecorder implements the capture collaborator against a local
// artifacts directory. The platform audio feed writes into the open
// file; Stop finalizes it into an artifact, Discard drops it.
type FileRecorder struct {
	dir     string
	enabled bool
	logger  *logrus.Logger
}

func NewFileRecorder(dir string, enabled bool, logger *logrus.Logger) *FileRecorder {
	return &FileRecorder{dir: dir, enabled: enabled, logger: logger}
}

func (r *FileRecorder) Begin(_ context.Context) (*Session, error) {
	if !r.enabled {
		return nil, ErrCaptureUnavailable
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	id := uuid.New().String()
	path := filepath.Join(r.dir, id+".pcm")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	r.logger.WithFields(logrus.Fields{
		"artifact_id": id,
		"path":        path,
	}).Debug("Audio capture started")

	return &Session{
		id:      id,
		path:    path,
		file:    file,
		started: time.Now(),
		logger:  r.logger,
	}, nil
}

// Session is one open capture.
type Session struct {
	id      string
	path    string
	file    *os.File
	started time.Time
	logger  *logrus.Logger
}

// Stop closes the capture file and returns the artifact reference.
func (s *Session) Stop() (models.RecordingArtifact, error) {
	if err := s.file.Close(); err != nil {
		return models.RecordingArtifact{}, fmt.Errorf("failed to finalize capture: %w", err)
	}
	artifact := models.RecordingArtifact{
		ID:       s.id,
		Path:     s.path,
		Duration: time.Since(s.started),
	}
	s.logger.WithField("artifact_id", s.id).Debug("Audio capture stopped")
	return artifact, nil
}

// Discard stops the device and removes the partial capture. The file
// is closed before removal so no open stream survives a cancel.
func (s *Session) Discard() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close capture: %w", err)
	}
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("failed to remove partial capture: %w", err)
	}
	s.logger.WithField("artifact_id", s.id).Debug("Audio capture discarded")
	return nil
}

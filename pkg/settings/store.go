package settings

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/metrics"
	"sos-escalation-engine/pkg/models"
)

const (
	settingsKey       = "escalation:settings"
	triggerPhrasesKey = "escalation:trigger_phrases"

	fieldCancelWindow      = "cancel_window_seconds"
	fieldContactTimeout    = "contact_timeout_seconds"
	fieldRecordingDuration = "recording_duration_seconds"
)

// Store resolves the escalation durations: a Redis hash of per-field
// overrides layered over the configured defaults. Resolve never blocks
// a run on a Redis outage; it logs and falls back to the defaults.
// Validation of the resolved values is the engine's job.
type Store struct {
	rdb      *redis.Client
	defaults models.EscalationSettings
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewStore(rdb *redis.Client, defaults models.EscalationSettings, logger *logrus.Logger, m *metrics.Metrics) *Store {
	return &Store{rdb: rdb, defaults: defaults, logger: logger, metrics: m}
}

func (s *Store) Resolve(ctx context.Context) (models.EscalationSettings, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOpDuration.WithLabelValues("settings_resolve").Observe(time.Since(start).Seconds())
	}()

	resolved := s.defaults

	overrides, err := s.rdb.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		s.logger.WithError(err).Warn("Settings store unreachable, using configured defaults")
		return resolved, nil
	}

	applyInt(overrides, fieldCancelWindow, &resolved.CancelWindowSeconds)
	applyInt(overrides, fieldContactTimeout, &resolved.ContactTimeoutSeconds)
	applyInt(overrides, fieldRecordingDuration, &resolved.RecordingDurationSeconds)

	phrases, err := s.rdb.LRange(ctx, triggerPhrasesKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		s.logger.WithError(err).Warn("Failed to read trigger phrases")
	} else {
		resolved.TriggerPhrases = phrases
	}

	return resolved, nil
}

// Set writes duration overrides. Values are stored as given; the
// engine rejects unusable ones at trigger time.
func (s *Store) Set(ctx context.Context, settings models.EscalationSettings) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOpDuration.WithLabelValues("settings_set").Observe(time.Since(start).Seconds())
	}()

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, settingsKey,
		fieldCancelWindow, settings.CancelWindowSeconds,
		fieldContactTimeout, settings.ContactTimeoutSeconds,
		fieldRecordingDuration, settings.RecordingDurationSeconds,
	)
	pipe.Del(ctx, triggerPhrasesKey)
	if len(settings.TriggerPhrases) > 0 {
		phrases := make([]interface{}, len(settings.TriggerPhrases))
		for i, p := range settings.TriggerPhrases {
			phrases[i] = p
		}
		pipe.RPush(ctx, triggerPhrasesKey, phrases...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store settings: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		fieldCancelWindow:      settings.CancelWindowSeconds,
		fieldContactTimeout:    settings.ContactTimeoutSeconds,
		fieldRecordingDuration: settings.RecordingDurationSeconds,
	}).Info("Updated escalation settings")
	return nil
}

func applyInt(overrides map[string]string, field string, target *int) {
	raw, ok := overrides[field]
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	*target = value
}

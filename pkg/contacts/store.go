package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/metrics"
	"sos-escalation-engine/pkg/models"
)

const (
	recordsKey = "contacts:records"
	orderKey   = "contacts:order"
)

// Store keeps the emergency contact list in Redis: a hash of contact
// records plus a list preserving insertion order. The engine reads a
// snapshot at run start and applies the priority sort itself, so
// equal-priority ties keep the order contacts were added in.
type Store struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewStore(rdb *redis.Client, logger *logrus.Logger, m *metrics.Metrics) *Store {
	return &Store{rdb: rdb, logger: logger, metrics: m}
}

// Add inserts or updates a contact. An updated contact keeps its
// original position in the insertion order.
func (s *Store) Add(ctx context.Context, contact models.Contact) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOpDuration.WithLabelValues("contact_add").Observe(time.Since(start).Seconds())
	}()

	if contact.ID == "" {
		return fmt.Errorf("contact id must not be empty")
	}

	payload, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("failed to encode contact: %w", err)
	}

	exists, err := s.rdb.HExists(ctx, recordsKey, contact.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to check contact existence: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, recordsKey, contact.ID, payload)
	if !exists {
		pipe.RPush(ctx, orderKey, contact.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("contact_id", contact.ID).Error("Failed to store contact")
		return fmt.Errorf("failed to store contact: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"contact_id": contact.ID,
		"priority":   contact.Priority,
	}).Debug("Stored contact")
	return nil
}

// Remove deletes a contact and its position in the order list.
func (s *Store) Remove(ctx context.Context, id string) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOpDuration.WithLabelValues("contact_remove").Observe(time.Since(start).Seconds())
	}()

	pipe := s.rdb.Pipeline()
	pipe.HDel(ctx, recordsKey, id)
	pipe.LRem(ctx, orderKey, 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("contact_id", id).Error("Failed to remove contact")
		return fmt.Errorf("failed to remove contact: %w", err)
	}
	return nil
}

// List returns all contacts in insertion order.
func (s *Store) List(ctx context.Context) ([]models.Contact, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOpDuration.WithLabelValues("contact_list").Observe(time.Since(start).Seconds())
	}()

	ids, err := s.rdb.LRange(ctx, orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read contact order: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records, err := s.rdb.HGetAll(ctx, recordsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read contact records: %w", err)
	}

	contacts := make([]models.Contact, 0, len(ids))
	for _, id := range ids {
		raw, ok := records[id]
		if !ok {
			continue
		}
		var c models.Contact
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.logger.WithError(err).WithField("contact_id", id).Warn("Skipping unreadable contact record")
			continue
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// Count returns the number of stored contacts.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, orderKey).Result()
}

package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/models"
)

const lastKnownKey = "location:last_known"

// Provider keeps the last-known coordinate pair reported by the
// device. The engine snapshots it at trigger time; absence of a fix is
// not an error.
type Provider struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

func NewProvider(rdb *redis.Client, logger *logrus.Logger) *Provider {
	return &Provider{rdb: rdb, logger: logger}
}

func (p *Provider) Update(ctx context.Context, latitude, longitude float64) error {
	err := p.rdb.HSet(ctx, lastKnownKey,
		"latitude", latitude,
		"longitude", longitude,
		"updated_at", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store location: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"latitude":  latitude,
		"longitude": longitude,
	}).Debug("Updated last known location")
	return nil
}

// LastKnown returns the stored fix, or nil when none has been
// reported yet.
func (p *Provider) LastKnown(ctx context.Context) (*models.Location, error) {
	fields, err := p.rdb.HGetAll(ctx, lastKnownKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	latitude, err := strconv.ParseFloat(fields["latitude"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stored latitude: %w", err)
	}
	longitude, err := strconv.ParseFloat(fields["longitude"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stored longitude: %w", err)
	}

	loc := &models.Location{Latitude: latitude, Longitude: longitude}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		loc.UpdatedAt = time.UnixMilli(ms)
	}
	return loc, nil
}

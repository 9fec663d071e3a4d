package service

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/audio"
	"sos-escalation-engine/pkg/config"
	"sos-escalation-engine/pkg/contacts"
	"sos-escalation-engine/pkg/engine"
	"sos-escalation-engine/pkg/handlers"
	"sos-escalation-engine/pkg/location"
	"sos-escalation-engine/pkg/metrics"
	"sos-escalation-engine/pkg/notify"
	"sos-escalation-engine/pkg/server"
	"sos-escalation-engine/pkg/settings"
)

// Service wires the engine, its collaborators, and the HTTP control
// surface into one startable unit.
type Service struct {
	config *config.Config
	logger *logrus.Logger
	engine *engine.Engine
	server *http.Server
}

func New(rdb *redis.Client, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Service {
	contactStore := contacts.NewStore(rdb, logger, m)
	settingsStore := settings.NewStore(rdb, cfg.DefaultSettings(), logger, m)
	locationProvider := location.NewProvider(rdb, logger)
	recorder := audio.NewFileRecorder(cfg.ArtifactsDir, cfg.AudioCaptureEnabled, logger)
	notifier := notify.NewWebhookNotifier(cfg.SMSGatewayURL, logger, m)

	eng := engine.New(contactStore, settingsStore, locationProvider,
		recorderAdapter{recorder}, notifier, logger, m)

	handler := handlers.NewHandler(eng, contactStore, settingsStore, locationProvider, logger)

	return &Service{
		config: cfg,
		logger: logger,
		engine: eng,
		server: server.NewHTTPServer(cfg, handler, m, logger),
	}
}

func (s *Service) Start(ctx context.Context) error {
	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	s.logger.WithField("instance_id", s.config.InstanceID).Info("Escalation service started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping escalation service")

	// An in-flight run holds the capture device; cancelling releases
	// it before the server goes away.
	s.engine.Cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
		return err
	}

	s.logger.Info("Escalation service stopped")
	return nil
}

// recorderAdapter narrows the concrete file recorder to the engine's
// capture interface.
type recorderAdapter struct {
	recorder *audio.FileRecorder
}

func (a recorderAdapter) Begin(ctx context.Context) (engine.Session, error) {
	session, err := a.recorder.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/metrics"
)

// EmergencyServicesNumber is the fixed fallback destination. It is
// deliberately not configurable.
const EmergencyServicesNumber = "911"

const emergencyMessage = "Automated SOS: user triggered an emergency escalation and no contact responded."

// WebhookNotifier dispatches alert payloads to an SMS gateway over
// HTTP. Both calls are strictly fire-and-forget: delivery failures are
// logged and counted but never surfaced to the caller, because the
// engine has no acknowledgement channel to act on anyway. Without a
// gateway URL it degrades to log-only dispatch.
type WebhookNotifier struct {
	gatewayURL string
	client     *http.Client
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func NewWebhookNotifier(gatewayURL string, logger *logrus.Logger, m *metrics.Metrics) *WebhookNotifier {
	return &WebhookNotifier{
		gatewayURL: gatewayURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
		metrics:    m,
	}
}

func (n *WebhookNotifier) NotifyContact(ctx context.Context, phone, message string) {
	n.dispatch(ctx, phone, message, false)
}

func (n *WebhookNotifier) NotifyEmergencyServices(ctx context.Context) {
	n.dispatch(ctx, EmergencyServicesNumber, emergencyMessage, true)
}

func (n *WebhookNotifier) dispatch(ctx context.Context, to, body string, emergency bool) {
	start := time.Now()
	defer func() {
		n.metrics.NotifyDuration.Observe(time.Since(start).Seconds())
	}()

	log := n.logger.WithFields(logrus.Fields{
		"to":        to,
		"emergency": emergency,
	})

	if n.gatewayURL == "" {
		log.WithField("body", body).Info("No SMS gateway configured, logging alert only")
		return
	}

	payload, err := json.Marshal(map[string]string{"to": to, "body": body})
	if err != nil {
		log.WithError(err).Error("Failed to encode alert payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		log.WithError(err).Error("Failed to build gateway request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("Alert dispatch failed, timeout-driven escalation is the only mitigation")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	log.WithField("status", resp.StatusCode).Info("Alert dispatched")
}

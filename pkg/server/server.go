package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/config"
	"sos-escalation-engine/pkg/handlers"
	"sos-escalation-engine/pkg/metrics"
)

func NewHTTPServer(cfg *config.Config, handler *handlers.Handler, m *metrics.Metrics, logger *logrus.Logger) *http.Server {
	router := NewRouter(handler, m, logger)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func NewRouter(handler *handlers.Handler, m *metrics.Metrics, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Escalation control surface
	router.HandleFunc("/escalation/trigger", handler.Trigger).Methods("POST")
	router.HandleFunc("/escalation/voice-trigger", handler.VoiceTrigger).Methods("POST")
	router.HandleFunc("/escalation/cancel", handler.Cancel).Methods("POST")
	router.HandleFunc("/escalation/status", handler.Status).Methods("GET")

	// Collaborator CRUD
	router.HandleFunc("/contacts", handler.ListContacts).Methods("GET")
	router.HandleFunc("/contacts/{id}", handler.PutContact).Methods("PUT")
	router.HandleFunc("/contacts/{id}", handler.DeleteContact).Methods("DELETE")
	router.HandleFunc("/settings", handler.GetSettings).Methods("GET")
	router.HandleFunc("/settings", handler.PutSettings).Methods("PUT")
	router.HandleFunc("/location", handler.PutLocation).Methods("PUT")

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))

	return router
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}

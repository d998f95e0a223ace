package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/jobs"
)

func (s *Service) startHTTPServer() error {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return nil
}

func (s *Service) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/jobs/{job}/run", s.handleRunJob).Methods("POST")
	router.HandleFunc("/jobs/{job}/cancel", s.handleCancelJob).Methods("POST")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(loggingMiddleware(s.logger))
	return router
}

// baseContext is the context background runs hang off, so Stop cancels them.
func (s *Service) baseContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pinger.Ping(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Health check failed")
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"pod_id":    s.config.PodID,
		"timestamp": time.Now(),
	})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.Status(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to get status")
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	pending, err := s.backlog.PendingCount(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to count pending notifications")
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":                s.config.PodID,
		"jobs":                  statuses,
		"pending_notifications": pending,
		"timestamp":             time.Now(),
	})
}

// handleRunJob triggers a job. With ?wait=true the run happens inside the
// request and its summary is returned.
func (s *Service) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	if _, ok := s.jobs[name]; !ok {
		http.Error(w, "Unknown job", http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		summary, err := s.RunJob(r.Context(), name)
		if err != nil {
			s.writeRunError(w, name, summary, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	go func() {
		if _, err := s.RunJob(s.baseContext(), name); err != nil && !errors.Is(err, ErrJobRunning) && !jobs.IsCancellation(s.baseContext(), err) {
			s.logger.WithError(err).WithField("job", name).Error("Triggered job run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job":      name,
		"accepted": true,
	})
}

func (s *Service) writeRunError(w http.ResponseWriter, name string, summary jobs.Summary, err error) {
	switch {
	case errors.Is(err, ErrJobRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case summary.Cancelled:
		writeJSON(w, http.StatusOK, summary)
	default:
		s.logger.WithError(err).WithField("job", name).Error("Job run failed")
		http.Error(w, "Job run failed", http.StatusInternalServerError)
	}
}

func (s *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	if _, ok := s.jobs[name]; !ok {
		http.Error(w, "Unknown job", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":       name,
		"cancelled": s.CancelJob(name),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
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

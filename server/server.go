// Package server exposes the operational HTTP endpoints: liveness and a
// JSON status overview of all active subscriptions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"article-hunter/pkg/hunter"
	"article-hunter/sched"
)

// Store is the read surface for the status endpoint.
type Store interface {
	ListActiveSubscriptions(ctx context.Context) ([]*hunter.Subscription, error)
	CountNotifications(ctx context.Context, subscriptionID string) (int, error)
}

// Scheduler exposes which poll loops are running.
type Scheduler interface {
	Jobs() []string
}

// Server handles HTTP requests.
type Server struct {
	store   Store
	sched   Scheduler
	logger  *slog.Logger
	started time.Time
}

// New creates the ops server.
func New(store Store, scheduler Scheduler, logger *slog.Logger) *Server {
	return &Server{
		store:   store,
		sched:   scheduler,
		logger:  logger,
		started: time.Now(),
	}
}

// Run serves until ctx is done, then shuts down gracefully. Shaped for a
// run.Group actor.
func (s *Server) Run(ctx context.Context, port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/statusz", s.handleStatus)

	// Timeouts prevent resource exhaustion from slow clients.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.logger.Warn("Server shutdown failed", "error", err)
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type statusEntry struct {
	ID            string     `json:"id"`
	Keyword       string     `json:"keyword"`
	Health        string     `json:"health"`
	Paused        bool       `json:"paused"`
	JobRunning    bool       `json:"job_running"`
	Notifications int        `json:"notifications"`
	LastChecked   *time.Time `json:"last_checked,omitempty"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	Failures      int        `json:"consecutive_failures"`
}

type statusResponse struct {
	UptimeSeconds int64         `json:"uptime_seconds"`
	Subscriptions []statusEntry `json:"subscriptions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subs, err := s.store.ListActiveSubscriptions(r.Context())
	if err != nil {
		s.logger.Error("Status listing failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	running := make(map[string]bool)
	for _, id := range s.sched.Jobs() {
		running[id] = true
	}

	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Subscriptions: make([]statusEntry, 0, len(subs)),
	}
	for _, sub := range subs {
		n, err := s.store.CountNotifications(r.Context(), sub.ID)
		if err != nil {
			s.logger.Warn("Notification count failed", "subscription", sub.ID, "error", err)
		}
		resp.Subscriptions = append(resp.Subscriptions, statusEntry{
			ID:            sub.ID,
			Keyword:       sub.Keyword,
			Health:        sched.HealthOf(sub),
			Paused:        sub.Paused,
			JobRunning:    running[sub.ID],
			Notifications: n,
			LastChecked:   sub.LastChecked,
			LastSuccess:   sub.LastSuccess,
			Failures:      sub.ConsecutiveFailures,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}

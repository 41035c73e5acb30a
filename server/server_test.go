package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"article-hunter/pkg/hunter"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	subs   []*hunter.Subscription
	counts map[string]int
}

func (s *fakeStore) ListActiveSubscriptions(context.Context) ([]*hunter.Subscription, error) {
	return s.subs, nil
}

func (s *fakeStore) CountNotifications(_ context.Context, id string) (int, error) {
	return s.counts[id], nil
}

type fakeScheduler struct{ jobs []string }

func (s *fakeScheduler) Jobs() []string { return s.jobs }

func TestHandleHealth(t *testing.T) {
	s := New(&fakeStore{}, &fakeScheduler{}, testLogger)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != `{"status":"healthy"}` {
		t.Errorf("body = %q", body)
	}

	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		subs: []*hunter.Subscription{
			{ID: "a", Keyword: "helm", LastChecked: &checked},
			{ID: "b", Keyword: "orden", Paused: true, ConsecutiveFailures: 7},
		},
		counts: map[string]int{"a": 3},
	}
	s := New(st, &fakeScheduler{jobs: []string{"a"}}, testLogger)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Subscriptions) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(resp.Subscriptions))
	}

	first := resp.Subscriptions[0]
	if first.Health != "healthy" || !first.JobRunning || first.Notifications != 3 {
		t.Errorf("first entry = %+v", first)
	}
	second := resp.Subscriptions[1]
	if second.Health != "broken" || !second.Paused || second.JobRunning {
		t.Errorf("second entry = %+v", second)
	}
}

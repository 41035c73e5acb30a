package notify

import (
	"context"
	"log/slog"

	"article-hunter/pkg/hunter"
)

// Mock logs pushes instead of sending them, for local development.
type Mock struct {
	logger *slog.Logger
}

// NewMock creates a mock notifier.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// SendListing logs the push.
func (m *Mock) SendListing(_ context.Context, sub *hunter.Subscription, l *hunter.Listing) error {
	m.logger.Info("MOCK PUSH",
		"subscription", sub.ID,
		"chat_id", sub.ChatID,
		"listing_key", l.Key(),
		"title", l.Title,
		"url", l.URL)
	return nil
}

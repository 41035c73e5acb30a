// Package notify delivers listing pushes to Telegram chats.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"article-hunter/pkg/hunter"
)

// Telegram sends listing notifications via the Bot API.
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier on an existing bot client.
func NewTelegram(api *tgbotapi.BotAPI, logger *slog.Logger) *Telegram {
	return &Telegram{api: api, logger: logger}
}

// SendListing formats and sends one listing push. Transient API failures
// are retried briefly; the caller treats any returned error as a failed
// delivery that will not be re-attempted for this listing.
func (t *Telegram) SendListing(ctx context.Context, sub *hunter.Subscription, l *hunter.Listing) error {
	msg := tgbotapi.NewMessage(sub.ChatID, FormatListing(sub, l))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = false

	err := retry.Do(
		func() error {
			_, err := t.api.Send(msg)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Warn("Telegram send failed, retrying",
				"attempt", n+1, "chat_id", sub.ChatID, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	t.logger.Info("Notification sent",
		"subscription", sub.ID,
		"chat_id", sub.ChatID,
		"listing_key", l.Key())
	return nil
}

var berlin = mustLoadBerlin()

func mustLoadBerlin() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return time.UTC
	}
	return loc
}

// FormatListing renders the German push message body (HTML parse mode).
func FormatListing(sub *hunter.Subscription, l *hunter.Listing) string {
	var b strings.Builder
	b.WriteString("🔎 <b>Neues Angebot gefunden!</b>\n\n")
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(l.Title))
	fmt.Fprintf(&b, "Suchbegriff: %s\n", html.EscapeString(sub.Keyword))
	if l.PriceValue != nil {
		fmt.Fprintf(&b, "Preis: %s\n", FormatPrice(*l.PriceValue, l.PriceCurrency))
	}
	if l.PostedAt != nil {
		fmt.Fprintf(&b, "Eingestellt: %s\n", FormatBerlin(*l.PostedAt))
	}
	if l.EndsAt != nil {
		fmt.Fprintf(&b, "Auktionsende: %s\n", FormatBerlin(*l.EndsAt))
	}
	fmt.Fprintf(&b, "Anbieter: %s\n", html.EscapeString(l.Provider))
	fmt.Fprintf(&b, "\n%s", html.EscapeString(l.URL))
	return b.String()
}

// FormatPrice renders a price in German convention: "1.234,56 €".
func FormatPrice(value float64, currency string) string {
	// Round to cents first so 0.995 becomes 1,00 and not 0,100.
	total := int64(value*100 + 0.5)
	whole := total / 100
	cents := total % 100

	digits := fmt.Sprintf("%d", whole)
	var grouped strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(d)
	}

	sym := currency
	switch currency {
	case "EUR", "":
		sym = "€"
	case "USD":
		sym = "$"
	}
	return fmt.Sprintf("%s,%02d %s", grouped.String(), cents, sym)
}

// FormatBerlin renders a UTC instant as local German time.
func FormatBerlin(t time.Time) string {
	return t.In(berlin).Format("02.01.2006 15:04") + " Uhr"
}

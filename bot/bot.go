// Package bot is the Telegram command surface: creating, listing, pausing
// and deleting keyword subscriptions, plus manual rechecks.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"article-hunter/notify"
	"article-hunter/pkg/hunter"
	"article-hunter/poll"
	"article-hunter/provider"
	"article-hunter/sched"
)

// maxKeywordLen bounds user input; longer keywords are never legitimate
// search terms.
const maxKeywordLen = 100

// Store is the persistence surface the bot needs.
type Store interface {
	CreateSubscription(ctx context.Context, sub *hunter.Subscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]*hunter.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	SetPaused(ctx context.Context, id string, paused bool) error
	CountNotifications(ctx context.Context, subscriptionID string) (int, error)
}

// Scheduler controls the poll loops behind the commands.
type Scheduler interface {
	StartJob(subscriptionID string)
	StopJob(subscriptionID string)
	RunNow(ctx context.Context, subscriptionID string) (*poll.Stats, error)
}

// Bot handles Telegram updates over long polling.
type Bot struct {
	api    *tgbotapi.BotAPI
	store  Store
	sched  Scheduler
	logger *slog.Logger
}

// New creates the command bot.
func New(api *tgbotapi.BotAPI, store Store, scheduler Scheduler, logger *slog.Logger) *Bot {
	return &Bot{api: api, store: store, sched: scheduler, logger: logger}
}

// Run consumes updates until ctx is done. Shaped for a run.Group actor.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)

	b.logger.Info("Bot listening", "username", b.api.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	userID := strconv.FormatInt(update.Message.From.ID, 10)
	chatID := update.Message.Chat.ID
	text := strings.TrimSpace(update.Message.Text)

	cmd, arg := splitCommand(text)
	b.logger.Info("Command received", "user", userID, "command", cmd)

	switch cmd {
	case "/start", "/help":
		b.reply(chatID, helpText)
	case "/search":
		b.handleSearch(ctx, userID, chatID, arg)
	case "/list":
		b.handleList(ctx, userID, chatID)
	case "/delete":
		b.handleDelete(ctx, userID, chatID, arg)
	case "/check":
		b.handleCheck(ctx, userID, chatID, arg)
	case "/pause":
		b.handlePause(ctx, userID, chatID, arg, true)
	case "/resume":
		b.handlePause(ctx, userID, chatID, arg, false)
	default:
		b.reply(chatID, "Unbekannter Befehl. /help zeigt alle Befehle.")
	}
}

// splitCommand separates "/cmd@botname rest of line" into command and
// argument.
func splitCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	parts := strings.SplitN(text, " ", 2)
	cmd = parts[0]
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

const helpText = `Ich beobachte militaria321.com und egun.de und melde neue Angebote zu deinen Suchbegriffen.

Befehle:
/search <Begriff> – Suchauftrag anlegen
/list – Suchaufträge anzeigen
/check <Nr> – sofort prüfen
/pause <Nr> – Suchauftrag pausieren
/resume <Nr> – Suchauftrag fortsetzen
/delete <Nr> – Suchauftrag löschen`

func (b *Bot) handleSearch(ctx context.Context, userID string, chatID int64, keyword string) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		b.reply(chatID, "Bitte gib einen Suchbegriff an: /search <Begriff>")
		return
	}
	if len(keyword) > maxKeywordLen {
		b.reply(chatID, "Der Suchbegriff ist zu lang.")
		return
	}

	sub := &hunter.Subscription{
		UserID:            userID,
		ChatID:            chatID,
		Keyword:           keyword,
		NormalizedKeyword: provider.NormalizeKeyword(keyword),
		SinceTS:           time.Now().UTC(),
		Active:            true,
	}
	if err := b.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, hunter.ErrConflict) {
			b.reply(chatID, fmt.Sprintf("Du beobachtest „%s“ bereits.", keyword))
			return
		}
		b.logger.Error("Subscription create failed", "user", userID, "error", err)
		b.reply(chatID, "Der Suchauftrag konnte nicht angelegt werden. Bitte versuche es später erneut.")
		return
	}

	b.sched.StartJob(sub.ID)
	b.reply(chatID, fmt.Sprintf(
		"Suchauftrag „%s“ angelegt. 🔎\nIch erfasse zuerst den aktuellen Bestand; gemeldet wird nur, was danach neu eingestellt wird.",
		keyword))
}

func (b *Bot) handleList(ctx context.Context, userID string, chatID int64) {
	subs, err := b.store.ListSubscriptions(ctx, userID)
	if err != nil {
		b.logger.Error("Subscription list failed", "user", userID, "error", err)
		b.reply(chatID, "Die Suchaufträge konnten nicht geladen werden.")
		return
	}
	if len(subs) == 0 {
		b.reply(chatID, "Du hast noch keine Suchaufträge. Lege einen an mit /search <Begriff>.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Deine Suchaufträge:\n")
	for i, sub := range subs {
		status := statusIcon(sub)
		n, _ := b.store.CountNotifications(ctx, sub.ID)
		fmt.Fprintf(&sb, "\n%d. %s „%s“ – %d Treffer gemeldet, angelegt am %s",
			i+1, status, sub.Keyword, n, notify.FormatBerlin(sub.CreatedAt))
		if sub.LastChecked != nil {
			fmt.Fprintf(&sb, ", zuletzt geprüft %s", notify.FormatBerlin(*sub.LastChecked))
		}
	}
	b.reply(chatID, sb.String())
}

func statusIcon(sub *hunter.Subscription) string {
	if sub.Paused {
		return "⏸"
	}
	switch sched.HealthOf(sub) {
	case "healthy":
		return "✅"
	case "degraded":
		return "⚠️"
	default:
		return "❌"
	}
}

func (b *Bot) handleDelete(ctx context.Context, userID string, chatID int64, arg string) {
	sub, ok := b.resolve(ctx, userID, chatID, arg)
	if !ok {
		return
	}
	if err := b.store.DeleteSubscription(ctx, sub.ID); err != nil {
		b.logger.Error("Subscription delete failed", "subscription", sub.ID, "error", err)
		b.reply(chatID, "Der Suchauftrag konnte nicht gelöscht werden.")
		return
	}
	b.sched.StopJob(sub.ID)
	b.reply(chatID, fmt.Sprintf("Suchauftrag „%s“ gelöscht.", sub.Keyword))
}

func (b *Bot) handleCheck(ctx context.Context, userID string, chatID int64, arg string) {
	sub, ok := b.resolve(ctx, userID, chatID, arg)
	if !ok {
		return
	}
	b.reply(chatID, fmt.Sprintf("Prüfe „%s“ …", sub.Keyword))

	stats, err := b.sched.RunNow(ctx, sub.ID)
	switch {
	case errors.Is(err, sched.ErrBusy):
		b.reply(chatID, "Für diesen Suchauftrag läuft bereits eine Prüfung.")
	case err != nil:
		b.logger.Error("Manual check failed", "subscription", sub.ID, "error", err)
		b.reply(chatID, "Die Prüfung ist fehlgeschlagen. Bitte versuche es später erneut.")
	case stats.Pushed == 0:
		b.reply(chatID, fmt.Sprintf(
			"Prüfung abgeschlossen: %d Seiten, %d Angebote gesichtet, nichts Neues.",
			stats.PagesScanned, stats.ItemsFound))
	default:
		b.reply(chatID, fmt.Sprintf(
			"Prüfung abgeschlossen: %d Seiten, %d Angebote gesichtet, %d neu gemeldet.",
			stats.PagesScanned, stats.ItemsFound, stats.Pushed))
	}
}

func (b *Bot) handlePause(ctx context.Context, userID string, chatID int64, arg string, paused bool) {
	sub, ok := b.resolve(ctx, userID, chatID, arg)
	if !ok {
		return
	}
	if err := b.store.SetPaused(ctx, sub.ID, paused); err != nil {
		b.logger.Error("Pause update failed", "subscription", sub.ID, "error", err)
		b.reply(chatID, "Die Änderung konnte nicht gespeichert werden.")
		return
	}
	if paused {
		b.reply(chatID, fmt.Sprintf("Suchauftrag „%s“ pausiert.", sub.Keyword))
	} else {
		b.reply(chatID, fmt.Sprintf("Suchauftrag „%s“ läuft wieder.", sub.Keyword))
	}
}

// resolve maps a /list position (or a raw subscription ID) to the user's
// subscription, replying with guidance when it cannot.
func (b *Bot) resolve(ctx context.Context, userID string, chatID int64, arg string) (*hunter.Subscription, bool) {
	subs, err := b.store.ListSubscriptions(ctx, userID)
	if err != nil {
		b.logger.Error("Subscription list failed", "user", userID, "error", err)
		b.reply(chatID, "Die Suchaufträge konnten nicht geladen werden.")
		return nil, false
	}
	if len(subs) == 0 {
		b.reply(chatID, "Du hast noch keine Suchaufträge.")
		return nil, false
	}
	if arg == "" && len(subs) == 1 {
		return subs[0], true
	}
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(subs) {
		return subs[n-1], true
	}
	for _, sub := range subs {
		if sub.ID == arg {
			return sub, true
		}
	}
	b.reply(chatID, "Bitte gib die Nummer aus /list an, z. B. /delete 1.")
	return nil, false
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("Reply failed", "chat_id", chatID, "error", err)
	}
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/logging"
	"deriv-bot-manager/internal/pending"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// AdminBackend is what the chat commands act on
type AdminBackend interface {
	Workers() []lifecycle.WorkerStatus
	PendingList(ctx context.Context) ([]pending.Activation, error)
	Approve(ctx context.Context, ephemeralID, finalIdentity, source string) (lifecycle.ApproveResult, error)
}

// TelegramAdmin answers admin commands sent to the bot from the configured chat:
//
//	/status                 live workers with their session figures
//	/pending                staged ids waiting for approval
//	/approve <id> [final]   activate a staged id, optionally under a final identity
type TelegramAdmin struct {
	botToken    string
	chatID      int64
	apiBase     string
	pollTimeout int
	backend     AdminBackend
	logger      *logging.Logger
}

// NewTelegramAdmin builds the command listener. cfg.APIBase may point at a test server.
// A chat id that is not numeric matches no chat, so every command is ignored.
func NewTelegramAdmin(cfg TelegramConfig, backend AdminBackend) *TelegramAdmin {
	chatID, _ := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	return &TelegramAdmin{
		botToken:    cfg.BotToken,
		chatID:      chatID,
		apiBase:     cfg.apiBase(),
		pollTimeout: 25,
		backend:     backend,
		logger:      logging.WithComponent("telegram_admin"),
	}
}

// connect retries getMe until the bot is reachable or ctx is done
func (t *TelegramAdmin) connect(ctx context.Context) (*tgbotapi.BotAPI, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute

	endpoint := t.apiBase + "/bot%s/%s"
	for {
		bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.botToken, endpoint)
		if err == nil {
			return bot, nil
		}
		wait := bo.NextBackOff()
		t.logger.Warn("Telegram bot unreachable", "error", err, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Run receives updates until ctx is done
func (t *TelegramAdmin) Run(ctx context.Context) error {
	bot, err := t.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	t.logger.Info("Telegram admin listener started", "bot", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Telegram admin listener stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleMessage(ctx, bot, update.Message)
		}
	}
}

func (t *TelegramAdmin) handleMessage(ctx context.Context, bot *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	if t.chatID == 0 || msg == nil || msg.Chat == nil || msg.Chat.ID != t.chatID {
		return
	}
	reply := t.handleCommand(ctx, msg.Text)
	if reply == "" {
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	out.ParseMode = tgbotapi.ModeMarkdown
	if _, err := bot.Send(out); err != nil {
		t.logger.Warn("Telegram reply failed", "error", err)
	}
}

func (t *TelegramAdmin) handleCommand(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	// "/status@MyBot" is how group chats address a bot
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/status":
		return t.status()
	case "/pending":
		return t.pendingList(ctx)
	case "/approve":
		if len(fields) < 2 {
			return "Usage: /approve <pending id> [final id]"
		}
		final := ""
		if len(fields) > 2 {
			final = fields[2]
		}
		return t.approve(ctx, fields[1], final)
	case "/help", "/start":
		return "Commands:\n/status\n/pending\n/approve <pending id> [final id]"
	default:
		return ""
	}
}

func (t *TelegramAdmin) status() string {
	workers := t.backend.Workers()
	if len(workers) == 0 {
		return "No active bots."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%d active bots*\n", len(workers))
	for _, w := range workers {
		state := "🟢 running"
		if !w.Counters.IsRunning {
			state = "⏸ stopped"
		}
		if !w.Connected {
			state += " (offline)"
		}
		fmt.Fprintf(&b, "\n`%s` %s\nBalance %s | Session %s | Lifetime %s | Trades %d",
			w.Identity, state,
			w.Counters.Balance.StringFixed(2),
			w.Counters.SessionProfit.StringFixed(2),
			w.Counters.LifetimeProfit.StringFixed(2),
			w.Counters.TradesToday)
		if w.Counters.TradeLimit > 0 {
			fmt.Fprintf(&b, "/%d", w.Counters.TradeLimit)
		}
	}
	return b.String()
}

func (t *TelegramAdmin) pendingList(ctx context.Context) string {
	list, err := t.backend.PendingList(ctx)
	if err != nil {
		return fmt.Sprintf("Could not read pending list: %v", err)
	}
	if len(list) == 0 {
		return "No pending activations."
	}
	var b strings.Builder
	b.WriteString("*Pending activations*\n")
	for _, a := range list {
		fmt.Fprintf(&b, "\n`%s` since %s", a.ID, a.CreatedAt.Format("2006-01-02 15:04"))
		if a.PaymentRef != "" {
			fmt.Fprintf(&b, " (ref %s)", a.PaymentRef)
		}
	}
	return b.String()
}

func (t *TelegramAdmin) approve(ctx context.Context, id, final string) string {
	res, err := t.backend.Approve(ctx, id, final, lifecycle.SourceTelegram)
	switch {
	case errors.Is(err, lifecycle.ErrCredentialUnresolved):
		return fmt.Sprintf("❌ %s: credential could not be resolved, entry kept", id)
	case err != nil:
		return fmt.Sprintf("❌ %s: %v", id, err)
	case !res.Approved:
		return fmt.Sprintf("No pending activation %s", id)
	case !res.Created:
		return fmt.Sprintf("✅ %s was already active", res.Identity)
	default:
		return fmt.Sprintf("✅ Activated %s", res.Identity)
	}
}

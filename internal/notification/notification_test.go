package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/events"
	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/pending"
	"deriv-bot-manager/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*Notification
	err  error
}

func (r *recordingNotifier) Name() string    { return "recording" }
func (r *recordingNotifier) IsEnabled() bool { return true }
func (r *recordingNotifier) Send(n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestManager_SendReportsProviderError(t *testing.T) {
	m := NewManager()
	rec := &recordingNotifier{err: errors.New("boom")}
	m.AddNotifier(rec)
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{}))

	err := m.Send(&Notification{Type: NotifyInfo, Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "recording") {
		t.Errorf("Expected provider error, got %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("Expected one delivery, got %d", rec.count())
	}
	if rec.sent[0].Timestamp.IsZero() {
		t.Error("Expected timestamp to be filled")
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier(TelegramConfig{BotToken: "TOKEN", ChatID: "42", Enabled: true, APIBase: srv.URL})
	if err := n.Send(&Notification{Title: "Hello", Message: "World"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || !strings.Contains(got["text"].(string), "World") {
		t.Errorf("Unexpected payload %v", got)
	}

	disabled := NewTelegramNotifier(TelegramConfig{BotToken: "TOKEN", Enabled: true})
	if disabled.IsEnabled() {
		t.Error("Expected notifier without chat id to be disabled")
	}
}

func TestForwarder_RendersLifecycleEvents(t *testing.T) {
	tests := []struct {
		event     events.Event
		wantType  NotificationType
		wantInMsg string
	}{
		{
			event:     events.Event{Type: events.EventWorkerActivated, Data: map[string]interface{}{"worker_id": "user_1", "source": "admin"}},
			wantType:  NotifyActivated,
			wantInMsg: "user_1",
		},
		{
			event:     events.Event{Type: events.EventWorkerStopped, Data: map[string]interface{}{"worker_id": "user_1", "reason": "limit_reached"}},
			wantType:  NotifyStopped,
			wantInMsg: "daily trade limit",
		},
		{
			event:     events.Event{Type: events.EventPendingStaged, Data: map[string]interface{}{"worker_id": "User_1234", "payment_ref": "MP1"}},
			wantType:  NotifyPending,
			wantInMsg: "/approve User_1234",
		},
		{
			event:     events.Event{Type: events.EventDurableWriteFail, Data: map[string]interface{}{"worker_id": "user_1", "op": "upsert", "error": "db down"}},
			wantType:  NotifyError,
			wantInMsg: "db down",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.Type), func(t *testing.T) {
			n := render(tt.event)
			if n == nil {
				t.Fatal("Expected a notification")
			}
			if n.Type != tt.wantType || !strings.Contains(n.Message, tt.wantInMsg) {
				t.Errorf("Unexpected notification %+v", n)
			}
		})
	}

	if render(events.Event{Type: events.EventWorkerLimitSet}) != nil {
		t.Error("Expected limit changes to stay quiet")
	}
}

func TestForwarder_Attach(t *testing.T) {
	rec := &recordingNotifier{}
	m := NewManager()
	m.AddNotifier(rec)
	bus := events.NewEventBus()
	NewForwarder(m).Attach(bus)

	bus.PublishWorker(events.EventWorkerTerminated, "user_1", nil)

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("Expected one notification, got %d", rec.count())
	}
}

type fakeBackend struct {
	workers  []lifecycle.WorkerStatus
	pending  []pending.Activation
	approved []string
	result   lifecycle.ApproveResult
	err      error
}

func (f *fakeBackend) Workers() []lifecycle.WorkerStatus { return f.workers }

func (f *fakeBackend) PendingList(context.Context) ([]pending.Activation, error) {
	return f.pending, nil
}

func (f *fakeBackend) Approve(_ context.Context, id, final, source string) (lifecycle.ApproveResult, error) {
	f.approved = append(f.approved, id+"->"+final+"@"+source)
	return f.result, f.err
}

func TestTelegramAdmin_Commands(t *testing.T) {
	backend := &fakeBackend{
		workers: []lifecycle.WorkerStatus{{
			Identity:  "user_123",
			Connected: true,
			Counters: worker.Counters{
				Balance:       decimal.RequireFromString("1000"),
				SessionProfit: decimal.RequireFromString("2.5"),
				TradesToday:   3,
				TradeLimit:    10,
				IsRunning:     true,
			},
		}},
		pending: []pending.Activation{{ID: "User_5555", PaymentRef: "MP1", CreatedAt: time.Now()}},
		result:  lifecycle.ApproveResult{Approved: true, Created: true, Identity: "user_9"},
	}
	admin := NewTelegramAdmin(TelegramConfig{BotToken: "T", ChatID: "1"}, backend)
	ctx := context.Background()

	if got := admin.handleCommand(ctx, "/status"); !strings.Contains(got, "user_123") || !strings.Contains(got, "3/10") || !strings.Contains(got, "1000.00") {
		t.Errorf("Unexpected status reply %q", got)
	}
	if got := admin.handleCommand(ctx, "/pending@DerivBot"); !strings.Contains(got, "User_5555") {
		t.Errorf("Unexpected pending reply %q", got)
	}
	if got := admin.handleCommand(ctx, "/approve"); !strings.Contains(got, "Usage") {
		t.Errorf("Expected usage, got %q", got)
	}
	if got := admin.handleCommand(ctx, "/approve User_5555 user_9"); !strings.Contains(got, "Activated user_9") {
		t.Errorf("Unexpected approve reply %q", got)
	}
	if len(backend.approved) != 1 || backend.approved[0] != "User_5555->user_9@telegram" {
		t.Errorf("Unexpected approve calls %v", backend.approved)
	}
	if got := admin.handleCommand(ctx, "hello"); got != "" {
		t.Errorf("Expected plain text ignored, got %q", got)
	}

	backend.err = lifecycle.ErrCredentialUnresolved
	if got := admin.handleCommand(ctx, "/approve User_5555"); !strings.Contains(got, "entry kept") {
		t.Errorf("Unexpected failure reply %q", got)
	}
}

func TestTelegramAdmin_RunAnswersOnlyAdminChat(t *testing.T) {
	var (
		mu      sync.Mutex
		polls   int
		offsets []string
		replies []string
	)
	reply := func(w http.ResponseWriter, result interface{}) {
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			reply(w, map[string]interface{}{"id": 42, "is_bot": true, "first_name": "Deriv", "username": "DerivBot"})
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			mu.Lock()
			polls++
			first := polls == 1
			offsets = append(offsets, r.Form.Get("offset"))
			mu.Unlock()
			if !first {
				reply(w, []interface{}{})
				return
			}
			reply(w, []map[string]interface{}{
				{"update_id": 6, "message": map[string]interface{}{"message_id": 1, "text": "/status", "chat": map[string]interface{}{"id": 999, "type": "private"}}},
				{"update_id": 7, "message": map[string]interface{}{"message_id": 2, "text": "/status", "chat": map[string]interface{}{"id": 1, "type": "private"}}},
			})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			mu.Lock()
			replies = append(replies, r.Form.Get("chat_id"))
			mu.Unlock()
			reply(w, map[string]interface{}{"message_id": 3, "chat": map[string]interface{}{"id": 1, "type": "private"}})
		default:
			t.Errorf("Unexpected call %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	admin := NewTelegramAdmin(TelegramConfig{BotToken: "T", ChatID: "1", APIBase: srv.URL}, &fakeBackend{})
	admin.pollTimeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- admin.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n, sent := polls, len(replies)
		mu.Unlock()
		if n >= 2 && sent >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replies) != 1 || replies[0] != "1" {
		t.Errorf("Expected a single reply to the admin chat, got %v", replies)
	}
	if len(offsets) < 2 || offsets[1] != "8" {
		t.Errorf("Expected the second poll to start after update 7, got offsets %v", offsets)
	}
}

func TestTelegramAdmin_NonNumericChatIgnoresEverything(t *testing.T) {
	admin := NewTelegramAdmin(TelegramConfig{BotToken: "T", ChatID: "@admins"}, &fakeBackend{})
	if admin.chatID != 0 {
		t.Fatalf("Expected no chat to match, got %d", admin.chatID)
	}
	// a nil bot would panic if a reply were attempted
	admin.handleMessage(context.Background(), nil, &tgbotapi.Message{Text: "/status", Chat: &tgbotapi.Chat{ID: 5}})
	admin.handleMessage(context.Background(), nil, nil)
}

func TestDiscordNotifier_Send(t *testing.T) {
	var got struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	if err := d.Send(&Notification{Type: NotifyError, Title: "Down", Message: "db", WorkerID: "user_1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Color != embedColor(NotifyError) {
		t.Fatalf("Unexpected payload %+v", got)
	}
	if len(got.Embeds[0].Fields) != 1 || got.Embeds[0].Fields[0].Value != "user_1" {
		t.Errorf("Expected worker field, got %+v", got.Embeds[0].Fields)
	}
}

func TestManager_DisabledSendsNothing(t *testing.T) {
	rec := &recordingNotifier{}
	m := NewManagerFromConfig(config.NotificationConfig{Enabled: false})
	m.AddNotifier(rec)
	if m.Enabled() {
		t.Error("Expected disabled manager")
	}
	if err := m.Send(&Notification{Title: "x"}); err != nil || rec.count() != 0 {
		t.Errorf("Expected no delivery, got err=%v count=%d", err, rec.count())
	}
}

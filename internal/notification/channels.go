package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// postJSON sends body to url and accepts any of the ok statuses
func postJSON(client *http.Client, url string, body interface{}, ok ...int) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// TelegramConfig addresses one bot and one admin chat
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	// APIBase replaces https://api.telegram.org, mostly for tests
	APIBase string
}

func (c TelegramConfig) apiBase() string {
	if c.APIBase == "" {
		return telegramAPIBase
	}
	return strings.TrimRight(c.APIBase, "/")
}

// TelegramNotifier posts alerts to the admin chat
type TelegramNotifier struct {
	cfg     TelegramConfig
	enabled bool
	client  *http.Client
}

func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		cfg:     cfg,
		enabled: cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(n *Notification) error {
	if !t.enabled {
		return nil
	}
	text := "*" + n.Title + "*\n\n" + n.Message
	return sendTelegramMessage(t.client, t.cfg.apiBase(), t.cfg.BotToken, t.cfg.ChatID, text)
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func sendTelegramMessage(client *http.Client, apiBase, botToken, chatID, text string) error {
	url := apiBase + "/bot" + botToken + "/sendMessage"
	msg := telegramMessage{ChatID: chatID, Text: text, ParseMode: "Markdown"}
	if err := postJSON(client, url, msg, http.StatusOK); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// DiscordConfig points at one channel webhook
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// DiscordNotifier posts alerts as webhook embeds
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string    { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

// embedColor is green for routine events, amber when a bot goes quiet, red on errors
func embedColor(t NotificationType) int {
	switch t {
	case NotifyError:
		return 0xE74C3C
	case NotifyStopped, NotifyTerminated:
		return 0xF39C12
	default:
		return 0x2ECC71
	}
}

func (d *DiscordNotifier) Send(n *Notification) error {
	if !d.enabled {
		return nil
	}
	embed := discordEmbed{
		Title:       n.Title,
		Description: n.Message,
		Color:       embedColor(n.Type),
		Timestamp:   n.Timestamp.UTC().Format(time.RFC3339),
	}
	if n.WorkerID != "" {
		embed.Fields = []discordField{{Name: "Worker", Value: n.WorkerID, Inline: true}}
	}
	body := map[string][]discordEmbed{"embeds": {embed}}
	if err := postJSON(d.client, d.webhookURL, body, http.StatusOK, http.StatusNoContent); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

package notification

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"deriv-bot-manager/config"
)

// NotificationType classifies an admin alert
type NotificationType string

const (
	NotifyActivated  NotificationType = "activated"
	NotifyStopped    NotificationType = "stopped"
	NotifyStarted    NotificationType = "started"
	NotifyTerminated NotificationType = "terminated"
	NotifyPending    NotificationType = "pending"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification is one admin alert about the fleet
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	WorkerID  string
	Timestamp time.Time
}

// Notifier delivers alerts to one channel
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans an alert out to every enabled channel
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	enabled   bool
}

func NewManager() *Manager {
	return &Manager{enabled: true}
}

// NewManagerFromConfig registers Telegram and Discord as configured. Channels
// missing credentials stay registered but disabled.
func NewManagerFromConfig(cfg config.NotificationConfig) *Manager {
	m := &Manager{enabled: cfg.Enabled}
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		Enabled:  cfg.Telegram.Enabled,
	}))
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{
		WebhookURL: cfg.Discord.WebhookURL,
		Enabled:    cfg.Discord.Enabled,
	}))
	return m
}

func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

func (m *Manager) active() []Notifier {
	if !m.enabled {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Notifier
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			out = append(out, n)
		}
	}
	return out
}

// Enabled reports whether at least one channel would deliver
func (m *Manager) Enabled() bool {
	return len(m.active()) > 0
}

// Send delivers to every enabled channel. A failing channel does not stop the
// others; the returned error names each one that failed.
func (m *Manager) Send(n *Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	var errs []error
	for _, ch := range m.active() {
		if err := ch.Send(n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Package notify fans collective-wide notifications out to configured
// channels (webhook, Slack, email) and to in-process subscribers such
// as the sovereign WebSocket hub.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"agentium/internal/config"
	"agentium/internal/logging"
	"agentium/internal/store"
)

// Event is a notification as seen by in-process subscribers.
type Event struct {
	Kind     string                 `json:"kind"`
	Severity string                 `json:"severity"`
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"at"`
}

// Channel delivers one notification to an external destination.
type Channel interface {
	Name() string
	Send(severity, subject, body string) error
}

// Broadcaster fans events out to every configured channel. Channel
// failures are logged and audited, never fatal: a dead webhook must not
// block an outage alert to the remaining channels.
type Broadcaster struct {
	store    *store.Store
	channels []Channel

	subMu       sync.RWMutex
	subscribers []chan Event

	now func() time.Time
}

// NewBroadcaster builds a broadcaster from config. Unknown channel
// kinds are skipped with a warning.
func NewBroadcaster(st *store.Store, cfg config.NotifyConfig) *Broadcaster {
	b := &Broadcaster{store: st, now: time.Now}
	for _, ch := range cfg.Channels {
		built, err := buildChannel(ch)
		if err != nil {
			logging.Get(logging.CategoryNotify).Warn("skipping notify channel: %v", err)
			continue
		}
		b.channels = append(b.channels, built)
	}
	return b
}

func buildChannel(cfg config.NotifyChannel) (Channel, error) {
	switch cfg.Kind {
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("webhook channel has no webhook_url")
		}
		return &webhookChannel{url: cfg.WebhookURL, client: defaultClient()}, nil
	case "slack":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("slack channel has no webhook_url")
		}
		return &slackChannel{url: cfg.WebhookURL, client: defaultClient()}, nil
	case "email":
		if cfg.SMTPAddr == "" || cfg.To == "" {
			return nil, fmt.Errorf("email channel needs smtp_addr and to")
		}
		return &emailChannel{addr: cfg.SMTPAddr, from: cfg.From, to: cfg.To, send: smtp.SendMail}, nil
	}
	return nil, fmt.Errorf("unknown notify channel kind %q", cfg.Kind)
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// Subscribe returns a live event feed. Slow consumers drop events
// rather than block the broadcaster.
func (b *Broadcaster) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.subMu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.subMu.Unlock()
	return ch
}

func (b *Broadcaster) publish(ev Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Broadcast delivers to every channel, returning an error only when
// all of them failed.
func (b *Broadcaster) Broadcast(severity, subject, body string) error {
	b.publish(Event{Kind: "NOTIFICATION", Severity: severity, Subject: subject, Body: body, At: b.now()})
	if b.store != nil {
		b.store.Audit("notify", "system", "system", "notification_sent", "channel", "all",
			fmt.Sprintf("[%s] %s", severity, subject))
	}
	if len(b.channels) == 0 {
		logging.Notify("[%s] %s: %s", severity, subject, body)
		return nil
	}

	var failures []string
	for _, ch := range b.channels {
		if err := ch.Send(severity, subject, body); err != nil {
			logging.Get(logging.CategoryNotify).Error("channel %s failed: %v", ch.Name(), err)
			if b.store != nil {
				b.store.Audit("notify", "system", "system", "channel_failed", "channel", ch.Name(), err.Error())
			}
			failures = append(failures, ch.Name())
		}
	}
	if len(failures) == len(b.channels) {
		return fmt.Errorf("all notify channels failed: %s", strings.Join(failures, ", "))
	}
	return nil
}

// BroadcastEvent delivers a structured governance event. The payload
// is rendered into the body for external channels and carried verbatim
// to in-process subscribers.
func (b *Broadcaster) BroadcastEvent(kind, message string, payload map[string]interface{}) {
	b.publish(Event{Kind: kind, Severity: "info", Subject: kind, Body: message, Payload: payload, At: b.now()})

	body := message
	if len(payload) > 0 {
		if data, err := json.Marshal(payload); err == nil {
			body = message + "\n" + string(data)
		}
	}
	if len(b.channels) == 0 {
		logging.Notify("[%s] %s", kind, message)
		return
	}
	for _, ch := range b.channels {
		if err := ch.Send("info", kind, body); err != nil {
			logging.Get(logging.CategoryNotify).Error("channel %s failed for %s: %v", ch.Name(), kind, err)
		}
	}
}

// ===== CHANNELS =====

type webhookChannel struct {
	url    string
	client *http.Client
}

func (c *webhookChannel) Name() string { return "webhook" }

func (c *webhookChannel) Send(severity, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"severity": severity,
		"subject":  subject,
		"body":     body,
	})
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

type slackChannel struct {
	url    string
	client *http.Client
}

func (c *slackChannel) Name() string { return "slack" }

func (c *slackChannel) Send(severity, subject, body string) error {
	text := fmt.Sprintf("*[%s] %s*\n%s", strings.ToUpper(severity), subject, body)
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("slack post failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}

type emailChannel struct {
	addr string
	from string
	to   string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (c *emailChannel) Name() string { return "email" }

func (c *emailChannel) Send(severity, subject, body string) error {
	from := c.from
	if from == "" {
		from = "agentium@localhost"
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s\r\n",
		from, c.to, strings.ToUpper(severity), subject, body)
	if err := c.send(c.addr, nil, from, []string{c.to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

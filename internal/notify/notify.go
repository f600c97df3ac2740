package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Level is the severity of a message.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Message is an operator-facing notification.
type Message struct {
	Title string
	Body  string
	Level Level
}

// Notifier delivers messages to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards messages.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// New builds the notifier for kind ("", "webhook" or "ntfy").
func New(kind, url string, client *http.Client) (Notifier, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	switch strings.ToLower(kind) {
	case "", "none":
		return Nop{}, nil
	case "webhook":
		return &Webhook{URL: url, Username: "packsync", Client: client}, nil
	case "ntfy":
		return &Ntfy{URL: url, Client: client}, nil
	default:
		return nil, fmt.Errorf("unknown notifier kind %q", kind)
	}
}

// Webhook posts a Discord/Slack-compatible JSON payload.
type Webhook struct {
	URL      string
	Username string
	Client   *http.Client
}

type webhookPayload struct {
	Content  string `json:"content"`
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	content := msg.Body
	if msg.Title != "" {
		content = "**" + msg.Title + "**\n" + msg.Body
	}
	body, err := json.Marshal(webhookPayload{Content: content, Text: content, Username: w.Username})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return send(w.Client, req)
}

// Ntfy posts a plain-text push notification to an ntfy-style topic URL.
type Ntfy struct {
	URL    string
	Client *http.Client
}

func (n *Ntfy) Notify(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("creating push request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	switch msg.Level {
	case LevelError:
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	case LevelWarn:
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "warning")
	default:
		req.Header.Set("Priority", "low")
		req.Header.Set("Tags", "package")
	}
	return send(n.Client, req)
}

func send(c *http.Client, req *http.Request) error {
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", req.URL.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify %s: unexpected status %d", req.URL.Host, resp.StatusCode)
	}
	return nil
}

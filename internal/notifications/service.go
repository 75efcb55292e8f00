package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vigil/internal/config"
)

const userAgent = "Vigil-Go/0.1.0"

// Event enumerates notification types.
type Event string

const (
	EventJobCompleted  Event = "job_completed"
	EventJobFailed     Event = "job_failed"
	EventDaemonStarted Event = "daemon_started"
	EventTest          Event = "test"
)

// Payload carries event fields. Well-known keys: jobId, kind, modelType,
// totalCounted, errorKind, errorMessage, artifactUrl, bind.
type Payload map[string]any

// Service publishes notifications.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventJobCompleted:  cfg.Notifications.JobCompleted,
			EventJobFailed:     cfg.Notifications.JobFailed,
			EventDaemonStarted: true,
			EventTest:          true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return fmt.Errorf("unsupported notification event %q", event)
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	jobID := shortID(payload.text("jobId"))
	model := payload.text("modelType")
	switch event {
	case EventJobCompleted:
		body := fmt.Sprintf("✅ Job %s (%s, %s) completed", jobID, payload.text("kind"), model)
		if total, ok := payload["totalCounted"]; ok {
			body += fmt.Sprintf(": %v counted", total)
		}
		if link := payload.text("artifactUrl"); link != "" {
			body += "\nOutput: " + link
		}
		return message{
			title: "Vigil - Job Complete",
			body:  body,
			tags:  []string{"vigil", "job", "completed"},
		}, true
	case EventJobFailed:
		kind := payload.text("errorKind")
		if kind == "" {
			kind = "internal"
		}
		body := fmt.Sprintf("❌ Job %s (%s) failed [%s]", jobID, model, kind)
		if detail := payload.text("errorMessage"); detail != "" {
			body += ": " + firstLine(detail)
		}
		return message{
			title:    "Vigil - Job Failed",
			body:     body,
			tags:     []string{"vigil", "job", "failed"},
			priority: "high",
		}, true
	case EventDaemonStarted:
		return message{
			title: "Vigil - Daemon Started",
			body:  fmt.Sprintf("Vigil daemon listening on %s", payload.text("bind")),
			tags:  []string{"vigil", "daemon"},
		}, true
	case EventTest:
		return message{
			title:    "Vigil - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"vigil", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

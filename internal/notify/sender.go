package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"proofreel/internal/logging"
	"proofreel/internal/retry"
)

// Message is a rendered notification handed to a Sender.
type Message struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	TargetID   string            `json:"target_id"`
	WorkItemID string            `json:"work_item_id,omitempty"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

// Sender delivers a rendered message to the message dispatch service.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookSender posts messages as JSON to an HTTP endpoint.
type WebhookSender struct {
	URL    string
	Secret string
	Client *http.Client
}

func (s WebhookSender) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Proofreel-Notification", msg.Type)
	req.Header.Set("X-Proofreel-Delivery", msg.ID)
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Proofreel-Secret", s.Secret)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

// LogSender writes messages to the log. It is the default when no webhook is
// configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.InfoContext(ctx, "notification", "id", msg.ID, "type", msg.Type, "target", msg.TargetID, "body", msg.Body)
	return nil
}

// MemorySender stores messages in memory for inspection.
type MemorySender struct {
	mu       sync.Mutex
	messages []Message
	// Fail, when set, is consulted before each send.
	Fail func(msg Message, attempt int) error
	tries map[string]int
}

func NewMemorySender() *MemorySender {
	return &MemorySender{tries: map[string]int{}}
}

func (m *MemorySender) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tries == nil {
		m.tries = map[string]int{}
	}
	m.tries[msg.ID]++
	if m.Fail != nil {
		if err := m.Fail(msg, m.tries[msg.ID]); err != nil {
			return err
		}
	}
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of the messages delivered so far.
func (m *MemorySender) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

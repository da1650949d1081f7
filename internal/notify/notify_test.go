package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proofreel/internal/db"
	"proofreel/internal/domain"
	"proofreel/internal/migrate"
	"proofreel/internal/repo"
)

type memoryStore struct {
	mu   sync.Mutex
	rows map[string]domain.Notification
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[string]domain.Notification{}}
}

func (s *memoryStore) RecordIfNew(_ context.Context, n domain.Notification, since string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows {
		if existing.DedupKey == n.DedupKey && existing.CreatedAt >= since && existing.Status != domain.NotificationFailed {
			return false, nil
		}
	}
	s.rows[n.ID] = n
	return true, nil
}

func (s *memoryStore) MarkSent(_ context.Context, id string, attempts int, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rows[id]
	n.Status, n.Attempts, n.SentAt = domain.NotificationSent, attempts, &at
	s.rows[id] = n
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rows[id]
	n.Status, n.Attempts, n.LastError = domain.NotificationFailed, attempts, lastErr
	s.rows[id] = n
	return nil
}

func (s *memoryStore) byStatus(status string) []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.rows {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newDispatcher(t *testing.T, store Store, sender Sender, clk *clock) *Dispatcher {
	t.Helper()
	d, err := New(Options{
		Store:        store,
		Sender:       sender,
		Templates:    map[string]string{TypeReviewRequested: "{{.title}} ready: {{.review_url}}"},
		DedupWindow:  time.Hour,
		RetryBackoff: []time.Duration{0, time.Second, 3 * time.Second},
		Workers:      2,
		QueueSize:    16,
		Now:          clk.Now,
		Sleep:        noSleep,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestDedupWithinWindow(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemoryStore()
	sender := NewMemorySender()
	d := newDispatcher(t, store, sender, clk)
	ctx := context.Background()
	req := Request{Type: TypeReviewRequested, TargetID: "client-1", WorkItemID: "wi-1", Metadata: map[string]string{"title": "Teaser"}}

	if sent, err := d.Notify(ctx, req); err != nil || !sent {
		t.Fatalf("first notify: %v %v", sent, err)
	}
	clk.Advance(30 * time.Minute)
	if sent, err := d.Notify(ctx, req); err != nil || sent {
		t.Fatalf("duplicate inside window must be suppressed: %v %v", sent, err)
	}
	clk.Advance(31 * time.Minute)
	if sent, err := d.Notify(ctx, req); err != nil || !sent {
		t.Fatalf("outside window must send: %v %v", sent, err)
	}
	other := req
	other.TargetID = "client-2"
	if sent, _ := d.Notify(ctx, other); !sent {
		t.Fatal("different target must not be deduplicated")
	}
	d.Close()
	if got := len(sender.Messages()); got != 3 {
		t.Fatalf("expected 3 messages, got %d", got)
	}
	if msg := sender.Messages()[0]; msg.Body != "Teaser ready: " {
		t.Fatalf("unexpected body %q", msg.Body)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemoryStore()
	sender := NewMemorySender()
	sender.Fail = func(_ Message, attempt int) error {
		if attempt < 3 {
			return errors.New("unavailable")
		}
		return nil
	}
	d := newDispatcher(t, store, sender, clk)
	if _, err := d.Notify(context.Background(), Request{Type: TypeWorkAssigned, TargetID: "ed", WorkItemID: "wi-1"}); err != nil {
		t.Fatal(err)
	}
	d.Close()
	sent := store.byStatus(domain.NotificationSent)
	if len(sent) != 1 || sent[0].Attempts != 3 {
		t.Fatalf("expected one sent after 3 attempts, got %+v", sent)
	}
	if body := sender.Messages()[0].Body; body != "work.assigned: wi-1" {
		t.Fatalf("fallback body %q", body)
	}
}

func TestFailureIsRecordedNotReturned(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemoryStore()
	sender := NewMemorySender()
	sender.Fail = func(Message, int) error { return errors.New("down") }
	d := newDispatcher(t, store, sender, clk)
	sent, err := d.Notify(context.Background(), Request{Type: TypeWorkApproved, TargetID: "ed", WorkItemID: "wi-1"})
	if err != nil || !sent {
		t.Fatalf("notify must not surface dispatch failures: %v", err)
	}
	d.Close()
	failed := store.byStatus(domain.NotificationFailed)
	if len(failed) != 1 || failed[0].Attempts != 3 || failed[0].LastError == "" {
		t.Fatalf("expected failure bookkeeping, got %+v", failed)
	}
}

func TestNotifyAfterClose(t *testing.T) {
	clk := &clock{t: time.Now()}
	d := newDispatcher(t, newMemoryStore(), NewMemorySender(), clk)
	d.Close()
	if _, err := d.Notify(context.Background(), Request{Type: "x", TargetID: "y"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func newSQLStore(t *testing.T) SQLStore {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return SQLStore{Repo: repo.Repo{DB: conn}}
}

// waitForStatus polls the dispatch log until the newest row for target has
// the given status.
func waitForStatus(t *testing.T, store SQLStore, target, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rows, err := store.Repo.ListNotifications(context.Background(), target, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) == 1 && rows[0].Status == status {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification for %s never reached %s: %+v", target, status, rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFailedNotificationDoesNotSuppressNextTrigger(t *testing.T) {
	store := newSQLStore(t)
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	var down atomic.Bool
	down.Store(true)
	sender := NewMemorySender()
	sender.Fail = func(Message, int) error {
		if down.Load() {
			return errors.New("down")
		}
		return nil
	}
	d := newDispatcher(t, store, sender, clk)
	ctx := context.Background()
	req := Request{Type: TypeDeliverySubmitted, TargetID: "pm", WorkItemID: "wi-1"}

	if sent, err := d.Notify(ctx, req); err != nil || !sent {
		t.Fatalf("first notify: %v %v", sent, err)
	}
	waitForStatus(t, store, "pm", domain.NotificationFailed)

	down.Store(false)
	clk.Advance(5 * time.Minute)
	if sent, err := d.Notify(ctx, req); err != nil || !sent {
		t.Fatalf("a failed dispatch must not suppress the next trigger: %v %v", sent, err)
	}
	waitForStatus(t, store, "pm", domain.NotificationSent)
	clk.Advance(time.Minute)
	if sent, _ := d.Notify(ctx, req); sent {
		t.Fatal("a sent notification must suppress duplicates inside the window")
	}
	d.Close()

	if got := len(sender.Messages()); got != 1 {
		t.Fatalf("expected one delivered message, got %d", got)
	}
	rows, err := store.Repo.ListNotifications(ctx, "pm", 10)
	if err != nil || len(rows) != 2 || rows[0].Status != domain.NotificationSent || rows[1].Status != domain.NotificationFailed {
		t.Fatalf("unexpected dispatch log %+v %v", rows, err)
	}
}

func TestSQLStoreDedup(t *testing.T) {
	store := newSQLStore(t)
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	d := newDispatcher(t, store, NewMemorySender(), clk)
	req := Request{Type: TypeDeliverySubmitted, TargetID: "pm", WorkItemID: "wi-1"}
	first, _ := d.Notify(context.Background(), req)
	second, _ := d.Notify(context.Background(), req)
	d.Close()
	if !first || second {
		t.Fatalf("expected first sent and second suppressed, got %v %v", first, second)
	}
	rows, err := store.Repo.ListNotifications(context.Background(), "pm", 10)
	if err != nil || len(rows) != 1 || rows[0].Status != domain.NotificationSent {
		t.Fatalf("unexpected rows %+v %v", rows, err)
	}
}

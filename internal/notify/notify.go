package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proofreel/internal/domain"
	"proofreel/internal/logging"
	"proofreel/internal/retry"
)

// Notification types emitted by the engine.
const (
	TypeDeliverySubmitted = "delivery.submitted"
	TypeReviewRequested   = "review.requested"
	TypeRevisionRequested = "revision.requested"
	TypeWorkApproved      = "work.approved"
	TypeWorkAssigned      = "work.assigned"
)

var (
	// ErrQueueFull indicates the dispatch queue is currently saturated.
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification dispatcher closed")
)

// Request asks for one notification to reach TargetID.
type Request struct {
	Type       string
	TargetID   string
	WorkItemID string
	Metadata   map[string]string
}

// DispatchError is logged when a notification could not be delivered after
// every retry.
type DispatchError struct {
	NotificationID string
	Type           string
	TargetID       string
	Attempts       int
	Err            error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s failed after %d attempt(s): %v", e.Type, e.TargetID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Store records notifications for deduplication and delivery bookkeeping.
type Store interface {
	// RecordIfNew inserts n unless a notification with the same dedup key
	// was recorded at or after since. It reports whether n was inserted.
	RecordIfNew(ctx context.Context, n domain.Notification, since string) (bool, error)
	MarkSent(ctx context.Context, id string, attempts int, at string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

type Options struct {
	Store        Store
	Sender       Sender
	Templates    map[string]string
	DedupWindow  time.Duration
	RetryBackoff []time.Duration
	Timeout      time.Duration
	Workers      int
	QueueSize    int
	Logger       *slog.Logger
	Now          func() time.Time
	Sleep        retry.SleepFunc
}

// Dispatcher deduplicates notification requests and delivers them on a
// bounded worker pool. Delivery failures never reach the caller of Notify.
type Dispatcher struct {
	store     Store
	sender    Sender
	templates *TemplateStore
	window    time.Duration
	backoff   []time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	sleep     retry.SleepFunc

	jobs      chan domain.Notification
	workers   int
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("notify: store required")
	}
	if opts.Sender == nil {
		opts.Sender = LogSender{Logger: opts.Logger}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	templates := NewTemplateStore()
	for name, body := range opts.Templates {
		if err := templates.Register(name, body); err != nil {
			return nil, err
		}
	}
	d := &Dispatcher{
		store:     opts.Store,
		sender:    opts.Sender,
		templates: templates,
		window:    opts.DedupWindow,
		backoff:   opts.RetryBackoff,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With(logging.FieldComponent, "notify"),
		now:       opts.Now,
		sleep:     opts.Sleep,
		jobs:      make(chan domain.Notification, opts.QueueSize),
		workers:   opts.Workers,
	}
	d.start()
	return d, nil
}

// DedupKey fingerprints a request: same type, target and work item collapse
// into one notification inside the dedup window.
func DedupKey(typ, targetID, workItemID string) string {
	sum := sha1.Sum([]byte(typ + "|" + targetID + "|" + workItemID))
	return hex.EncodeToString(sum[:])
}

// Notify records req and queues it for delivery. It reports false without
// error when an equivalent notification was recorded within the dedup window.
// The check and the insert are not atomic across processes, so concurrent
// callers may occasionally both send.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (bool, error) {
	req.Type = strings.TrimSpace(req.Type)
	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.Type == "" || req.TargetID == "" {
		return false, errors.New("notify: type and target required")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false, ErrClosed
	}
	now := d.now().UTC()
	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.WorkItemID != "" {
		meta["work_item_id"] = req.WorkItemID
	}
	n := domain.Notification{
		ID:        uuid.NewString(),
		Type:      req.Type,
		TargetID:  req.TargetID,
		DedupKey:  DedupKey(req.Type, req.TargetID, req.WorkItemID),
		Metadata:  meta,
		Status:    domain.NotificationPending,
		CreatedAt: domain.FormatTime(now),
	}
	inserted, err := d.store.RecordIfNew(ctx, n, domain.FormatTime(now.Add(-d.window)))
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	if !inserted {
		d.logger.Debug("notification suppressed", "type", n.Type, "target", n.TargetID, "dedup_key", n.DedupKey)
		return false, nil
	}
	select {
	case d.jobs <- n:
		return true, nil
	default:
		_ = d.store.MarkFailed(context.Background(), n.ID, 0, ErrQueueFull.Error())
		d.logger.Warn("NotificationDispatchFailed", "notification_id", n.ID, "type", n.Type, "target", n.TargetID, "error", ErrQueueFull)
		return false, ErrQueueFull
	}
}

func (d *Dispatcher) start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.workerLoop()
		}
	})
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for n := range d.jobs {
		d.deliver(n)
	}
}

// Close stops accepting requests and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *Dispatcher) deliver(n domain.Notification) {
	ctx := context.Background()
	body, err := d.render(n)
	if err != nil {
		d.fail(ctx, n, 0, err)
		return
	}
	msg := Message{
		ID:         n.ID,
		Type:       n.Type,
		TargetID:   n.TargetID,
		WorkItemID: n.Metadata["work_item_id"],
		Body:       body,
		Metadata:   n.Metadata,
		CreatedAt:  n.CreatedAt,
	}
	attempts, err := retry.Do(ctx, d.backoff, d.sleep, func(int) error {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return d.sender.Send(sendCtx, msg)
	})
	if err != nil {
		d.fail(ctx, n, attempts, err)
		return
	}
	if err := d.store.MarkSent(ctx, n.ID, attempts, domain.FormatTime(d.now())); err != nil {
		d.logger.Warn("mark notification sent", "notification_id", n.ID, "error", err)
	}
	d.logger.Debug("notification sent", "notification_id", n.ID, "type", n.Type, "target", n.TargetID, "attempts", attempts)
}

func (d *Dispatcher) fail(ctx context.Context, n domain.Notification, attempts int, err error) {
	derr := &DispatchError{NotificationID: n.ID, Type: n.Type, TargetID: n.TargetID, Attempts: attempts, Err: err}
	if merr := d.store.MarkFailed(ctx, n.ID, attempts, err.Error()); merr != nil {
		d.logger.Warn("mark notification failed", "notification_id", n.ID, "error", merr)
	}
	d.logger.Error("NotificationDispatchFailed", "notification_id", n.ID, "type", n.Type, "target", n.TargetID, "attempts", attempts, "error", derr)
}

func (d *Dispatcher) render(n domain.Notification) (string, error) {
	data := map[string]string{"type": n.Type, "target_id": n.TargetID}
	for k, v := range n.Metadata {
		data[k] = v
	}
	if _, ok := d.templates.Raw(n.Type); !ok {
		return fallbackBody(n), nil
	}
	return d.templates.Render(n.Type, data)
}

func fallbackBody(n domain.Notification) string {
	if title := n.Metadata["title"]; title != "" {
		return n.Type + ": " + title
	}
	if id := n.Metadata["work_item_id"]; id != "" {
		return n.Type + ": " + id
	}
	return n.Type
}

package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proofreel/internal/domain"
	"proofreel/internal/logging"
)

const (
	defaultInterval = time.Second
	defaultBuffer   = 64
	defaultBatch    = 200
)

var ErrClosed = errors.New("feed closed")

// Source is the audit event table.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, workItemID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	WorkItemID  string
	EntityKinds []string
	Types       []string
}

func (f Filter) Match(e domain.Event) bool {
	if f.WorkItemID != "" && e.WorkItemID != f.WorkItemID {
		return false
	}
	return matchAny(f.EntityKinds, e.EntityKind) && matchAny(f.Types, e.Type)
}

func matchAny(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

type Options struct {
	Interval time.Duration
	Buffer   int
	Batch    int
	Logger   *slog.Logger
}

// Feed polls the event table and fans events out to subscribers. Each
// subscriber has its own cursor, which only advances past events that were
// delivered or filtered out, so a full buffer causes redelivery later.
type Feed struct {
	source   Source
	opts     Options
	logger   *slog.Logger
	presence *Presence

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

type Subscription struct {
	ID      string
	ActorID string
	Filter  Filter

	ch     chan domain.Event
	cursor atomic.Int64
}

// Events delivers matching events in id order. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Cursor is the id of the last event delivered or skipped.
func (s *Subscription) Cursor() int64 { return s.cursor.Load() }

func New(source Source, presence *Presence, opts Options) *Feed {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if presence == nil {
		presence = NewPresence()
	}
	return &Feed{source: source, opts: opts, logger: logger, presence: presence, subs: map[string]*Subscription{}}
}

func (f *Feed) Presence() *Presence { return f.presence }

// Subscribe registers a subscriber starting after event id since. A negative
// since starts at the newest event so only future events are delivered.
func (f *Feed) Subscribe(ctx context.Context, actorID string, filter Filter, since int64) (*Subscription, error) {
	if since < 0 {
		latest, err := f.source.LatestEventID(ctx)
		if err != nil {
			return nil, err
		}
		since = latest
	}
	sub := &Subscription{
		ID:      uuid.NewString(),
		ActorID: actorID,
		Filter:  filter,
		ch:      make(chan domain.Event, f.opts.Buffer),
	}
	sub.cursor.Store(since)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.subs[sub.ID] = sub
	if actorID != "" {
		f.presence.Join(actorID)
	}
	f.logger.Debug("feed subscriber joined", "subscription", sub.ID, logging.FieldActorID, actorID, "cursor", since)
	return sub, nil
}

func (f *Feed) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.ID]; !ok {
		return
	}
	delete(f.subs, sub.ID)
	close(sub.ch)
	if sub.ActorID != "" {
		f.presence.Leave(sub.ActorID)
	}
}

// Poll runs one fan-out pass over every subscriber.
func (f *Feed) Poll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, sub := range f.subs {
		if err := f.pollOne(ctx, sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Feed) pollOne(ctx context.Context, sub *Subscription) error {
	evts, err := f.source.EventsAfter(ctx, f.opts.Batch, sub.cursor.Load(), sub.Filter.WorkItemID)
	if err != nil {
		return err
	}
	for _, evt := range evts {
		if !sub.Filter.Match(evt) {
			sub.cursor.Store(evt.ID)
			continue
		}
		select {
		case sub.ch <- evt:
			sub.cursor.Store(evt.ID)
		default:
			f.logger.Debug("feed subscriber buffer full", "subscription", sub.ID, "cursor", sub.cursor.Load())
			return nil
		}
	}
	return nil
}

// Run polls every interval until ctx ends, then closes all subscriptions.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()
	defer f.close()
	for {
		if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("feed poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
		if sub.ActorID != "" {
			f.presence.Leave(sub.ActorID)
		}
	}
}

package feed

import (
	"context"
	"sync"
	"testing"

	"proofreel/internal/domain"
)

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *memSource) add(typ, workItemID, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, domain.Event{ID: int64(len(s.events) + 1), Type: typ, WorkItemID: workItemID, EntityKind: kind})
}

func (s *memSource) EventsAfter(_ context.Context, limit int, cursor int64, workItemID string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.ID <= cursor || (workItemID != "" && e.WorkItemID != workItemID) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memSource) LatestEventID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func drain(sub *Subscription) []int64 {
	var ids []int64
	for {
		select {
		case e := <-sub.Events():
			ids = append(ids, e.ID)
		default:
			return ids
		}
	}
}

func TestFeedFiltersPerSubscriber(t *testing.T) {
	src := &memSource{}
	f := New(src, nil, Options{})
	ctx := context.Background()
	items, _ := f.Subscribe(ctx, "pm", Filter{WorkItemID: "w1"}, 0)
	links, _ := f.Subscribe(ctx, "client", Filter{EntityKinds: []string{"review_link"}}, 0)

	src.add("work_item.created", "w1", "work_item")
	src.add("work_item.created", "w2", "work_item")
	src.add("review_link.issued", "w2", "review_link")
	if err := f.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := drain(items); len(got) != 1 || got[0] != 1 {
		t.Fatalf("work item subscriber got %v", got)
	}
	if got := drain(links); len(got) != 1 || got[0] != 3 {
		t.Fatalf("link subscriber got %v", got)
	}
	if links.Cursor() != 3 {
		t.Fatalf("filtered events must advance the cursor, got %d", links.Cursor())
	}
}

func TestFullBufferIsRedelivered(t *testing.T) {
	src := &memSource{}
	f := New(src, nil, Options{Buffer: 2})
	ctx := context.Background()
	sub, _ := f.Subscribe(ctx, "", Filter{}, 0)
	for i := 0; i < 5; i++ {
		src.add("delivery.recorded", "w1", "delivery")
	}
	_ = f.Poll(ctx)
	if sub.Cursor() != 2 {
		t.Fatalf("cursor must stop at the last buffered event, got %d", sub.Cursor())
	}
	var got []int64
	for len(got) < 5 {
		got = append(got, drain(sub)...)
		_ = f.Poll(ctx)
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("expected ordered redelivery, got %v", got)
		}
	}
}

func TestSubscribeFromLatest(t *testing.T) {
	src := &memSource{}
	src.add("work_item.created", "w1", "work_item")
	f := New(src, nil, Options{})
	ctx := context.Background()
	sub, err := f.Subscribe(ctx, "", Filter{}, -1)
	if err != nil {
		t.Fatal(err)
	}
	src.add("work_item.transitioned", "w1", "work_item")
	_ = f.Poll(ctx)
	if got := drain(sub); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only new events, got %v", got)
	}
}

func TestPresenceIsReferenceCounted(t *testing.T) {
	src := &memSource{}
	f := New(src, nil, Options{})
	ctx := context.Background()
	a, _ := f.Subscribe(ctx, "client", Filter{}, 0)
	b, _ := f.Subscribe(ctx, "client", Filter{}, 0)
	_, _ = f.Subscribe(ctx, "pm", Filter{}, 0)

	members := f.Presence().List()
	if len(members) != 2 || members[0].ActorID != "client" || members[0].Connections != 2 {
		t.Fatalf("unexpected presence %+v", members)
	}
	f.Unsubscribe(a)
	if m := f.Presence().List(); len(m) != 2 || m[0].Connections != 1 {
		t.Fatalf("client must stay present with one connection: %+v", m)
	}
	f.Unsubscribe(b)
	f.Unsubscribe(b)
	if m := f.Presence().List(); len(m) != 1 || m[0].ActorID != "pm" {
		t.Fatalf("client must have left: %+v", m)
	}
	if _, ok := <-b.Events(); ok {
		t.Fatal("unsubscribed channel must be closed")
	}
}

func TestRunClosesSubscriptions(t *testing.T) {
	f := New(&memSource{}, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := f.Subscribe(ctx, "pm", Filter{}, 0)
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed subscription")
	}
	if _, err := f.Subscribe(context.Background(), "pm", Filter{}, 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if len(f.Presence().List()) != 0 {
		t.Fatal("presence must be empty after shutdown")
	}
}

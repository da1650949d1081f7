package engine

import (
	"testing"
	"time"

	"proofreel/internal/domain"
)

func TestTerminalStatusesAllowNothing(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusCancelled, domain.StatusLate} {
		if got := AllowedActions(s); len(got) != 0 {
			t.Fatalf("%s allows %v", s, got)
		}
	}
}

func TestAllowedActionsOrder(t *testing.T) {
	got := AllowedActions(domain.StatusReviewAdmin)
	want := []Action{ActionSubmit, ActionEscalate, ActionReject, ActionCancel}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestApplySetsDerivedFields(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	w := domain.WorkItem{Status: domain.StatusReviewClient}
	rating := 4
	apply(&w, ActionApprove, domain.StatusCompleted, effect{actorID: "client", rating: &rating, now: now})
	if w.CompletedAt == nil || *w.ValidatedBy != "client" || *w.ValidationRating != 4 {
		t.Fatalf("approve fields missing: %+v", w)
	}

	w = domain.WorkItem{Status: domain.StatusReviewAdmin, RevisionCount: 2}
	apply(&w, ActionReject, domain.StatusRevisionRequested, effect{now: now})
	if w.RevisionCount != 3 {
		t.Fatalf("expected count 3, got %d", w.RevisionCount)
	}

	w = domain.WorkItem{Status: domain.StatusNew}
	apply(&w, ActionSubmit, domain.StatusReviewAdmin, effect{now: now})
	if w.StartedAt == nil {
		t.Fatal("submit from new must stamp started_at")
	}
}

func TestKeyedMutexForgetsIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	if k.size() != 1 {
		t.Fatalf("expected 1 lock")
	}
	unlock()
	if k.size() != 0 {
		t.Fatalf("expected idle key dropped")
	}
}

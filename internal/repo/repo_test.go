package repo_test

import (
	"context"
	"errors"
	"testing"

	"proofreel/internal/db"
	"proofreel/internal/domain"
	"proofreel/internal/migrate"
	"proofreel/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedItem(t *testing.T, r repo.Repo, id string) domain.WorkItem {
	t.Helper()
	w := domain.WorkItem{ID: id, Kind: domain.KindVideo, Title: "cut", Status: domain.StatusActive, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertWorkItem(context.Background(), nil, w); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	got, err := r.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return got
}

func TestUpdateWorkItemCompareAndSet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := seedItem(t, r, "wi-1")
	if w.RowVersion != 1 {
		t.Fatalf("expected row version 1, got %d", w.RowVersion)
	}
	stale := w
	w.Status = domain.StatusReviewAdmin
	next, err := r.UpdateWorkItem(ctx, nil, w)
	if err != nil || next != 2 {
		t.Fatalf("first update: %d %v", next, err)
	}
	stale.Status = domain.StatusCancelled
	if _, err := r.UpdateWorkItem(ctx, nil, stale); !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	got, _ := r.GetWorkItem(ctx, "wi-1")
	if got.Status != domain.StatusReviewAdmin {
		t.Fatalf("stale write must not land, got %s", got.Status)
	}
}

func TestDeliveriesAreImmutableAndVersionsUnique(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedItem(t, r, "wi-1")
	v, err := r.NextDeliveryVersion(ctx, nil, "wi-1")
	if err != nil || v != 1 {
		t.Fatalf("next version: %d %v", v, err)
	}
	url := "https://example.com/cut"
	d := domain.Delivery{ID: "d1", WorkItemID: "wi-1", VersionNumber: 1, Type: domain.DeliveryLink, URL: &url, SubmittedBy: "ed", SubmittedAt: ts}
	if err := r.InsertDelivery(ctx, nil, d); err != nil {
		t.Fatalf("insert: %v", err)
	}
	d.ID = "d2"
	if err := r.InsertDelivery(ctx, nil, d); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate version, got %v", err)
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE deliveries SET notes='x' WHERE id='d1'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if err := r.DeleteWorkItem(ctx, nil, "wi-1"); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if _, err := r.GetDelivery(ctx, nil, "d1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected cascade delete, got %v", err)
	}
}

func TestFeedbackUniquePerLink(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedItem(t, r, "wi-1")
	url := "https://example.com/cut"
	if err := r.InsertDelivery(ctx, nil, domain.Delivery{ID: "d1", WorkItemID: "wi-1", VersionNumber: 1, Type: domain.DeliveryLink, URL: &url, SubmittedBy: "ed", SubmittedAt: ts}); err != nil {
		t.Fatal(err)
	}
	link := domain.ReviewLink{ID: "l1", WorkItemID: "wi-1", DeliveryID: "d1", DeliveryVersion: 1, Token: "tok", IssuedBy: "pm", IssuedAt: ts, ExpiresAt: "2024-01-08T00:00:00Z", IsActive: true}
	if err := r.InsertReviewLink(ctx, nil, link); err != nil {
		t.Fatal(err)
	}
	fb := domain.Feedback{ID: "f1", ReviewLinkID: "l1", DeliveryID: "d1", WorkItemID: "wi-1", Decision: domain.DecisionApproved, ReviewedAt: ts}
	if err := r.InsertFeedback(ctx, nil, fb); err != nil {
		t.Fatalf("insert feedback: %v", err)
	}
	fb.ID = "f2"
	if err := r.InsertFeedback(ctx, nil, fb); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := r.RecordReviewLinkView(ctx, "l1", ts); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetReviewLinkByToken(ctx, nil, "tok")
	if err != nil || got.ViewsCount != 1 || got.LastViewedAt == nil {
		t.Fatalf("view not recorded: %+v %v", got, err)
	}
}

func TestCountWorkItemsByStatus(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedItem(t, r, "wi-1")
	seedItem(t, r, "wi-2")
	w := seedItem(t, r, "wi-3")
	w.Status = domain.StatusCancelled
	if _, err := r.UpdateWorkItem(ctx, nil, w); err != nil {
		t.Fatalf("update: %v", err)
	}
	counts, err := r.CountWorkItemsByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if len(counts) != 2 || counts[string(domain.StatusActive)] != 2 || counts[string(domain.StatusCancelled)] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"proofreel/internal/config"
	"proofreel/internal/db"
	"proofreel/internal/domain"
	"proofreel/internal/migrate"
)

func newInternalEngine(t *testing.T) (Engine, domain.WorkItem) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default())
	w, err := e.CreateWorkItem(context.Background(), WorkItemCreateOptions{
		Kind:    domain.KindDesign,
		Title:   "Poster",
		OwnerID: "pm",
		ActorID: "pm",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return e, w
}

// bumpRowVersion stands in for another process committing a write between
// our read and our compare-and-set.
func bumpRowVersion(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET row_version=row_version+1 WHERE id=?`, id)
	return err
}

func TestWithItemRetriesLostWriteOnce(t *testing.T) {
	e, w := newInternalEngine(t)
	ctx := context.Background()
	calls := 0
	got, err := e.withItem(ctx, w.ID, func(tx *sql.Tx, item *domain.WorkItem) error {
		calls++
		if calls == 1 {
			if err := bumpRowVersion(ctx, tx, item.ID); err != nil {
				return err
			}
		}
		item.Title = "Poster v2"
		return nil
	})
	if err != nil {
		t.Fatalf("write after one conflict must succeed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", calls)
	}
	stored, err := e.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Title != "Poster v2" || stored.RowVersion != w.RowVersion+1 || got.RowVersion != stored.RowVersion {
		t.Fatalf("unexpected stored item %+v (returned %d)", stored, got.RowVersion)
	}
}

func TestWithItemGivesUpAfterSecondConflict(t *testing.T) {
	e, w := newInternalEngine(t)
	ctx := context.Background()
	calls := 0
	_, err := e.withItem(ctx, w.ID, func(tx *sql.Tx, item *domain.WorkItem) error {
		calls++
		item.Title = "lost"
		return bumpRowVersion(ctx, tx, item.ID)
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}
	stored, _ := e.GetWorkItem(ctx, w.ID)
	if stored.Title != "Poster" || stored.RowVersion != w.RowVersion {
		t.Fatalf("conflicted writes must not land: %+v", stored)
	}
}

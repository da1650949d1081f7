package notify

import (
	"context"

	"proofreel/internal/domain"
	"proofreel/internal/repo"
)

// SQLStore keeps the dispatch log in the notifications table.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) RecordIfNew(ctx context.Context, n domain.Notification, since string) (bool, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	exists, err := s.Repo.RecentNotificationExists(ctx, tx, n.DedupKey, since)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.Repo.InsertNotification(ctx, tx, n); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s SQLStore) MarkSent(ctx context.Context, id string, attempts int, at string) error {
	return s.Repo.MarkNotificationSent(ctx, id, attempts, at)
}

func (s SQLStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.Repo.MarkNotificationFailed(ctx, id, attempts, lastErr)
}

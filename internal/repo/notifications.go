package repo

import (
	"context"
	"database/sql"

	"proofreel/internal/domain"
)

const notificationColumns = `id,type,target_id,dedup_key,metadata_json,status,attempts,last_error,created_at,sent_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var meta, lastErr, sentAt sql.NullString
	err := row.Scan(&n.ID, &n.Type, &n.TargetID, &n.DedupKey, &meta, &n.Status, &n.Attempts, &lastErr, &n.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.LastError = lastErr.String
	n.SentAt = strPtr(sentAt)
	n.Metadata, err = unmarshalMap(meta)
	return n, err
}

// RecentNotificationExists reports whether a notification with the dedup key
// was recorded at or after since and is pending or sent. Failed rows do not
// count, so a later trigger dispatches again.
func (r Repo) RecentNotificationExists(ctx context.Context, tx *sql.Tx, dedupKey, since string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE dedup_key=? AND created_at>=? AND status IN (?,?)`,
		dedupKey, since, domain.NotificationPending, domain.NotificationSent).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	meta, err := marshalMap(n.Metadata)
	if err != nil {
		return err
	}
	if n.Status == "" {
		n.Status = domain.NotificationPending
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Type, n.TargetID, n.DedupKey, meta, n.Status, n.Attempts, nullable(n.LastError), n.CreatedAt, nullableStringPtr(n.SentAt))
	return err
}

func (r Repo) MarkNotificationSent(ctx context.Context, id string, attempts int, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, attempts=?, last_error=NULL, sent_at=? WHERE id=?`,
		domain.NotificationSent, attempts, at, id)
	return err
}

func (r Repo) MarkNotificationFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, attempts=?, last_error=? WHERE id=?`,
		domain.NotificationFailed, attempts, nullable(lastErr), id)
	return err
}

// ListNotifications returns notifications newest first, optionally for one target.
func (r Repo) ListNotifications(ctx context.Context, targetID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	var args []any
	if targetID != "" {
		query += ` WHERE target_id=?`
		args = append(args, targetID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// PruneNotifications deletes rows created before the cutoff.
func (r Repo) PruneNotifications(ctx context.Context, before string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notifications WHERE created_at<?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

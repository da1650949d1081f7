package repo

import (
	"context"
	"database/sql"

	"proofreel/internal/domain"
)

const reviewLinkColumns = `id,work_item_id,delivery_id,delivery_version,token,client_id,issued_by,issued_at,expires_at,is_active,views_count,last_viewed_at`

func scanReviewLink(row rowScanner) (domain.ReviewLink, error) {
	var l domain.ReviewLink
	var clientID, lastViewed sql.NullString
	var active int
	err := row.Scan(&l.ID, &l.WorkItemID, &l.DeliveryID, &l.DeliveryVersion, &l.Token, &clientID, &l.IssuedBy, &l.IssuedAt, &l.ExpiresAt,
		&active, &l.ViewsCount, &lastViewed)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ClientID = strPtr(clientID)
	l.LastViewedAt = strPtr(lastViewed)
	l.IsActive = active != 0
	return l, nil
}

func (r Repo) InsertReviewLink(ctx context.Context, tx *sql.Tx, l domain.ReviewLink) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO review_links(`+reviewLinkColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.WorkItemID, l.DeliveryID, l.DeliveryVersion, l.Token, nullableStringPtr(l.ClientID), l.IssuedBy, l.IssuedAt, l.ExpiresAt,
		boolInt(l.IsActive), l.ViewsCount, nullableStringPtr(l.LastViewedAt))
	return err
}

// DeactivateReviewLinks marks every active link of the item inactive and
// returns how many were changed.
func (r Repo) DeactivateReviewLinks(ctx context.Context, tx *sql.Tx, workItemID string) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE review_links SET is_active=0 WHERE work_item_id=? AND is_active=1`, workItemID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) GetReviewLinkByToken(ctx context.Context, tx *sql.Tx, token string) (domain.ReviewLink, error) {
	return scanReviewLink(r.on(tx).QueryRowContext(ctx, `SELECT `+reviewLinkColumns+` FROM review_links WHERE token=?`, token))
}

// CurrentReviewLink returns the most recently issued active link of the item.
// Callers still check expiry.
func (r Repo) CurrentReviewLink(ctx context.Context, tx *sql.Tx, workItemID string) (domain.ReviewLink, error) {
	return scanReviewLink(r.on(tx).QueryRowContext(ctx, `SELECT `+reviewLinkColumns+` FROM review_links WHERE work_item_id=? AND is_active=1 ORDER BY issued_at DESC, rowid DESC LIMIT 1`, workItemID))
}

// NewerReviewLinkExists reports whether a link for the same item was issued
// after l.
func (r Repo) NewerReviewLinkExists(ctx context.Context, tx *sql.Tx, l domain.ReviewLink) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM review_links WHERE work_item_id=? AND id<>? AND (issued_at > ? OR (issued_at = ? AND rowid > (SELECT rowid FROM review_links WHERE id=?)))`,
		l.WorkItemID, l.ID, l.IssuedAt, l.IssuedAt, l.ID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListReviewLinks(ctx context.Context, workItemID string) ([]domain.ReviewLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewLinkColumns+` FROM review_links WHERE work_item_id=? ORDER BY issued_at DESC, rowid DESC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewLink
	for rows.Next() {
		l, err := scanReviewLink(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// RecordReviewLinkView bumps the view counter without a read-modify-write.
func (r Repo) RecordReviewLinkView(ctx context.Context, id, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE review_links SET views_count=views_count+1, last_viewed_at=? WHERE id=?`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

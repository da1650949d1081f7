package repo

import (
	"context"
	"database/sql"

	"proofreel/internal/domain"
)

const feedbackColumns = `id,review_link_id,delivery_id,work_item_id,decision,rating,notes,reviewer,reviewed_at`

func scanFeedback(row rowScanner) (domain.Feedback, error) {
	var f domain.Feedback
	var rating sql.NullInt64
	var notes, reviewer sql.NullString
	err := row.Scan(&f.ID, &f.ReviewLinkID, &f.DeliveryID, &f.WorkItemID, &f.Decision, &rating, &notes, &reviewer, &f.ReviewedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Rating = intPtr(rating)
	f.Notes = notes.String
	f.Reviewer = reviewer.String
	return f, nil
}

// InsertFeedback returns ErrDuplicate when the link already carries feedback.
func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.Feedback) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO feedback(`+feedbackColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		f.ID, f.ReviewLinkID, f.DeliveryID, f.WorkItemID, f.Decision, nullableIntPtr(f.Rating), nullable(f.Notes), nullable(f.Reviewer), f.ReviewedAt)
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) FeedbackForLink(ctx context.Context, tx *sql.Tx, reviewLinkID string) (domain.Feedback, error) {
	return scanFeedback(r.on(tx).QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE review_link_id=?`, reviewLinkID))
}

func (r Repo) ListFeedback(ctx context.Context, workItemID string) ([]domain.Feedback, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE work_item_id=? ORDER BY reviewed_at ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

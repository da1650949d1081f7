package repo

import (
	"context"
	"database/sql"

	"proofreel/internal/domain"
)

const deliveryColumns = `id,work_item_id,version_number,delivery_type,media_handle,url,link_kind,notes,submitted_by,late,submitted_at`

func scanDelivery(row rowScanner) (domain.Delivery, error) {
	var d domain.Delivery
	var handle, url, linkKind, notes sql.NullString
	var late int
	err := row.Scan(&d.ID, &d.WorkItemID, &d.VersionNumber, &d.Type, &handle, &url, &linkKind, &notes, &d.SubmittedBy, &late, &d.SubmittedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.MediaHandle = strPtr(handle)
	d.URL = strPtr(url)
	d.LinkKind = strPtr(linkKind)
	d.Notes = notes.String
	d.Late = late != 0
	return d, nil
}

// NextDeliveryVersion returns max(version)+1 for the item. Call it inside the
// transaction that inserts the delivery.
func (r Repo) NextDeliveryVersion(ctx context.Context, tx *sql.Tx, workItemID string) (int, error) {
	var v int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM deliveries WHERE work_item_id=?`, workItemID).Scan(&v)
	return v, err
}

// InsertDelivery returns ErrDuplicate when the version number is taken.
func (r Repo) InsertDelivery(ctx context.Context, tx *sql.Tx, d domain.Delivery) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO deliveries(`+deliveryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.WorkItemID, d.VersionNumber, d.Type, nullableStringPtr(d.MediaHandle), nullableStringPtr(d.URL), nullableStringPtr(d.LinkKind),
		nullable(d.Notes), d.SubmittedBy, boolInt(d.Late), d.SubmittedAt)
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetDelivery(ctx context.Context, tx *sql.Tx, id string) (domain.Delivery, error) {
	return scanDelivery(r.on(tx).QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id=?`, id))
}

func (r Repo) GetDeliveryByVersion(ctx context.Context, tx *sql.Tx, workItemID string, version int) (domain.Delivery, error) {
	return scanDelivery(r.on(tx).QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE work_item_id=? AND version_number=?`, workItemID, version))
}

func (r Repo) LatestDelivery(ctx context.Context, tx *sql.Tx, workItemID string) (domain.Delivery, error) {
	return scanDelivery(r.on(tx).QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE work_item_id=? ORDER BY version_number DESC LIMIT 1`, workItemID))
}

// ListDeliveries returns the item's deliveries by ascending version.
func (r Repo) ListDeliveries(ctx context.Context, workItemID string) ([]domain.Delivery, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE work_item_id=? ORDER BY version_number ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// MediaHandles lists the media handles referenced by the item's deliveries.
func (r Repo) MediaHandles(ctx context.Context, tx *sql.Tx, workItemID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT media_handle FROM deliveries WHERE work_item_id=? AND media_handle IS NOT NULL ORDER BY version_number`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

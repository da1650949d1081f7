package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"proofreel/internal/domain"
)

const workItemColumns = `id,kind,title,project_ref,owner_id,client_id,assignee_id,deadline,status,revision_count,metadata_json,started_at,completed_at,validated_by,validation_rating,row_version,created_at,updated_at`

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var projectRef, ownerID, clientID, assigneeID, deadline, metadata, startedAt, completedAt, validatedBy sql.NullString
	var rating sql.NullInt64
	err := row.Scan(&w.ID, &w.Kind, &w.Title, &projectRef, &ownerID, &clientID, &assigneeID, &deadline, &w.Status, &w.RevisionCount,
		&metadata, &startedAt, &completedAt, &validatedBy, &rating, &w.RowVersion, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ProjectRef = strPtr(projectRef)
	w.OwnerID = strPtr(ownerID)
	w.ClientID = strPtr(clientID)
	w.AssigneeID = strPtr(assigneeID)
	w.Deadline = strPtr(deadline)
	w.StartedAt = strPtr(startedAt)
	w.CompletedAt = strPtr(completedAt)
	w.ValidatedBy = strPtr(validatedBy)
	w.ValidationRating = intPtr(rating)
	if w.Metadata, err = unmarshalMap(metadata); err != nil {
		return w, fmt.Errorf("work item %s metadata: %w", w.ID, err)
	}
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	meta, err := marshalMap(w.Metadata)
	if err != nil {
		return err
	}
	if w.RowVersion == 0 {
		w.RowVersion = 1
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Kind, w.Title, nullableStringPtr(w.ProjectRef), nullableStringPtr(w.OwnerID), nullableStringPtr(w.ClientID),
		nullableStringPtr(w.AssigneeID), nullableStringPtr(w.Deadline), w.Status, w.RevisionCount, meta,
		nullableStringPtr(w.StartedAt), nullableStringPtr(w.CompletedAt), nullableStringPtr(w.ValidatedBy), nullableIntPtr(w.ValidationRating),
		w.RowVersion, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.GetWorkItemTx(ctx, nil, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.on(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

// UpdateWorkItem writes w if the stored row_version still equals
// w.RowVersion, and returns the new row version. A lost race yields
// ErrVersionConflict.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) (int64, error) {
	meta, err := marshalMap(w.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE work_items SET title=?, project_ref=?, owner_id=?, client_id=?, assignee_id=?, deadline=?, status=?, revision_count=?, metadata_json=?,
started_at=?, completed_at=?, validated_by=?, validation_rating=?, updated_at=?, row_version=row_version+1 WHERE id=? AND row_version=?`,
		w.Title, nullableStringPtr(w.ProjectRef), nullableStringPtr(w.OwnerID), nullableStringPtr(w.ClientID), nullableStringPtr(w.AssigneeID),
		nullableStringPtr(w.Deadline), w.Status, w.RevisionCount, meta, nullableStringPtr(w.StartedAt), nullableStringPtr(w.CompletedAt),
		nullableStringPtr(w.ValidatedBy), nullableIntPtr(w.ValidationRating), w.UpdatedAt, w.ID, w.RowVersion)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrVersionConflict
	}
	return w.RowVersion + 1, nil
}

func (r Repo) DeleteWorkItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type WorkItemFilters struct {
	Kind       string
	Status     string
	OwnerID    string
	ClientID   string
	AssigneeID string
	ProjectRef string
	// LateAt selects new/active items whose deadline is before this
	// timestamp. It replaces Status when set.
	LateAt          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.LateAt != "" {
		clauses = append(clauses, "status IN ('new','active') AND deadline IS NOT NULL AND deadline < ?")
		args = append(args, f.LateAt)
	} else if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ProjectRef != "" {
		clauses = append(clauses, "project_ref=?")
		args = append(args, f.ProjectRef)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// CountWorkItemsByStatus returns stored status counts.
func (r Repo) CountWorkItemsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

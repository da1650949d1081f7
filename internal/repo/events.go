package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"proofreel/internal/domain"
)

const eventColumns = `id,ts,type,work_item_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var workItemID, entityID, payload sql.NullString
	if err := row.Scan(&e.ID, &e.TS, &e.Type, &workItemID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	e.WorkItemID = workItemID.String
	e.EntityID = entityID.String
	e.Payload = payload.String
	return e, nil
}

type EventFilters struct {
	WorkItemID string
	Type       string
	EntityKind string
	EntityID   string
	// Cursor returns events with ids strictly below it.
	Cursor int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, workItemID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if workItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, workItemID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

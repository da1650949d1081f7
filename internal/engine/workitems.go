package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"proofreel/internal/domain"
	"proofreel/internal/events"
	"proofreel/internal/notify"
	"proofreel/internal/repo"
)

// WorkItemCreateOptions are parameters for creating a work item.
type WorkItemCreateOptions struct {
	ID         string
	Kind       domain.Kind
	Title      string
	ProjectRef string
	OwnerID    string
	ClientID   string
	AssigneeID string
	// Deadline is RFC3339; empty means none.
	Deadline string
	Metadata map[string]string
	ActorID  string
}

func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if !opts.Kind.Valid() {
		return domain.WorkItem{}, invalidf("kind must be video or design")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, invalidf("title is required")
	}
	if opts.Deadline != "" {
		d, err := domain.ParseTime(opts.Deadline)
		if err != nil {
			return domain.WorkItem{}, invalidf("deadline must be RFC3339: %v", err)
		}
		opts.Deadline = domain.FormatTime(d)
	}
	now := domain.FormatTime(e.now())
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	owner := opts.OwnerID
	if owner == "" {
		owner = opts.ActorID
	}
	w := domain.WorkItem{
		ID:         id,
		Kind:       opts.Kind,
		Title:      strings.TrimSpace(opts.Title),
		ProjectRef: optionalString(opts.ProjectRef),
		OwnerID:    optionalString(owner),
		ClientID:   optionalString(opts.ClientID),
		AssigneeID: optionalString(opts.AssigneeID),
		Deadline:   optionalString(opts.Deadline),
		Status:     domain.StatusNew,
		Metadata:   opts.Metadata,
		RowVersion: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.WorkItem{}, invalidf("work item %s already exists", id)
		}
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "work_item.created", w.ID, "work_item", w.ID, opts.ActorID, events.EventPayload{
		"kind": w.Kind, "title": w.Title, "status": w.Status, "deadline": deref(w.Deadline),
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w.Derive(e.now()), nil
}

func (e Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	w, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return w, err
	}
	return w.Derive(e.now()), nil
}

// ListWorkItems lists items newest first. Filtering on status "late" selects
// items whose derived status is late.
func (e Engine) ListWorkItems(ctx context.Context, f repo.WorkItemFilters) ([]domain.WorkItem, error) {
	if f.Status == string(domain.StatusLate) {
		f.Status = ""
		f.LateAt = domain.FormatTime(e.now())
	} else if f.Status != "" && !domain.Status(f.Status).Valid() {
		return nil, invalidf("unknown status %q", f.Status)
	}
	items, err := e.Repo.ListWorkItems(ctx, f)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := range items {
		items[i] = items[i].Derive(now)
	}
	return items, nil
}

// AssignWorkItem sets or clears the assignee of a non-terminal item and
// notifies the new assignee.
func (e Engine) AssignWorkItem(ctx context.Context, id, assigneeID, actorID string) (domain.WorkItem, error) {
	var previous string
	w, err := e.withItem(ctx, id, func(tx *sql.Tx, w *domain.WorkItem) error {
		if w.Status.IsTerminal() {
			return TransitionError{WorkItemID: w.ID, From: w.Status, Action: "assign"}
		}
		previous = deref(w.AssigneeID)
		w.AssigneeID = optionalString(assigneeID)
		return e.Events.Append(ctx, tx, "work_item.assigned", w.ID, "work_item", w.ID, actorID, events.EventPayload{
			"from": previous, "to": deref(w.AssigneeID),
		})
	})
	if err != nil {
		return w, err
	}
	if w.AssigneeID != nil && *w.AssigneeID != previous {
		e.notify(ctx, notify.Request{
			Type: notify.TypeWorkAssigned, TargetID: *w.AssigneeID, WorkItemID: w.ID,
			Metadata: map[string]string{"title": w.Title, "actor_id": actorID},
		})
	}
	return w, nil
}

// DeleteWorkItem removes the item with its deliveries, links and feedback.
// It returns the media handles the deliveries referenced so the caller can
// delete the hosted assets.
func (e Engine) DeleteWorkItem(ctx context.Context, id, actorID string) ([]string, error) {
	unlock := e.lockItem(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	handles, err := e.Repo.MediaHandles(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.DeleteWorkItem(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.deleted", w.ID, "work_item", w.ID, actorID, events.EventPayload{
		"title": w.Title, "status": w.Status, "media_handles": handles,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return handles, nil
}

// History returns the item's audit events, newest first.
func (e Engine) History(ctx context.Context, id string, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetWorkItem(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{WorkItemID: id, Limit: limit})
}

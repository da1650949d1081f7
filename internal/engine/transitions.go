package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"proofreel/internal/domain"
	"proofreel/internal/events"
	"proofreel/internal/notify"
)

type TransitionOptions struct {
	WorkItemID string
	Action     Action
	ActorID    string
	// Rating (1-5) is recorded on approve.
	Rating *int
	Notes  string
	// ExpectedVersion, when non-zero, must match the stored row_version.
	ExpectedVersion int64
	// LinkTTL overrides the review link TTL issued on escalate.
	LinkTTL time.Duration
}

// Transition applies an action to a work item. Submitting happens through
// RecordDelivery, which carries the delivery the submission is about.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.WorkItem, error) {
	if !opts.Action.Valid() {
		return domain.WorkItem{}, invalidf("unknown action %q", opts.Action)
	}
	if opts.Action == ActionSubmit {
		return domain.WorkItem{}, invalidf("submit by recording a delivery")
	}
	if err := validateRating(opts.Rating); err != nil {
		return domain.WorkItem{}, err
	}
	var (
		from domain.Status
		link domain.ReviewLink
	)
	w, err := e.withItem(ctx, opts.WorkItemID, func(tx *sql.Tx, w *domain.WorkItem) error {
		if opts.ExpectedVersion != 0 && opts.ExpectedVersion != w.RowVersion {
			return fmt.Errorf("%w: expected row version %d, stored %d", ErrVersionConflict, opts.ExpectedVersion, w.RowVersion)
		}
		from = w.Status
		if err := e.transitionTx(ctx, tx, w, opts.Action, opts.ActorID, opts.Rating, opts.Notes); err != nil {
			return err
		}
		switch opts.Action {
		case ActionEscalate:
			var err error
			link, err = e.issueLinkTx(ctx, tx, w, 0, opts.LinkTTL, opts.ActorID)
			return err
		case ActionCancel:
			_, err := e.Repo.DeactivateReviewLinks(ctx, tx, w.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	e.log(ctx).Info("work item transitioned", "work_item_id", w.ID, "action", opts.Action, "from", from, "to", w.Status)
	e.notifyTransition(ctx, w, opts.Action, link, opts.Notes, opts.Rating)
	return w, nil
}

// transitionTx validates and applies action to w and appends the audit event.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, action Action, actorID string, rating *int, notes string) error {
	to, ok := Next(w.Status, action)
	if !ok {
		return TransitionError{WorkItemID: w.ID, From: w.Status, Action: string(action)}
	}
	from := w.Status
	apply(w, action, to, effect{actorID: actorID, rating: rating, now: e.now()})
	payload := events.EventPayload{
		"action": action, "from": from, "to": to, "revision_count": w.RevisionCount,
	}
	if notes != "" {
		payload["notes"] = notes
	}
	if rating != nil {
		payload["rating"] = *rating
	}
	return e.Events.Append(ctx, tx, "work_item.transitioned", w.ID, "work_item", w.ID, actorID, payload)
}

func (e Engine) notifyTransition(ctx context.Context, w domain.WorkItem, action Action, link domain.ReviewLink, notes string, rating *int) {
	meta := map[string]string{"title": w.Title}
	if notes != "" {
		meta["notes"] = notes
	}
	if rating != nil {
		meta["rating"] = strconv.Itoa(*rating)
	}
	switch action {
	case ActionEscalate:
		meta["review_url"] = e.ReviewURL(link.Token)
		meta["version"] = strconv.Itoa(link.DeliveryVersion)
		meta["expires_at"] = link.ExpiresAt
		e.notify(ctx, notify.Request{Type: notify.TypeReviewRequested, TargetID: deref(w.ClientID), WorkItemID: w.ID, Metadata: meta})
	case ActionReject, ActionRequestRevision:
		e.notify(ctx, notify.Request{Type: notify.TypeRevisionRequested, TargetID: producer(w), WorkItemID: w.ID, Metadata: meta})
	case ActionApprove:
		e.notify(ctx, notify.Request{Type: notify.TypeWorkApproved, TargetID: producer(w), WorkItemID: w.ID, Metadata: meta})
	}
}

// producer is who gets told about review outcomes: the assignee, or the
// owner when nobody is assigned.
func producer(w domain.WorkItem) string {
	if w.AssigneeID != nil && *w.AssigneeID != "" {
		return *w.AssigneeID
	}
	return deref(w.OwnerID)
}

func validateRating(r *int) error {
	if r != nil && (*r < 1 || *r > 5) {
		return invalidf("rating must be between 1 and 5")
	}
	return nil
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"proofreel/internal/domain"
	"proofreel/internal/events"
	"proofreel/internal/notify"
	"proofreel/internal/repo"
)

type FeedbackOptions struct {
	Token    string
	Decision domain.Decision
	Rating   *int
	Notes    string
	Reviewer string
}

// SubmitFeedback records the client's decision on a review link and applies
// approve or request_revision to the work item in the same transaction. A
// link accepts one feedback.
func (e Engine) SubmitFeedback(ctx context.Context, opts FeedbackOptions) (domain.Feedback, domain.WorkItem, error) {
	if !opts.Decision.Valid() {
		return domain.Feedback{}, domain.WorkItem{}, invalidf("decision must be approved or revision_requested")
	}
	if err := validateRating(opts.Rating); err != nil {
		return domain.Feedback{}, domain.WorkItem{}, err
	}
	action := ActionApprove
	if opts.Decision == domain.DecisionRevisionRequested {
		action = ActionRequestRevision
	}
	link, err := e.resolveLink(ctx, nil, opts.Token)
	if link.ID != "" {
		if _, ferr := e.Repo.FeedbackForLink(ctx, nil, link.ID); ferr == nil {
			return domain.Feedback{}, domain.WorkItem{}, ErrDuplicateFeedback
		} else if !errors.Is(ferr, repo.ErrNotFound) {
			return domain.Feedback{}, domain.WorkItem{}, ferr
		}
		// A finished item refuses decisions whatever state its links are in.
		item, gerr := e.Repo.GetWorkItem(ctx, link.WorkItemID)
		if gerr != nil {
			return domain.Feedback{}, domain.WorkItem{}, gerr
		}
		if item.Status.IsTerminal() {
			return domain.Feedback{}, domain.WorkItem{}, TransitionError{WorkItemID: item.ID, From: item.Status, Action: string(action)}
		}
	}
	if err != nil {
		return domain.Feedback{}, domain.WorkItem{}, err
	}

	actor := strings.TrimSpace(deref(link.ClientID))
	if actor == "" {
		actor = "client"
	}
	var fb domain.Feedback
	w, err := e.withItem(ctx, link.WorkItemID, func(tx *sql.Tx, w *domain.WorkItem) error {
		// Another submission may have won while we waited on the lock.
		if _, err := e.Repo.FeedbackForLink(ctx, tx, link.ID); err == nil {
			return ErrDuplicateFeedback
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if w.Status.IsTerminal() {
			return TransitionError{WorkItemID: w.ID, From: w.Status, Action: string(action)}
		}
		if _, err := e.resolveLink(ctx, tx, opts.Token); err != nil {
			return err
		}
		fb = domain.Feedback{
			ID:           uuid.NewString(),
			ReviewLinkID: link.ID,
			DeliveryID:   link.DeliveryID,
			WorkItemID:   w.ID,
			Decision:     opts.Decision,
			Rating:       opts.Rating,
			Notes:        strings.TrimSpace(opts.Notes),
			Reviewer:     strings.TrimSpace(opts.Reviewer),
			ReviewedAt:   domain.FormatTime(e.now()),
		}
		if err := e.Repo.InsertFeedback(ctx, tx, fb); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateFeedback
			}
			return fmt.Errorf("insert feedback: %w", err)
		}
		if err := e.transitionTx(ctx, tx, w, action, actor, opts.Rating, fb.Notes); err != nil {
			return err
		}
		payload := events.EventPayload{"decision": fb.Decision, "delivery_version": link.DeliveryVersion}
		if fb.Rating != nil {
			payload["rating"] = *fb.Rating
		}
		return e.Events.Append(ctx, tx, "feedback.submitted", w.ID, "feedback", fb.ID, actor, payload)
	})
	if err != nil {
		return domain.Feedback{}, w, err
	}
	e.log(ctx).Info("feedback submitted", "work_item_id", w.ID, "decision", fb.Decision, "status", w.Status)

	meta := map[string]string{"title": w.Title, "version": strconv.Itoa(link.DeliveryVersion)}
	if fb.Notes != "" {
		meta["notes"] = fb.Notes
	}
	if fb.Rating != nil {
		meta["rating"] = strconv.Itoa(*fb.Rating)
	}
	typ := notify.TypeWorkApproved
	if action == ActionRequestRevision {
		typ = notify.TypeRevisionRequested
	}
	e.notify(ctx, notify.Request{Type: typ, TargetID: producer(w), WorkItemID: w.ID, Metadata: meta})
	return fb, w, nil
}

func (e Engine) ListFeedback(ctx context.Context, workItemID string) ([]domain.Feedback, error) {
	if _, err := e.Repo.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	return e.Repo.ListFeedback(ctx, workItemID)
}

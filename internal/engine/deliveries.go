package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proofreel/internal/domain"
	"proofreel/internal/events"
	"proofreel/internal/notify"
	"proofreel/internal/repo"
)

type DeliveryOptions struct {
	WorkItemID  string
	Type        domain.DeliveryType
	MediaHandle string
	URL         string
	LinkKind    string
	Notes       string
	ActorID     string
}

func (o DeliveryOptions) validate() error {
	switch o.Type {
	case domain.DeliveryFile:
		if strings.TrimSpace(o.MediaHandle) == "" {
			return invalidf("file delivery requires a media handle")
		}
		if o.URL != "" {
			return invalidf("file delivery must not carry a url")
		}
	case domain.DeliveryLink:
		u, err := url.Parse(strings.TrimSpace(o.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalidf("link delivery requires an http(s) url")
		}
		if o.MediaHandle != "" {
			return invalidf("link delivery must not carry a media handle")
		}
	default:
		return invalidf("delivery type must be file or link")
	}
	return nil
}

// RecordDelivery stores the next version of the item's work and submits it
// for internal review. The version is max+1, computed in the same
// transaction as the insert while the item is locked.
func (e Engine) RecordDelivery(ctx context.Context, opts DeliveryOptions) (domain.Delivery, domain.WorkItem, error) {
	if err := opts.validate(); err != nil {
		return domain.Delivery{}, domain.WorkItem{}, err
	}
	var d domain.Delivery
	w, err := e.withItem(ctx, opts.WorkItemID, func(tx *sql.Tx, w *domain.WorkItem) error {
		if _, ok := Next(w.Status, ActionSubmit); !ok {
			return TransitionError{WorkItemID: w.ID, From: w.Status, Action: string(ActionSubmit)}
		}
		version, err := e.Repo.NextDeliveryVersion(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		now := e.now()
		d = domain.Delivery{
			ID:            uuid.NewString(),
			WorkItemID:    w.ID,
			VersionNumber: version,
			Type:          opts.Type,
			MediaHandle:   optionalString(opts.MediaHandle),
			URL:           optionalString(opts.URL),
			Notes:         strings.TrimSpace(opts.Notes),
			SubmittedBy:   opts.ActorID,
			Late:          pastDeadline(w.Deadline, now),
			SubmittedAt:   domain.FormatTime(now),
		}
		if opts.Type == domain.DeliveryLink {
			kind := opts.LinkKind
			if kind == "" {
				kind = "external"
			}
			d.LinkKind = &kind
		}
		if d.SubmittedBy == "" {
			d.SubmittedBy = "system"
		}
		if err := e.Repo.InsertDelivery(ctx, tx, d); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return fmt.Errorf("delivery version %d for %s: %w", version, w.ID, ErrVersionConflict)
			}
			return fmt.Errorf("insert delivery: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "delivery.recorded", w.ID, "delivery", d.ID, opts.ActorID, events.EventPayload{
			"version": d.VersionNumber, "type": d.Type, "late": d.Late,
		}); err != nil {
			return err
		}
		return e.transitionTx(ctx, tx, w, ActionSubmit, opts.ActorID, nil, "")
	})
	if err != nil {
		return domain.Delivery{}, w, err
	}
	e.log(ctx).Info("delivery recorded", "work_item_id", w.ID, "version", d.VersionNumber, "late", d.Late)
	e.notify(ctx, notify.Request{
		Type: notify.TypeDeliverySubmitted, TargetID: deref(w.OwnerID), WorkItemID: w.ID,
		Metadata: map[string]string{"title": w.Title, "version": strconv.Itoa(d.VersionNumber), "delivery_id": d.ID},
	})
	return d, w, nil
}

func (e Engine) ListDeliveries(ctx context.Context, workItemID string) ([]domain.Delivery, error) {
	if _, err := e.Repo.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	return e.Repo.ListDeliveries(ctx, workItemID)
}

func (e Engine) GetDelivery(ctx context.Context, workItemID string, version int) (domain.Delivery, error) {
	if version <= 0 {
		return e.Repo.LatestDelivery(ctx, nil, workItemID)
	}
	return e.Repo.GetDeliveryByVersion(ctx, nil, workItemID, version)
}

// pastDeadline reports whether now is after the deadline, whatever the
// item's status.
func pastDeadline(deadline *string, now time.Time) bool {
	if deadline == nil || *deadline == "" {
		return false
	}
	d, err := domain.ParseTime(*deadline)
	if err != nil {
		return false
	}
	return now.After(d)
}

package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"proofreel/internal/domain"
	"proofreel/internal/events"
	"proofreel/internal/notify"
	"proofreel/internal/repo"
)

type IssueLinkOptions struct {
	WorkItemID string
	// DeliveryVersion selects the delivery; 0 means the latest.
	DeliveryVersion int
	TTL             time.Duration
	ActorID         string
}

// IssueReviewLink replaces the item's active review link with a fresh one.
// It is legal only while the item awaits client review, typically to re-send
// an expired link.
func (e Engine) IssueReviewLink(ctx context.Context, opts IssueLinkOptions) (domain.ReviewLink, error) {
	if opts.TTL < 0 {
		return domain.ReviewLink{}, invalidf("ttl must be positive")
	}
	var link domain.ReviewLink
	w, err := e.withItem(ctx, opts.WorkItemID, func(tx *sql.Tx, w *domain.WorkItem) error {
		if w.Status != domain.StatusReviewClient {
			return TransitionError{WorkItemID: w.ID, From: w.Status, Action: "issue a review link for"}
		}
		var err error
		link, err = e.issueLinkTx(ctx, tx, w, opts.DeliveryVersion, opts.TTL, opts.ActorID)
		return err
	})
	if err != nil {
		return domain.ReviewLink{}, err
	}
	e.notify(ctx, notify.Request{
		Type: notify.TypeReviewRequested, TargetID: deref(w.ClientID), WorkItemID: w.ID,
		Metadata: map[string]string{
			"title": w.Title, "review_url": e.ReviewURL(link.Token),
			"version": strconv.Itoa(link.DeliveryVersion), "expires_at": link.ExpiresAt,
		},
	})
	return link, nil
}

// issueLinkTx deactivates the item's active links and inserts a new one for
// the chosen delivery.
func (e Engine) issueLinkTx(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, version int, ttl time.Duration, actorID string) (domain.ReviewLink, error) {
	var (
		d   domain.Delivery
		err error
	)
	if version > 0 {
		d, err = e.Repo.GetDeliveryByVersion(ctx, tx, w.ID, version)
	} else {
		d, err = e.Repo.LatestDelivery(ctx, tx, w.ID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		if version > 0 {
			return domain.ReviewLink{}, invalidf("work item %s has no delivery version %d", w.ID, version)
		}
		return domain.ReviewLink{}, invalidf("work item %s has no delivery to review", w.ID)
	}
	if err != nil {
		return domain.ReviewLink{}, err
	}
	if ttl <= 0 {
		ttl = e.linkTTL()
	}
	token, err := newToken()
	if err != nil {
		return domain.ReviewLink{}, err
	}
	deactivated, err := e.Repo.DeactivateReviewLinks(ctx, tx, w.ID)
	if err != nil {
		return domain.ReviewLink{}, fmt.Errorf("deactivate review links: %w", err)
	}
	now := e.now()
	link := domain.ReviewLink{
		ID:              uuid.NewString(),
		WorkItemID:      w.ID,
		DeliveryID:      d.ID,
		DeliveryVersion: d.VersionNumber,
		Token:           token,
		ClientID:        w.ClientID,
		IssuedBy:        actorID,
		IssuedAt:        domain.FormatTime(now),
		ExpiresAt:       domain.FormatTime(now.Add(ttl)),
		IsActive:        true,
	}
	if link.IssuedBy == "" {
		link.IssuedBy = "system"
	}
	if err := e.Repo.InsertReviewLink(ctx, tx, link); err != nil {
		return domain.ReviewLink{}, fmt.Errorf("insert review link: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "review_link.issued", w.ID, "review_link", link.ID, actorID, events.EventPayload{
		"delivery_version": link.DeliveryVersion, "expires_at": link.ExpiresAt, "deactivated": deactivated,
	}); err != nil {
		return domain.ReviewLink{}, err
	}
	return link, nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// resolveLink returns the link for token if it may still be used. Checks run
// in order: unknown, deactivated or superseded, expired.
func (e Engine) resolveLink(ctx context.Context, tx *sql.Tx, token string) (domain.ReviewLink, error) {
	if token == "" {
		return domain.ReviewLink{}, ErrLinkNotFound
	}
	link, err := e.Repo.GetReviewLinkByToken(ctx, tx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ReviewLink{}, ErrLinkNotFound
	}
	if err != nil {
		return domain.ReviewLink{}, err
	}
	if !link.IsActive {
		return link, ErrLinkInactive
	}
	newer, err := e.Repo.NewerReviewLinkExists(ctx, tx, link)
	if err != nil {
		return link, err
	}
	if newer {
		return link, ErrLinkInactive
	}
	if link.Expired(e.now()) {
		return link, ErrLinkExpired
	}
	return link, nil
}

// RedeemReviewLink resolves a client's token into the work item and delivery
// under review and counts the view. Failing to count the view does not fail
// the redemption.
func (e Engine) RedeemReviewLink(ctx context.Context, token string) (domain.Redemption, error) {
	link, err := e.resolveLink(ctx, nil, token)
	if err != nil {
		return domain.Redemption{}, err
	}
	w, err := e.Repo.GetWorkItem(ctx, link.WorkItemID)
	if err != nil {
		return domain.Redemption{}, err
	}
	d, err := e.Repo.GetDelivery(ctx, nil, link.DeliveryID)
	if err != nil {
		return domain.Redemption{}, err
	}
	now := domain.FormatTime(e.now())
	if err := e.Repo.RecordReviewLinkView(ctx, link.ID, now); err != nil {
		e.log(ctx).Warn("record review link view", "review_link_id", link.ID, "error", err)
	} else {
		link.ViewsCount++
		link.LastViewedAt = &now
	}
	return domain.Redemption{Link: link, WorkItem: w.Derive(e.now()), Delivery: d}, nil
}

// CurrentReviewLink returns the authoritative link of the item: the most
// recently issued active one that has not expired.
func (e Engine) CurrentReviewLink(ctx context.Context, workItemID string) (domain.ReviewLink, error) {
	link, err := e.Repo.CurrentReviewLink(ctx, nil, workItemID)
	if err != nil {
		return link, err
	}
	if link.Expired(e.now()) {
		return domain.ReviewLink{}, ErrLinkExpired
	}
	return link, nil
}

func (e Engine) ListReviewLinks(ctx context.Context, workItemID string) ([]domain.ReviewLink, error) {
	if _, err := e.Repo.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	return e.Repo.ListReviewLinks(ctx, workItemID)
}

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/media"
)

type tokenPath struct {
	Token string `path:"token"`
}

func registerReview(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-review-link",
		Method:        http.MethodPost,
		Path:          "/work-items/{id}/review-links",
		Summary:       "Replace the active client review link",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body IssueLinkRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewLink `json:"body"`
	}, error) {
		actorID, err := h.authorize(ctx, "link.issue")
		if err != nil {
			return nil, handleError(err)
		}
		ttl, derr := parseOptionalDuration("ttl", input.Body.TTL)
		if derr != nil {
			return nil, derr
		}
		link, err := h.engine.IssueReviewLink(ctx, engine.IssueLinkOptions{
			WorkItemID:      input.ID,
			DeliveryVersion: input.Body.DeliveryVersion,
			TTL:             ttl,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewLink `json:"body"`
		}{Body: link}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-review-links",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/review-links",
		Summary:     "List review links, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body []domain.ReviewLink `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		links, err := h.engine.ListReviewLinks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if links == nil {
			links = []domain.ReviewLink{}
		}
		return &struct {
			Body []domain.ReviewLink `json:"body"`
		}{Body: links}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-feedback",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/feedback",
		Summary:     "List client feedback",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body []domain.Feedback `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		fb, err := h.engine.ListFeedback(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if fb == nil {
			fb = []domain.Feedback{}
		}
		return &struct {
			Body []domain.Feedback `json:"body"`
		}{Body: fb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redeem-review-link",
		Method:      http.MethodGet,
		Path:        "/review/{token}",
		Summary:     "Open a review link",
		Errors:      []int{http.StatusNotFound, http.StatusGone},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body RedemptionResponse `json:"body"`
	}, error) {
		red, err := h.engine.RedeemReviewLink(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RedemptionResponse{Redemption: red}
		if red.Delivery.Type == domain.DeliveryFile && red.Delivery.MediaHandle != nil && h.cfg.Playback.Host != nil {
			access, err := h.cfg.Playback.Resolve(ctx, *red.Delivery.MediaHandle, media.ActionPreview)
			if err != nil {
				h.logger.Warn("resolve review playback", "work_item_id", red.WorkItem.ID, "error", err)
			} else {
				resp.Playback = &access
			}
		}
		return &struct {
			Body RedemptionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-feedback",
		Method:        http.MethodPost,
		Path:          "/review/{token}/feedback",
		Summary:       "Approve or request a revision through a review link",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		Token string          `path:"token"`
		Body  FeedbackRequest `json:"body"`
	}) (*struct {
		Body FeedbackResponse `json:"body"`
	}, error) {
		fb, w, err := h.engine.SubmitFeedback(ctx, engine.FeedbackOptions{
			Token:    input.Token,
			Decision: input.Body.Decision,
			Rating:   input.Body.Rating,
			Notes:    input.Body.Notes,
			Reviewer: input.Body.Reviewer,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FeedbackResponse `json:"body"`
		}{Body: FeedbackResponse{Feedback: fb, WorkItem: workItemResponse(w)}}, nil
	})
}

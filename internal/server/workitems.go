package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/repo"
)

type workItemPath struct {
	ID string `path:"id"`
}

// managerActions move work between review stages or end it; the rest are
// available to whoever produces the work.
var managerActions = map[engine.Action]bool{
	engine.ActionEscalate:        true,
	engine.ActionReject:          true,
	engine.ActionApprove:         true,
	engine.ActionRequestRevision: true,
	engine.ActionCancel:          true,
}

func registerWorkItems(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		actorID, err := h.authorize(ctx, "item.write")
		if err != nil {
			return nil, handleError(err)
		}
		w, err := h.engine.CreateWorkItem(ctx, engine.WorkItemCreateOptions{
			ID:         input.Body.ID,
			Kind:       input.Body.Kind,
			Title:      input.Body.Title,
			ProjectRef: input.Body.ProjectRef,
			OwnerID:    input.Body.OwnerID,
			ClientID:   input.Body.ClientID,
			AssigneeID: input.Body.AssigneeID,
			Deadline:   input.Body.Deadline,
			Metadata:   input.Body.Metadata,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work-items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind       string `query:"kind"`
		Status     string `query:"status" doc:"stored status, or late"`
		OwnerID    string `query:"owner_id"`
		ClientID   string `query:"client_id"`
		AssigneeID string `query:"assignee_id"`
		ProjectRef string `query:"project_ref"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkItems `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.engine.ListWorkItems(ctx, repo.WorkItemFilters{
			Kind:            input.Kind,
			Status:          input.Status,
			OwnerID:         input.OwnerID,
			ClientID:        input.ClientID,
			AssigneeID:      input.AssigneeID,
			ProjectRef:      input.ProjectRef,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWorkItems{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapWorkItems(items)
		return &struct {
			Body paginatedWorkItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		w, err := h.engine.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-work-item",
		Method:        http.MethodDelete,
		Path:          "/work-items/{id}",
		Summary:       "Delete work item with its deliveries, links, feedback and media",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workItemPath) (*struct{}, error) {
		actorID, err := h.authorize(ctx, "item.delete")
		if err != nil {
			return nil, handleError(err)
		}
		handles, err := h.engine.DeleteWorkItem(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Media != nil {
			for _, handle := range handles {
				if err := h.cfg.Media.DeleteAsset(ctx, handle); err != nil {
					h.logger.Warn("delete media asset", "handle", handle, "work_item_id", input.ID, "error", err)
				}
			}
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-work-item",
		Method:      http.MethodPost,
		Path:        "/work-items/{id}/transitions",
		Summary:     "Apply a lifecycle action",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		action := engine.Action(strings.TrimSpace(input.Body.Action))
		perm := "item.transition"
		if managerActions[action] {
			perm = "item.write"
		}
		actorID, err := h.authorize(ctx, perm)
		if err != nil {
			return nil, handleError(err)
		}
		ttl, derr := parseOptionalDuration("link_ttl", input.Body.LinkTTL)
		if derr != nil {
			return nil, derr
		}
		w, err := h.engine.Transition(ctx, engine.TransitionOptions{
			WorkItemID:      input.ID,
			Action:          action,
			ActorID:         actorID,
			Rating:          input.Body.Rating,
			Notes:           input.Body.Notes,
			ExpectedVersion: input.Body.ExpectedVersion,
			LinkTTL:         ttl,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-work-item",
		Method:      http.MethodPost,
		Path:        "/work-items/{id}/assignee",
		Summary:     "Set or clear the assignee",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		actorID, err := h.authorize(ctx, "item.write")
		if err != nil {
			return nil, handleError(err)
		}
		w, err := h.engine.AssignWorkItem(ctx, input.ID, input.Body.AssigneeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-history",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/history",
		Summary:     "Audit events of a work item, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		evts, err := h.engine.History(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerDeliveries(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-delivery",
		Method:        http.MethodPost,
		Path:          "/work-items/{id}/deliveries",
		Summary:       "Record a delivery and submit it for internal review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body RecordDeliveryRequest `json:"body"`
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		actorID, err := h.authorize(ctx, "delivery.write")
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Type == domain.DeliveryFile && h.cfg.Media != nil {
			if _, err := h.cfg.Media.GetAsset(ctx, input.Body.MediaHandle); err != nil {
				return nil, handleError(err)
			}
		}
		d, w, err := h.engine.RecordDelivery(ctx, engine.DeliveryOptions{
			WorkItemID:  input.ID,
			Type:        input.Body.Type,
			MediaHandle: input.Body.MediaHandle,
			URL:         input.Body.URL,
			LinkKind:    input.Body.LinkKind,
			Notes:       input.Body.Notes,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: DeliveryResponse{Delivery: d, WorkItem: workItemResponse(w)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/deliveries",
		Summary:     "List deliveries, oldest version first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body []domain.Delivery `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		ds, err := h.engine.ListDeliveries(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ds == nil {
			ds = []domain.Delivery{}
		}
		return &struct {
			Body []domain.Delivery `json:"body"`
		}{Body: ds}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-delivery",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/deliveries/{version}",
		Summary:     "Get a delivery by version; 0 is the latest",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version int    `path:"version"`
	}) (*struct {
		Body domain.Delivery `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		d, err := h.engine.GetDelivery(ctx, input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Delivery `json:"body"`
		}{Body: d}, nil
	})
}

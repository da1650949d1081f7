package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/media"
)

var errMediaDisabled = errors.New("media hosting not configured")

// itemSession loads an upload session opened for the work item. Sessions of
// other items are reported as not found.
func (h *handler) itemSession(ctx context.Context, workItemID, sessionID string) (media.Session, error) {
	s, err := h.cfg.Media.Session(ctx, sessionID)
	if err != nil {
		return media.Session{}, err
	}
	if s.Ref != workItemID {
		return media.Session{}, media.ErrSessionNotFound
	}
	return s, nil
}

func registerMedia(api huma.API, router chi.Router, basePath string, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-upload",
		Method:        http.MethodPost,
		Path:          "/work-items/{id}/uploads",
		Summary:       "Open an upload session for a file delivery",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body StartUploadRequest `json:"body"`
	}) (*struct {
		Body UploadPlanResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "upload.write"); err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Uploads == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", errMediaDisabled.Error(), nil)
		}
		w, err := h.engine.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, ok := engine.Next(w.Status, engine.ActionSubmit); !ok {
			return nil, handleError(engine.TransitionError{WorkItemID: w.ID, From: w.Status, Action: "upload to"})
		}
		title := input.Body.Title
		if title == "" {
			title = w.Title
		}
		plan, err := h.cfg.Uploads.BeginUpload(ctx, input.Body.Size, title, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadPlanResponse `json:"body"`
		}{Body: UploadPlanResponse{Plan: plan, WorkItemID: w.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-upload",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/uploads/{upload_id}",
		Summary:     "Upload session state, used to resume",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		UploadID string `path:"upload_id"`
	}) (*struct {
		Body media.Session `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "upload.write"); err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Media == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", errMediaDisabled.Error(), nil)
		}
		s, err := h.itemSession(ctx, input.ID, input.UploadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body media.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "abort-upload",
		Method:        http.MethodDelete,
		Path:          "/work-items/{id}/uploads/{upload_id}",
		Summary:       "Cancel an upload",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		UploadID string `path:"upload_id"`
	}) (*struct{}, error) {
		if _, err := h.authorize(ctx, "upload.write"); err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Uploads == nil || h.cfg.Media == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", errMediaDisabled.Error(), nil)
		}
		if _, err := h.itemSession(ctx, input.ID, input.UploadID); err != nil {
			return nil, handleError(err)
		}
		if err := h.cfg.Uploads.Cancel(media.Plan{SessionID: input.UploadID}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "complete-upload",
		Method:        http.MethodPost,
		Path:          "/work-items/{id}/uploads/{upload_id}/complete",
		Summary:       "Finish an upload and record it as the next delivery",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID       string                `path:"id"`
		UploadID string                `path:"upload_id"`
		Body     CompleteUploadRequest `json:"body"`
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		actorID, err := h.authorize(ctx, "upload.write")
		if err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Media == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", errMediaDisabled.Error(), nil)
		}
		if _, err := h.engine.GetWorkItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if _, err := h.itemSession(ctx, input.ID, input.UploadID); err != nil {
			return nil, handleError(err)
		}
		asset, err := h.cfg.Media.Complete(ctx, input.UploadID)
		if err != nil {
			return nil, handleError(err)
		}
		d, w, err := h.engine.RecordDelivery(ctx, engine.DeliveryOptions{
			WorkItemID:  input.ID,
			Type:        domain.DeliveryFile,
			MediaHandle: asset.Handle,
			Notes:       input.Body.Notes,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(fmt.Errorf("record delivery for asset %s: %w", asset.Handle, err))
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: DeliveryResponse{Delivery: d, WorkItem: workItemResponse(w)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-playback",
		Method:      http.MethodGet,
		Path:        "/media/{handle}/playback",
		Summary:     "Resolve a preview or download URL",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Handle string `path:"handle"`
		Action string `query:"action" enum:"preview,download" default:"preview"`
	}) (*struct {
		Body media.Access `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "media.read"); err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Playback.Host == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", errMediaDisabled.Error(), nil)
		}
		access, err := h.cfg.Playback.Resolve(ctx, input.Handle, media.Action(input.Action))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body media.Access `json:"body"`
		}{Body: access}, nil
	})

	if h.cfg.Media == nil {
		return
	}
	router.Put(basePath+"/uploads/{upload_id}", h.writeUpload)
	router.Get(basePath+"/media/{handle}/content", h.serveContent)
}

// writeUpload receives upload bytes. The upload URL's token authorizes it.
func (h *handler) writeUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "upload_id")
	if err := h.cfg.Media.VerifyToken(r.URL.Query().Get("token"), id, media.PurposeUpload); err != nil {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid upload token", nil))
		return
	}
	var offset int64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid offset", map[string]any{"offset": raw}))
			return
		}
		offset = v
	}
	committed, err := h.cfg.Media.Write(r.Context(), id, offset, r.Body)
	if err != nil {
		apiErr := handleError(err)
		if errors.Is(err, media.ErrOffsetMismatch) {
			apiErr = newAPIError(http.StatusConflict, "offset_mismatch", err.Error(), map[string]any{"committed": committed})
		}
		respondStatusError(w, apiErr)
		return
	}
	s, err := h.cfg.Media.Session(r.Context(), id)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusOK, UploadWriteResponse{SessionID: id, Offset: committed, Size: s.Size})
}

// serveContent streams a finished asset. The signed URL's token authorizes it.
func (h *handler) serveContent(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if err := h.cfg.Media.VerifyToken(r.URL.Query().Get("token"), handle, media.PurposeContent); err != nil {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid media token", nil))
		return
	}
	f, asset, err := h.cfg.Media.Open(r.Context(), handle)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	defer f.Close()
	if media.Action(r.URL.Query().Get("action")) == media.ActionDownload {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Title))
	}
	http.ServeContent(w, r, asset.Title, asset.CreatedAt, f)
}

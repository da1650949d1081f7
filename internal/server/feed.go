package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"proofreel/internal/domain"
	"proofreel/internal/feed"
	"proofreel/internal/repo"
)

const sseHeartbeat = 15 * time.Second

func registerFeed(api huma.API, router chi.Router, basePath string, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkItemID string `query:"work_item_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "feed.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.Repo.LatestEvents(ctx, repo.EventFilters{
			WorkItemID: input.WorkItemID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-presence",
		Method:      http.MethodGet,
		Path:        "/presence",
		Summary:     "Actors connected to the change feed",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []feed.Member `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "feed.read"); err != nil {
			return nil, handleError(err)
		}
		members := []feed.Member{}
		if h.cfg.Feed != nil {
			members = h.cfg.Feed.Presence().List()
		}
		return &struct {
			Body []feed.Member `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notifications recorded for a target, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Target string `query:"target" doc:"defaults to the caller"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actorID, err := h.authorize(ctx, "notification.read")
		if err != nil {
			return nil, handleError(err)
		}
		target := strings.TrimSpace(input.Target)
		if target == "" {
			target = actorID
		}
		items, err := h.engine.Repo.ListNotifications(ctx, target, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	if h.cfg.Feed == nil {
		return
	}
	router.Get(basePath+"/feed", h.streamFeed)
}

// streamFeed serves the change feed as Server-Sent Events. Event ids are
// audit event ids so a reconnecting client resumes with Last-Event-ID.
func (h *handler) streamFeed(w http.ResponseWriter, r *http.Request) {
	p, err := requirePermission(r.Context(), h.engine.Config, "feed.read")
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return
	}
	q := r.URL.Query()
	since := int64(-1)
	for _, raw := range []string{r.Header.Get("Last-Event-ID"), q.Get("since")} {
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"since": raw}))
			return
		}
		since = v
		break
	}
	filter := feed.Filter{
		WorkItemID:  q.Get("work_item_id"),
		EntityKinds: splitList(q["entity_kind"]),
		Types:       splitList(q["type"]),
	}
	sub, err := h.cfg.Feed.Subscribe(r.Context(), p.ActorID, filter, since)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	defer h.cfg.Feed.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %d\n\n", sub.Cursor())
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Warn("encode feed event", "event_id", evt.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
			flusher.Flush()
		}
	}
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

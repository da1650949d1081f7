package server

import (
	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/media"
)

// Request payloads

type CreateWorkItemRequest struct {
	ID         string            `json:"id,omitempty"`
	Kind       domain.Kind       `json:"kind" enum:"video,design"`
	Title      string            `json:"title" minLength:"1"`
	ProjectRef string            `json:"project_ref,omitempty"`
	OwnerID    string            `json:"owner_id,omitempty"`
	ClientID   string            `json:"client_id,omitempty"`
	AssigneeID string            `json:"assignee_id,omitempty"`
	Deadline   string            `json:"deadline,omitempty" format:"date-time"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type TransitionRequest struct {
	Action          string `json:"action" enum:"start,escalate,reject,approve,request_revision,resume,cancel"`
	Rating          *int   `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Notes           string `json:"notes,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	LinkTTL         string `json:"link_ttl,omitempty" doc:"Go duration for the review link issued on escalate"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type RecordDeliveryRequest struct {
	Type        domain.DeliveryType `json:"delivery_type" enum:"file,link"`
	MediaHandle string              `json:"media_handle,omitempty"`
	URL         string              `json:"url,omitempty"`
	LinkKind    string              `json:"link_kind,omitempty"`
	Notes       string              `json:"notes,omitempty"`
}

type StartUploadRequest struct {
	Size  int64  `json:"size" minimum:"1"`
	Title string `json:"title"`
}

type CompleteUploadRequest struct {
	Notes string `json:"notes,omitempty"`
}

type IssueLinkRequest struct {
	DeliveryVersion int    `json:"delivery_version,omitempty"`
	TTL             string `json:"ttl,omitempty" doc:"Go duration, defaults to review.link_ttl"`
}

type FeedbackRequest struct {
	Decision domain.Decision `json:"decision" enum:"approved,revision_requested"`
	Rating   *int            `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Notes    string          `json:"notes,omitempty"`
	Reviewer string          `json:"reviewer,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type WorkItemResponse struct {
	domain.WorkItem
	AllowedActions []string `json:"allowed_actions"`
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	actions := []string{}
	for _, a := range engine.AllowedActions(w.Status) {
		if a == engine.ActionSubmit {
			continue
		}
		actions = append(actions, string(a))
	}
	return WorkItemResponse{WorkItem: w, AllowedActions: actions}
}

func mapWorkItems(items []domain.WorkItem) []WorkItemResponse {
	out := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workItemResponse(w))
	}
	return out
}

type paginatedWorkItems struct {
	Items      []WorkItemResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type DeliveryResponse struct {
	Delivery domain.Delivery  `json:"delivery"`
	WorkItem WorkItemResponse `json:"work_item"`
}

type UploadPlanResponse struct {
	media.Plan
	WorkItemID string `json:"work_item_id"`
}

type UploadWriteResponse struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
	Size      int64  `json:"size"`
}

type RedemptionResponse struct {
	domain.Redemption
	Playback *media.Access `json:"playback,omitempty"`
}

type FeedbackResponse struct {
	Feedback domain.Feedback  `json:"feedback"`
	WorkItem WorkItemResponse `json:"work_item"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	domain.APIKey
	// Key is only returned on creation.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

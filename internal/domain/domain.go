package domain

// Kind tags the flavor of creative work an item represents.
type Kind string

const (
	KindVideo  Kind = "video"
	KindDesign Kind = "design"
)

// Status is the stored lifecycle state of a work item. StatusLate is never
// stored; it is derived on read, see EffectiveStatus.
type Status string

const (
	StatusNew               Status = "new"
	StatusActive            Status = "active"
	StatusLate              Status = "late"
	StatusReviewAdmin       Status = "review_admin"
	StatusReviewClient      Status = "review_client"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

type WorkItem struct {
	ID               string            `json:"id"`
	Kind             Kind              `json:"kind" enum:"video,design"`
	Title            string            `json:"title"`
	ProjectRef       *string           `json:"project_ref,omitempty"`
	OwnerID          *string           `json:"owner_id,omitempty"`
	ClientID         *string           `json:"client_id,omitempty"`
	AssigneeID       *string           `json:"assignee_id,omitempty"`
	Deadline         *string           `json:"deadline,omitempty" format:"date-time"`
	Status           Status            `json:"status"`
	RevisionCount    int               `json:"revision_count"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	StartedAt        *string           `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string           `json:"completed_at,omitempty" format:"date-time"`
	ValidatedBy      *string           `json:"validated_by,omitempty"`
	ValidationRating *int              `json:"validation_rating,omitempty"`
	RowVersion       int64             `json:"row_version"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`

	// Derived on read.
	EffectiveStatus Status  `json:"effective_status"`
	Late            bool    `json:"late"`
	Urgency         Urgency `json:"urgency"`
}

type DeliveryType string

const (
	DeliveryFile DeliveryType = "file"
	DeliveryLink DeliveryType = "link"
)

type Delivery struct {
	ID            string       `json:"id"`
	WorkItemID    string       `json:"work_item_id"`
	VersionNumber int          `json:"version_number"`
	Type          DeliveryType `json:"delivery_type" enum:"file,link"`
	MediaHandle   *string      `json:"media_handle,omitempty"`
	URL           *string      `json:"url,omitempty"`
	LinkKind      *string      `json:"link_kind,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	SubmittedBy   string       `json:"submitted_by"`
	Late          bool         `json:"late"`
	SubmittedAt   string       `json:"submitted_at" format:"date-time"`
}

type ReviewLink struct {
	ID              string  `json:"id"`
	WorkItemID      string  `json:"work_item_id"`
	DeliveryID      string  `json:"delivery_id"`
	DeliveryVersion int     `json:"delivery_version"`
	Token           string  `json:"token"`
	ClientID        *string `json:"client_id,omitempty"`
	IssuedBy        string  `json:"issued_by"`
	IssuedAt        string  `json:"issued_at" format:"date-time"`
	ExpiresAt       string  `json:"expires_at" format:"date-time"`
	IsActive        bool    `json:"is_active"`
	ViewsCount      int     `json:"views_count"`
	LastViewedAt    *string `json:"last_viewed_at,omitempty" format:"date-time"`
}

type Decision string

const (
	DecisionApproved          Decision = "approved"
	DecisionRevisionRequested Decision = "revision_requested"
)

type Feedback struct {
	ID           string   `json:"id"`
	ReviewLinkID string   `json:"review_link_id"`
	DeliveryID   string   `json:"delivery_id"`
	WorkItemID   string   `json:"work_item_id"`
	Decision     Decision `json:"decision" enum:"approved,revision_requested"`
	Rating       *int     `json:"rating,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Reviewer     string   `json:"reviewer,omitempty"`
	ReviewedAt   string   `json:"reviewed_at" format:"date-time"`
}

// Redemption is what a successfully redeemed review link grants access to.
type Redemption struct {
	Link     ReviewLink `json:"link"`
	WorkItem WorkItem   `json:"work_item"`
	Delivery Delivery   `json:"delivery"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkItemID string `json:"work_item_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Notification is a dispatch request plus its delivery bookkeeping.
type Notification struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	TargetID  string            `json:"target_id"`
	DedupKey  string            `json:"dedup_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    string            `json:"status" enum:"pending,sent,failed"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	SentAt    *string           `json:"sent_at,omitempty" format:"date-time"`
}

const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

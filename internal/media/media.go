package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrUploadFailed    = errors.New("upload failed")
	ErrUploadCancelled = errors.New("upload cancelled")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrOffsetMismatch  = errors.New("upload offset mismatch")
	ErrIncomplete      = errors.New("upload incomplete")
	ErrAssetNotFound   = errors.New("asset not found")
	ErrAssetNotReady   = errors.New("asset not ready")
)

// UploadError reports a resumable upload that stopped at Offset. The caller
// may continue from there while the session is still open.
type UploadError struct {
	SessionID string
	Offset    int64
	Resumable bool
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed at offset %d: %v", e.SessionID, e.Offset, e.Err)
}

func (e *UploadError) Unwrap() []error { return []error{ErrUploadFailed, e.Err} }

// Session is an upload in progress on the host. Ref is an opaque caller
// reference recorded at creation, such as the owning work item.
type Session struct {
	ID        string    `json:"id"`
	Ref       string    `json:"ref,omitempty"`
	Title     string    `json:"title"`
	Size      int64     `json:"size"`
	Offset    int64     `json:"offset"`
	Resumable bool      `json:"resumable"`
	UploadURL string    `json:"upload_url"`
	CreatedAt time.Time `json:"created_at"`
}

type AssetState string

const (
	AssetProcessing AssetState = "processing"
	AssetReady      AssetState = "ready"
)

// Asset is finished media addressed by an opaque handle.
type Asset struct {
	Handle          string     `json:"handle"`
	Title           string     `json:"title"`
	Size            int64      `json:"size"`
	State           AssetState `json:"state"`
	RequiresSigning bool       `json:"requires_signing"`
	PublicURL       string     `json:"public_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Action is what a playback URL grants.
type Action string

const (
	ActionPreview  Action = "preview"
	ActionDownload Action = "download"
)

func (a Action) Valid() bool { return a == ActionPreview || a == ActionDownload }

// Host is the media hosting service. Write appends bytes at offset, which
// must equal the session's committed offset, and returns the new committed
// offset.
type Host interface {
	CreateUploadTarget(ctx context.Context, size int64, title, ref string) (Session, error)
	CreateResumableSession(ctx context.Context, size int64, title, ref string) (Session, error)
	Write(ctx context.Context, sessionID string, offset int64, r io.Reader) (int64, error)
	Complete(ctx context.Context, sessionID string) (Asset, error)
	Abort(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (Session, error)
	Sessions(ctx context.Context) ([]Session, error)
	GetAsset(ctx context.Context, handle string) (Asset, error)
	CreateSignedAccess(ctx context.Context, handle string, action Action, ttl time.Duration) (string, error)
	DeleteAsset(ctx context.Context, handle string) error
}

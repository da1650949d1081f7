package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"proofreel/internal/config"
	"proofreel/internal/logging"
	"proofreel/internal/retry"
)

type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeResumable Mode = "resumable"
)

// Plan describes how an upload of Size bytes reaches the host. Offset is
// the committed byte count and advances as chunks land.
type Plan struct {
	Mode      Mode   `json:"mode"`
	SessionID string `json:"session_id"`
	Ref       string `json:"ref,omitempty"`
	UploadURL string `json:"upload_url"`
	Title     string `json:"title"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunk_size"`
	Chunks    int    `json:"chunks"`
	Offset    int64  `json:"offset"`
}

// Progress is pushed after every committed chunk.
type Progress struct {
	SessionID string
	Chunk     int
	Chunks    int
	Sent      int64
	Total     int64
}

type ProgressFunc func(Progress)

type Orchestrator struct {
	Host      Host
	Threshold int64
	ChunkSize int64
	Backoff   []time.Duration
	Sleep     retry.SleepFunc
	Logger    *slog.Logger
}

func NewOrchestrator(host Host, cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	threshold, err := cfg.ResumableThreshold()
	if err != nil {
		return nil, err
	}
	chunk, err := cfg.ChunkSize()
	if err != nil {
		return nil, err
	}
	backoff, err := cfg.UploadBackoff()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{Host: host, Threshold: threshold, ChunkSize: chunk, Backoff: backoff, Logger: logger}, nil
}

// BeginUpload opens a host session tagged with ref. Sizes strictly above the
// threshold use a resumable session uploaded in chunks.
func (o *Orchestrator) BeginUpload(ctx context.Context, size int64, title, ref string) (Plan, error) {
	if size <= 0 {
		return Plan{}, errors.New("upload size must be positive")
	}
	plan := Plan{Title: title, Size: size, Ref: ref}
	var (
		s   Session
		err error
	)
	if size > o.Threshold {
		plan.Mode = ModeResumable
		plan.ChunkSize = o.ChunkSize
		s, err = o.Host.CreateResumableSession(ctx, size, title, ref)
	} else {
		plan.Mode = ModeDirect
		plan.ChunkSize = size
		s, err = o.Host.CreateUploadTarget(ctx, size, title, ref)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("create upload session: %w", err)
	}
	plan.SessionID = s.ID
	plan.UploadURL = s.UploadURL
	plan.Chunks = int((size + plan.ChunkSize - 1) / plan.ChunkSize)
	o.Logger.Info("upload started", logging.FieldUploadID, s.ID, "mode", plan.Mode, "size", size, "chunks", plan.Chunks)
	return plan, nil
}

// Upload sends src to the host following plan and returns the media handle.
// A direct upload is attempted once. Each resumable chunk is retried on the
// backoff schedule; when a chunk exhausts it an *UploadError carries the
// committed offset and the session is left open for Resume. If ctx ends the
// remote session is aborted.
func (o *Orchestrator) Upload(ctx context.Context, plan *Plan, src io.ReaderAt, progress ProgressFunc) (string, error) {
	for plan.Offset < plan.Size {
		n := min(plan.ChunkSize, plan.Size-plan.Offset)
		chunk := int(plan.Offset/plan.ChunkSize) + 1
		schedule := o.Backoff
		if plan.Mode == ModeDirect {
			schedule = nil
		}
		offset := plan.Offset
		attempts, err := retry.Do(ctx, schedule, o.Sleep, func(attempt int) error {
			if attempt > 0 {
				o.Logger.Warn("retrying upload chunk", logging.FieldUploadID, plan.SessionID, "chunk", chunk, "attempt", attempt+1)
			}
			committed, err := o.Host.Write(ctx, plan.SessionID, offset, io.NewSectionReader(src, offset, n))
			if errors.Is(err, ErrSessionNotFound) {
				return retry.Permanent(err)
			}
			if err != nil {
				return err
			}
			if committed != offset+n {
				return fmt.Errorf("host committed %d bytes, expected %d", committed, offset+n)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				o.abort(plan.SessionID)
				return "", fmt.Errorf("%w: %v", ErrUploadCancelled, ctx.Err())
			}
			o.Logger.Error("upload chunk failed", logging.FieldUploadID, plan.SessionID, "chunk", chunk, "attempts", attempts, "offset", offset, "error", err)
			return "", &UploadError{SessionID: plan.SessionID, Offset: plan.Offset, Resumable: plan.Mode == ModeResumable, Err: err}
		}
		plan.Offset += n
		if progress != nil {
			progress(Progress{SessionID: plan.SessionID, Chunk: chunk, Chunks: plan.Chunks, Sent: plan.Offset, Total: plan.Size})
		}
	}
	asset, err := o.Host.Complete(ctx, plan.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			o.abort(plan.SessionID)
			return "", fmt.Errorf("%w: %v", ErrUploadCancelled, ctx.Err())
		}
		return "", &UploadError{SessionID: plan.SessionID, Offset: plan.Offset, Resumable: plan.Mode == ModeResumable, Err: err}
	}
	o.Logger.Info("upload completed", logging.FieldUploadID, plan.SessionID, "handle", asset.Handle, "size", asset.Size)
	return asset.Handle, nil
}

// Resume continues a resumable plan from the offset the host has committed.
func (o *Orchestrator) Resume(ctx context.Context, plan *Plan, src io.ReaderAt, progress ProgressFunc) (string, error) {
	if plan.Mode != ModeResumable {
		return "", fmt.Errorf("%w: direct uploads cannot be resumed", ErrUploadFailed)
	}
	s, err := o.Host.Session(ctx, plan.SessionID)
	if err != nil {
		return "", fmt.Errorf("resume upload %s: %w", plan.SessionID, err)
	}
	if plan.Ref != "" && s.Ref != plan.Ref {
		return "", fmt.Errorf("resume upload %s: %w", plan.SessionID, ErrSessionNotFound)
	}
	plan.Offset = s.Offset
	o.Logger.Info("upload resumed", logging.FieldUploadID, plan.SessionID, "offset", s.Offset)
	return o.Upload(ctx, plan, src, progress)
}

// Cancel aborts the remote session.
func (o *Orchestrator) Cancel(plan Plan) error {
	return o.Host.Abort(context.Background(), plan.SessionID)
}

func (o *Orchestrator) abort(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Host.Abort(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		o.Logger.Warn("abort upload session", logging.FieldUploadID, sessionID, "error", err)
	}
}

package media

import (
	"context"
	"log/slog"
	"time"

	"proofreel/internal/logging"
)

// Reconciler aborts host sessions left open longer than Retention, such as
// uploads abandoned after a failed chunk.
type Reconciler struct {
	Host      Host
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.NewNop()
}

// Sweep aborts stale sessions and returns how many were aborted. It keeps
// going past individual failures and returns the first one.
func (r Reconciler) Sweep(ctx context.Context) (int, error) {
	sessions, err := r.Host.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.Retention)
	var (
		aborted  int
		firstErr error
	)
	for _, s := range sessions {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if err := r.Host.Abort(ctx, s.ID); err != nil {
			r.logger().Warn("abort stale upload session", logging.FieldUploadID, s.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		aborted++
		r.logger().Info("aborted stale upload session", logging.FieldUploadID, s.ID, "created_at", s.CreatedAt, "offset", s.Offset, "size", s.Size)
	}
	return aborted, firstErr
}

// Run sweeps every interval until ctx ends.
func (r Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger().Warn("upload session sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

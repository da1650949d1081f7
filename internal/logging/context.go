package logging

import (
	"context"
	"log/slog"
)

const (
	FieldComponent  = "component"
	FieldWorkItemID = "work_item_id"
	FieldActorID    = "actor_id"
	FieldRequestID  = "request_id"
	FieldUploadID   = "upload_id"
)

type ctxKey int

const (
	workItemKey ctxKey = iota
	actorKey
	requestKey
)

func WithWorkItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workItemKey, id)
}

func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var fields []slog.Attr
	for _, f := range []struct {
		key  ctxKey
		name string
	}{{requestKey, FieldRequestID}, {actorKey, FieldActorID}, {workItemKey, FieldWorkItemID}} {
		if v, ok := ctx.Value(f.key).(string); ok && v != "" {
			fields = append(fields, slog.String(f.name, v))
		}
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}

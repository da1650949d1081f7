package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"proofreel/internal/config"
	"proofreel/internal/domain"
	"proofreel/internal/events"
	"proofreel/internal/logging"
	"proofreel/internal/notify"
	"proofreel/internal/repo"
)

// Notifier receives post-commit notification requests. Implementations must
// not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (bool, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: logging.NewNop(),
		Now:    time.Now,
		locks:  newKeyedMutex(),
	}
}

var sharedLocks = newKeyedMutex()

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, e.Logger)
}

func (e Engine) lockItem(id string) func() {
	if e.locks == nil {
		return sharedLocks.Lock(id)
	}
	return e.locks.Lock(id)
}

// withItem runs fn against the stored item inside one write transaction and
// persists the result with a row_version compare-and-set. Writers of the same
// item are serialized in-process; a conflict with another process is retried
// once before ErrVersionConflict is returned.
func (e Engine) withItem(ctx context.Context, id string, fn func(tx *sql.Tx, w *domain.WorkItem) error) (domain.WorkItem, error) {
	unlock := e.lockItem(id)
	defer unlock()
	for attempt := 0; ; attempt++ {
		w, err := e.applyItem(ctx, id, fn)
		// Only a lost compare-and-set is retried; a stale client version is final.
		if err == repo.ErrVersionConflict && attempt == 0 {
			e.log(ctx).Debug("work item write conflicted; retrying", logging.FieldWorkItemID, id)
			continue
		}
		return w, err
	}
}

func (e Engine) applyItem(ctx context.Context, id string, fn func(tx *sql.Tx, w *domain.WorkItem) error) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := fn(tx, &w); err != nil {
		return domain.WorkItem{}, err
	}
	w.UpdatedAt = domain.FormatTime(e.now())
	rv, err := e.Repo.UpdateWorkItem(ctx, tx, w)
	if err != nil {
		return domain.WorkItem{}, err
	}
	w.RowVersion = rv
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w.Derive(e.now()), nil
}

// notify hands req to the notifier after the triggering transaction has
// committed. Failures are logged only.
func (e Engine) notify(ctx context.Context, req notify.Request) {
	if e.Notifier == nil || strings.TrimSpace(req.TargetID) == "" {
		return
	}
	if _, err := e.Notifier.Notify(context.WithoutCancel(ctx), req); err != nil {
		e.log(ctx).Warn("notification not queued", "type", req.Type, "target", req.TargetID, "error", err)
	}
}

func (e Engine) linkTTL() time.Duration {
	if e.Config != nil {
		if ttl := e.Config.LinkTTL(); ttl > 0 {
			return ttl
		}
	}
	return 7 * 24 * time.Hour
}

// ReviewURL is the public address of a review link.
func (e Engine) ReviewURL(token string) string {
	base := ""
	if e.Config != nil {
		base = strings.TrimRight(e.Config.Server.PublicURL, "/")
	}
	return base + "/review/" + token
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

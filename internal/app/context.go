package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"proofreel/internal/config"
	"proofreel/internal/db"
	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/logging"
	"proofreel/internal/media"
	"proofreel/internal/migrate"
	"proofreel/internal/notify"
	"proofreel/internal/repo"
)

const (
	// EnvMediaKey overrides the persisted media signing key.
	EnvMediaKey  = "PROOFREEL_MEDIA_KEY"
	mediaKeyFile = "media.key"
	lockFile     = "serve.lock"
	mediaDir     = "media"
)

// LoadEnv reads <workspace>/.env into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// MediaKey returns the key signing upload and content URLs. It comes from
// PROOFREEL_MEDIA_KEY or a random key persisted in the workspace on first use.
func MediaKey(workspace string) ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv(EnvMediaKey)); v != "" {
		return []byte(v), nil
	}
	path := filepath.Join(db.Dir(workspace), mediaKeyFile)
	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return []byte(strings.TrimSpace(string(data))), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	key := hex.EncodeToString(buf)
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write media key: %w", err)
	}
	return []byte(key), nil
}

// Options tune Open.
type Options struct {
	Workspace string
	// Sender overrides the configured notification sender.
	Sender notify.Sender
	// Logger overrides the logger built from the config log section.
	Logger *slog.Logger
}

// Runtime is a workspace opened for use: migrated database, validated config
// and the services built on them.
type Runtime struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Logger     *slog.Logger
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
	Media      *media.LocalHost
	Uploads    *media.Orchestrator
	Playback   media.Resolver
}

// Open loads the workspace config (defaults when proofreel.yml is absent),
// migrates the database and wires the engine to the notification dispatcher
// and the local media host.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	stateDir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.NewFromConfig(cfg, stateDir)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, DB: conn, Config: cfg, Logger: logger}
	if err := rt.init(ctx, opts, stateDir); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) init(ctx context.Context, opts Options, stateDir string) error {
	if err := migrate.Migrate(rt.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	cfg := rt.Config
	sender := opts.Sender
	if sender == nil {
		sender = SenderFromConfig(cfg, rt.Logger)
	}
	backoff, err := cfg.NotificationBackoff()
	if err != nil {
		return err
	}
	rt.Dispatcher, err = notify.New(notify.Options{
		Store:        notify.SQLStore{Repo: repo.Repo{DB: rt.DB}},
		Sender:       sender,
		Templates:    cfg.Notifications.Templates,
		DedupWindow:  cfg.DedupWindow(),
		RetryBackoff: backoff,
		Timeout:      cfg.NotificationTimeout(),
		Workers:      cfg.Notifications.Workers,
		QueueSize:    cfg.Notifications.QueueSize,
		Logger:       rt.Logger,
	})
	if err != nil {
		return err
	}

	key, err := MediaKey(rt.Workspace)
	if err != nil {
		return err
	}
	rt.Media, err = media.NewLocalHost(filepath.Join(stateDir, mediaDir), cfg.Server.PublicURL, key)
	if err != nil {
		return err
	}
	rt.Uploads, err = media.NewOrchestrator(rt.Media, cfg, rt.Logger)
	if err != nil {
		return err
	}
	rt.Playback = media.Resolver{Host: rt.Media, TTL: cfg.SignedURLTTL()}

	e := engine.New(rt.DB, cfg)
	e.Logger = rt.Logger.With(logging.FieldComponent, "engine")
	e.Notifier = rt.Dispatcher
	rt.Engine = e
	rt.Logger.DebugContext(ctx, "workspace opened", "workspace", rt.Workspace, "db", db.Path(rt.Workspace))
	return nil
}

// SenderFromConfig posts to the configured webhook, or logs messages when no
// webhook is set.
func SenderFromConfig(cfg *config.Config, logger *slog.Logger) notify.Sender {
	if url := strings.TrimSpace(cfg.Notifications.WebhookURL); url != "" {
		return notify.WebhookSender{URL: url, Secret: cfg.Notifications.WebhookSecret}
	}
	return notify.LogSender{Logger: logger.With(logging.FieldComponent, "notify")}
}

// PruneNotifications deletes dispatch records older than the configured
// retention.
func (rt *Runtime) PruneNotifications(ctx context.Context) (int64, error) {
	before := time.Now().Add(-rt.Config.NotificationRetention())
	return rt.Engine.Repo.PruneNotifications(ctx, domain.FormatTime(before))
}

// Close drains queued notifications and closes the database.
func (rt *Runtime) Close() error {
	if rt.Dispatcher != nil {
		rt.Dispatcher.Close()
	}
	if rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

// ErrLocked is returned when another process holds the workspace lock.
var ErrLocked = errors.New("workspace is locked by another proofreel server")

// LockServer takes the single-server lock for the workspace. The caller
// releases it with Unlock.
func LockServer(workspace string) (*flock.Flock, error) {
	stateDir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(stateDir, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return lock, nil
}

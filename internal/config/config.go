package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const FileName = "proofreel.yml"

// Config models proofreel.yml. Durations and sizes are strings ("7d" is not
// accepted; use "168h") parsed on access so the file stays human-editable.
type Config struct {
	Upload struct {
		ResumableThreshold string   `yaml:"resumable_threshold" json:"resumable_threshold"`
		ChunkSize          string   `yaml:"chunk_size" json:"chunk_size"`
		RetryBackoff       []string `yaml:"retry_backoff" json:"retry_backoff"`
		SessionRetention   string   `yaml:"session_retention" json:"session_retention"`
		ReconcileInterval  string   `yaml:"reconcile_interval" json:"reconcile_interval"`
	} `yaml:"upload" json:"upload"`
	Playback struct {
		SignedURLTTL string `yaml:"signed_url_ttl" json:"signed_url_ttl"`
	} `yaml:"playback" json:"playback"`
	Review struct {
		LinkTTL string `yaml:"link_ttl" json:"link_ttl"`
	} `yaml:"review" json:"review"`
	Notifications struct {
		DedupWindow  string   `yaml:"dedup_window" json:"dedup_window"`
		Retention    string   `yaml:"retention" json:"retention"`
		Workers      int      `yaml:"workers" json:"workers"`
		QueueSize    int      `yaml:"queue_size" json:"queue_size"`
		Timeout      string   `yaml:"timeout" json:"timeout"`
		RetryBackoff []string `yaml:"retry_backoff" json:"retry_backoff"`
		WebhookURL   string   `yaml:"webhook_url" json:"webhook_url"`
		// WebhookSecret is sent verbatim in X-Proofreel-Secret.
		WebhookSecret string            `yaml:"webhook_secret" json:"-"`
		Templates     map[string]string `yaml:"templates" json:"templates,omitempty"`
	} `yaml:"notifications" json:"notifications"`
	Feed struct {
		PollInterval string `yaml:"poll_interval" json:"poll_interval"`
		Buffer       int    `yaml:"buffer" json:"buffer"`
	} `yaml:"feed" json:"feed"`
	Server struct {
		Addr           string   `yaml:"addr" json:"addr"`
		PublicURL      string   `yaml:"public_url" json:"public_url"`
		AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	} `yaml:"server" json:"server"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
		File   string `yaml:"file" json:"file,omitempty"`
	} `yaml:"log" json:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Permissions known to the HTTP layer.
var Permissions = []string{
	"item.read", "item.write", "item.transition", "item.delete",
	"delivery.write", "upload.write", "link.issue", "media.read",
	"feed.read", "notification.read", "apikey.manage",
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with reel config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := c.ResumableThreshold(); err != nil {
		return err
	}
	chunk, err := c.ChunkSize()
	if err != nil {
		return err
	}
	if chunk == 0 {
		return fmt.Errorf("config.upload.chunk_size must be positive")
	}
	if _, err := c.UploadBackoff(); err != nil {
		return err
	}
	if _, err := c.NotificationBackoff(); err != nil {
		return err
	}
	durations := map[string]string{
		"upload.session_retention":   c.Upload.SessionRetention,
		"upload.reconcile_interval":  c.Upload.ReconcileInterval,
		"playback.signed_url_ttl":    c.Playback.SignedURLTTL,
		"review.link_ttl":            c.Review.LinkTTL,
		"notifications.dedup_window": c.Notifications.DedupWindow,
		"notifications.retention":    c.Notifications.Retention,
		"notifications.timeout":      c.Notifications.Timeout,
		"feed.poll_interval":         c.Feed.PollInterval,
	}
	for key, raw := range durations {
		d, err := parseDuration(key, raw)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", key)
		}
	}
	if c.Notifications.Workers <= 0 {
		return fmt.Errorf("config.notifications.workers must be positive")
	}
	if c.Notifications.QueueSize <= 0 {
		return fmt.Errorf("config.notifications.queue_size must be positive")
	}
	if c.Feed.Buffer <= 0 {
		return fmt.Errorf("config.feed.buffer must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	known := map[string]bool{}
	for _, p := range Permissions {
		known[p] = true
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm != "*" && !known[perm] {
				return fmt.Errorf("role %s has unknown permission %q", roleID, perm)
			}
		}
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config.%s: %w", key, err)
	}
	return d, nil
}

func parseSchedule(key string, raw []string) ([]time.Duration, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("config.%s must list at least one delay", key)
	}
	out := make([]time.Duration, 0, len(raw))
	for i, s := range raw {
		d, err := parseDuration(fmt.Sprintf("%s[%d]", key, i), s)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("config.%s[%d] must not be negative", key, i)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseSize(key, raw string) (int64, error) {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("config.%s: %w", key, err)
	}
	return int64(n), nil
}

func (c *Config) ResumableThreshold() (int64, error) {
	return parseSize("upload.resumable_threshold", c.Upload.ResumableThreshold)
}

func (c *Config) ChunkSize() (int64, error) {
	return parseSize("upload.chunk_size", c.Upload.ChunkSize)
}

// UploadBackoff is the per-chunk delay schedule; its length is the attempt count.
func (c *Config) UploadBackoff() ([]time.Duration, error) {
	return parseSchedule("upload.retry_backoff", c.Upload.RetryBackoff)
}

func (c *Config) NotificationBackoff() ([]time.Duration, error) {
	return parseSchedule("notifications.retry_backoff", c.Notifications.RetryBackoff)
}

// Duration accessors assume Validate has passed.

func (c *Config) SessionRetention() time.Duration  { return mustDuration(c.Upload.SessionRetention) }
func (c *Config) ReconcileInterval() time.Duration { return mustDuration(c.Upload.ReconcileInterval) }
func (c *Config) SignedURLTTL() time.Duration      { return mustDuration(c.Playback.SignedURLTTL) }
func (c *Config) LinkTTL() time.Duration           { return mustDuration(c.Review.LinkTTL) }
func (c *Config) DedupWindow() time.Duration       { return mustDuration(c.Notifications.DedupWindow) }
func (c *Config) NotificationRetention() time.Duration {
	return mustDuration(c.Notifications.Retention)
}
func (c *Config) NotificationTimeout() time.Duration { return mustDuration(c.Notifications.Timeout) }
func (c *Config) FeedPollInterval() time.Duration    { return mustDuration(c.Feed.PollInterval) }

func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(raw))
	return d
}

// RolePermissions resolves the permission set granted by roles.
func (c *Config) RolePermissions(roles []string) map[string]bool {
	out := map[string]bool{}
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			out[p] = true
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `upload:
  resumable_threshold: 50MB
  chunk_size: 50MB
  retry_backoff: [0s, 1s, 3s, 5s]
  session_retention: 24h
  reconcile_interval: 1h

playback:
  signed_url_ttl: 3600s

review:
  link_ttl: 168h

notifications:
  dedup_window: 1h
  retention: 720h
  workers: 4
  queue_size: 256
  timeout: 10s
  retry_backoff: [0s, 2s, 10s]
  webhook_url: ""
  webhook_secret: ""
  templates:
    delivery.submitted: "{{.title}}: version {{.version}} submitted for internal review"
    review.requested: "{{.title}} is ready for your review: {{.review_url}}"
    revision.requested: "{{.title}} needs changes{{if .notes}}: {{.notes}}{{end}}"
    work.approved: "{{.title}} was approved{{if .rating}} ({{.rating}}/5){{end}}"
    work.assigned: "You were assigned {{.title}}"

feed:
  poll_interval: 1s
  buffer: 64

server:
  addr: 127.0.0.1:8080
  public_url: http://127.0.0.1:8080
  allowed_origins: []

rbac:
  roles:
    admin:
      description: "Full access"
      permissions: ["*"]
    manager:
      description: "Plans work, validates submissions, escalates to clients"
      permissions: [item.read, item.write, item.transition, item.delete, delivery.write, upload.write, link.issue, media.read, feed.read, notification.read]
    editor:
      description: "Produces and submits deliveries"
      permissions: [item.read, item.transition, delivery.write, upload.write, media.read, feed.read, notification.read]
    viewer:
      description: "Read only"
      permissions: [item.read, media.read, feed.read]

log:
  level: info
  format: text
`

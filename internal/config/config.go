// Package config loads service settings from a YAML file and MAILSYNC_*
// environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/Martian-dev/inbox-sync/internal/blob"
	"github.com/Martian-dev/inbox-sync/internal/logging"
)

type Config struct {
	Env      string         `yaml:"env"`
	HTTP     HTTP           `yaml:"http"`
	Log      logging.Config `yaml:"log"`
	Database Database       `yaml:"database"`
	Queue    Queue          `yaml:"queue"`
	Dedup    Dedup          `yaml:"dedup"`
	Push     Push           `yaml:"push"`
	Auth     Auth           `yaml:"auth"`
	Blob     Blob           `yaml:"blob"`
	Sync     Sync           `yaml:"sync"`
	Recovery Recovery       `yaml:"recovery"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	Driver string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `yaml:"path"`
}

type Queue struct {
	Backend    string        `yaml:"backend"` // memory or nats
	NATSURL    string        `yaml:"nats_url"`
	Workers    int           `yaml:"workers"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

type Dedup struct {
	Backend  string        `yaml:"backend"` // memory or redis
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type Push struct {
	Secret         string `yaml:"secret"`
	JWKSURL        string `yaml:"jwks_url"`
	Audience       string `yaml:"audience"`
	ServiceAccount string `yaml:"service_account"`
}

type Auth struct {
	ServerURL    string `yaml:"server_url"`
	ServiceToken string `yaml:"service_token"`
}

type Blob struct {
	Backend string        `yaml:"backend"` // fs or s3
	Dir     string        `yaml:"dir"`
	S3      blob.S3Config `yaml:"s3"`
}

type Sync struct {
	FullSyncLimit      int           `yaml:"full_sync_limit"`
	WebhookJobAttempts int           `yaml:"webhook_job_attempts"`
	WebhookJobBackoff  time.Duration `yaml:"webhook_job_backoff"`
	// StaleWhenEqual treats a notification whose cursor equals the stored
	// cursor as stale.
	StaleWhenEqual bool `yaml:"stale_when_equal"`
}

type Recovery struct {
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	StaleThreshold   time.Duration `yaml:"stale_threshold"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryAge         time.Duration `yaml:"retry_age"`
	RetryBatch       int           `yaml:"retry_batch"`
	FailureThreshold int           `yaml:"failure_threshold"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ReportInterval   time.Duration `yaml:"report_interval"`
	// LockRedisURL enables the cross-instance task lock when set.
	LockRedisURL string        `yaml:"lock_redis_url"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Env: "development",
		HTTP: HTTP{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log:      logging.Config{Level: "info", Format: "json"},
		Database: Database{Driver: "sqlite", Path: "data/mailsync.db"},
		Queue: Queue{
			Backend:    "memory",
			Workers:    8,
			JobTimeout: 2 * time.Minute,
		},
		Dedup: Dedup{Backend: "memory", TTL: time.Hour},
		Push:  Push{},
		Blob:  Blob{Backend: "fs", Dir: "data/blobs"},
		Sync: Sync{
			FullSyncLimit:      50,
			WebhookJobAttempts: 3,
			WebhookJobBackoff:  2 * time.Second,
			StaleWhenEqual:     true,
		},
		Recovery: Recovery{
			SweepInterval:    30 * time.Minute,
			StaleThreshold:   2 * time.Hour,
			RetryInterval:    time.Hour,
			RetryAge:         24 * time.Hour,
			RetryBatch:       500,
			FailureThreshold: 5,
			PollInterval:     5 * time.Minute,
			ReportInterval:   24 * time.Hour,
			LockTTL:          10 * time.Minute,
		},
	}
}

// Production reports whether the service runs in production mode.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, eris.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, eris.Wrapf(err, "parse config %s", path)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Env = envOr("MAILSYNC_ENV", c.Env)
	c.HTTP.Addr = envOr("MAILSYNC_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.AdminToken = envOr("MAILSYNC_ADMIN_TOKEN", c.HTTP.AdminToken)
	c.Log.Level = envOr("MAILSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("MAILSYNC_LOG_FORMAT", c.Log.Format)
	c.Database.Driver = envOr("MAILSYNC_DB_DRIVER", c.Database.Driver)
	c.Database.Path = envOr("MAILSYNC_DB_PATH", c.Database.Path)
	c.Queue.Backend = envOr("MAILSYNC_QUEUE", c.Queue.Backend)
	c.Queue.NATSURL = envOr("MAILSYNC_NATS_URL", c.Queue.NATSURL)
	c.Queue.Workers = intEnv("MAILSYNC_WORKERS", c.Queue.Workers)
	c.Dedup.Backend = envOr("MAILSYNC_DEDUP", c.Dedup.Backend)
	c.Dedup.RedisURL = envOr("MAILSYNC_REDIS_URL", c.Dedup.RedisURL)
	c.Dedup.TTL = durationEnv("MAILSYNC_DEDUP_TTL", c.Dedup.TTL)
	c.Push.Secret = envOr("MAILSYNC_PUSH_SECRET", c.Push.Secret)
	c.Push.JWKSURL = envOr("MAILSYNC_PUSH_JWKS_URL", c.Push.JWKSURL)
	c.Push.Audience = envOr("MAILSYNC_PUSH_AUDIENCE", c.Push.Audience)
	c.Push.ServiceAccount = envOr("MAILSYNC_PUSH_SERVICE_ACCOUNT", c.Push.ServiceAccount)
	c.Auth.ServerURL = envOr("MAILSYNC_AUTH_URL", c.Auth.ServerURL)
	c.Auth.ServiceToken = envOr("MAILSYNC_AUTH_TOKEN", c.Auth.ServiceToken)
	c.Blob.Backend = envOr("MAILSYNC_BLOB", c.Blob.Backend)
	c.Blob.Dir = envOr("MAILSYNC_BLOB_DIR", c.Blob.Dir)
	if s3 := blob.S3ConfigFromEnv(); s3 != nil {
		c.Blob.S3 = *s3
	}
	c.Sync.FullSyncLimit = intEnv("MAILSYNC_FULL_SYNC_LIMIT", c.Sync.FullSyncLimit)
	c.Recovery.StaleThreshold = durationEnv("MAILSYNC_STALE_THRESHOLD", c.Recovery.StaleThreshold)
	c.Recovery.FailureThreshold = intEnv("MAILSYNC_FAILURE_THRESHOLD", c.Recovery.FailureThreshold)
	c.Recovery.PollInterval = durationEnv("MAILSYNC_POLL_INTERVAL", c.Recovery.PollInterval)
	c.Recovery.LockRedisURL = envOr("MAILSYNC_LOCK_REDIS_URL", c.Recovery.LockRedisURL)
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return eris.Errorf("database.driver %q: want sqlite or sqlite3", c.Database.Driver)
	}
	switch c.Queue.Backend {
	case "memory":
	case "nats":
		if c.Queue.NATSURL == "" {
			return eris.New("queue.nats_url required for the nats backend")
		}
	default:
		return eris.Errorf("queue.backend %q: want memory or nats", c.Queue.Backend)
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisURL == "" {
			return eris.New("dedup.redis_url required for the redis backend")
		}
	default:
		return eris.Errorf("dedup.backend %q: want memory or redis", c.Dedup.Backend)
	}
	switch c.Blob.Backend {
	case "fs":
	case "s3":
		if c.Blob.S3.Endpoint == "" || c.Blob.S3.Bucket == "" {
			return eris.New("blob.s3.endpoint and blob.s3.bucket required for the s3 backend")
		}
	default:
		return eris.Errorf("blob.backend %q: want fs or s3", c.Blob.Backend)
	}
	if c.Production() && c.Push.Secret == "" && c.Push.JWKSURL == "" {
		return eris.New("production requires push.secret or push.jwks_url")
	}
	if c.Recovery.FailureThreshold < 1 {
		return eris.New("recovery.failure_threshold must be positive")
	}
	for name, d := range map[string]time.Duration{
		"recovery.sweep_interval":  c.Recovery.SweepInterval,
		"recovery.retry_interval":  c.Recovery.RetryInterval,
		"recovery.report_interval": c.Recovery.ReportInterval,
		"recovery.poll_interval":   c.Recovery.PollInterval,
		"dedup.ttl":                c.Dedup.TTL,
	} {
		if d <= 0 {
			return eris.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

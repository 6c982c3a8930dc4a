package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"readTimeout"`
		WriteTimeout time.Duration `yaml:"writeTimeout"`
		IdleTimeout  time.Duration `yaml:"idleTimeout"`
		CORSOrigins  []string      `yaml:"corsOrigins"`
		RateLimit    struct {
			Capacity   int `yaml:"capacity"`
			RefillRate int `yaml:"refillRate"`
		} `yaml:"rateLimit"`
	} `yaml:"server"`

	Database struct {
		Dialect         string        `yaml:"dialect"` // postgres | mysql | sqlite
		DSN             string        `yaml:"dsn"`
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		User            string        `yaml:"user"`
		Password        string        `yaml:"password"`
		Name            string        `yaml:"name"`
		MaxOpenConns    int           `yaml:"maxOpenConns"`
		MaxIdleConns    int           `yaml:"maxIdleConns"`
		ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
		AutoMigrate     bool          `yaml:"autoMigrate"`
	} `yaml:"database"`

	Worker struct {
		URL            string        `yaml:"url"`
		SharedSecret   string        `yaml:"sharedSecret"`
		MinTimeout     time.Duration `yaml:"minTimeout"`
		MaxTimeout     time.Duration `yaml:"maxTimeout"`
		DefaultTimeout time.Duration `yaml:"defaultTimeout"`
		Buffer         time.Duration `yaml:"buffer"`
	} `yaml:"worker"`

	Webhook struct {
		ResultsToken string `yaml:"resultsToken"`
		MaxBodyBytes int64  `yaml:"maxBodyBytes"`
		MaxFindings  int    `yaml:"maxFindings"`
	} `yaml:"webhook"`

	Ops struct {
		Secret string `yaml:"secret"`
	} `yaml:"ops"`

	Billing struct {
		Costs                map[string]int64 `yaml:"costs"`
		// PartialRefundPercent is a pointer so an explicit 0 survives defaulting.
		PartialRefundPercent *int `yaml:"partialRefundPercent"`
	} `yaml:"billing"`

	Reconcile struct {
		Schedule       string        `yaml:"schedule"`
		DriftThreshold time.Duration `yaml:"driftThreshold"`
		FailThreshold  time.Duration `yaml:"failThreshold"`
		Limit          int           `yaml:"limit"`
	} `yaml:"reconcile"`

	Sweep struct {
		Schedule          string        `yaml:"schedule"`
		Timeout           time.Duration `yaml:"timeout"`
		FailureMultiplier int           `yaml:"failureMultiplier"`
		Limit             int           `yaml:"limit"`
	} `yaml:"sweep"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
		// PresignTTL bounds payload download links handed out on scan reads.
		PresignTTL time.Duration `yaml:"presignTTL"`
	} `yaml:"minio"`

	APIKeys []APIKey `yaml:"apiKeys"`

	LogLevel string `yaml:"logLevel"`
}

// APIKey maps an end-user key to its workspace, user and role.
type APIKey struct {
	Key         string `yaml:"key"`
	WorkspaceID string `yaml:"workspaceId"`
	UserID      string `yaml:"userId"`
	Role        string `yaml:"role"`
}

// Safety windows for caller-supplied overrides.
const (
	MinSweepTimeout = time.Minute
	MaxSweepTimeout = 60 * time.Minute
	MinDrift        = 5 * time.Minute
	MaxDrift        = 24 * time.Hour
	MinLimit        = 1
	MaxLimit        = 500
)

// Load baca file config.yaml. A missing file yields the defaults so the
// service can start from env alone.
func Load(path string) (*Config, error) {
	var cfg Config
	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("open config %q: %w", path, err)
	default:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		"DATABASE_DSN":         &c.Database.DSN,
		"RESULTS_TOKEN":        &c.Webhook.ResultsToken,
		"OPS_SECRET":           &c.Ops.Secret,
		"WORKER_SHARED_SECRET": &c.Worker.SharedSecret,
		"WORKER_URL":           &c.Worker.URL,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RateLimit.Capacity == 0 {
		c.Server.RateLimit.Capacity = 60
	}
	if c.Server.RateLimit.RefillRate == 0 {
		c.Server.RateLimit.RefillRate = 1
	}
	if c.Database.Dialect == "" {
		c.Database.Dialect = "sqlite"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Worker.MinTimeout == 0 {
		c.Worker.MinTimeout = 10 * time.Second
	}
	if c.Worker.MaxTimeout == 0 {
		c.Worker.MaxTimeout = 120 * time.Second
	}
	if c.Worker.DefaultTimeout == 0 {
		c.Worker.DefaultTimeout = 30 * time.Second
	}
	if c.Worker.Buffer == 0 {
		c.Worker.Buffer = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// dispatch holds the request open for the worker call
		c.Server.WriteTimeout = c.Worker.MaxTimeout + c.Worker.Buffer + 10*time.Second
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 10 << 20
	}
	if c.Webhook.MaxFindings == 0 {
		c.Webhook.MaxFindings = 5000
	}
	if c.Billing.Costs == nil {
		c.Billing.Costs = map[string]int64{
			"username": 1,
			"email":    2,
			"phone":    2,
			"combined": 4,
		}
	}
	if c.Minio.PresignTTL == 0 {
		c.Minio.PresignTTL = 15 * time.Minute
	}
	if c.Billing.PartialRefundPercent == nil {
		pct := 50
		c.Billing.PartialRefundPercent = &pct
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "@every 1h"
	}
	if c.Reconcile.DriftThreshold == 0 {
		c.Reconcile.DriftThreshold = time.Hour
	}
	if c.Reconcile.FailThreshold == 0 {
		c.Reconcile.FailThreshold = 2 * c.Reconcile.DriftThreshold
	}
	if c.Reconcile.Limit == 0 {
		c.Reconcile.Limit = 100
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 1m"
	}
	if c.Sweep.Timeout == 0 {
		c.Sweep.Timeout = 2 * time.Minute
	}
	if c.Sweep.FailureMultiplier == 0 {
		c.Sweep.FailureMultiplier = 10
	}
	if c.Sweep.Limit == 0 {
		c.Sweep.Limit = 100
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.APIKeys {
		if c.APIKeys[i].Role == "" {
			c.APIKeys[i].Role = "member"
		}
	}
}

func (c *Config) validate() error {
	switch c.Database.Dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.dialect %q: want postgres, mysql or sqlite", c.Database.Dialect)
	}
	if c.Worker.MinTimeout > c.Worker.MaxTimeout {
		return fmt.Errorf("worker.minTimeout %s exceeds worker.maxTimeout %s", c.Worker.MinTimeout, c.Worker.MaxTimeout)
	}
	if p := c.RefundPercent(); p < 0 || p > 100 {
		return fmt.Errorf("billing.partialRefundPercent %d out of range [0,100]", p)
	}
	for i, k := range c.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("apiKeys[%d]: key is empty", i)
		}
		if !validUUID(k.WorkspaceID) {
			return fmt.Errorf("apiKeys[%d]: workspaceId %q is not a uuid", i, k.WorkspaceID)
		}
		// Scans are owned by the user id; without one the key could never cancel its own scans.
		if !validUUID(k.UserID) {
			return fmt.Errorf("apiKeys[%d]: userId %q is not a uuid", i, k.UserID)
		}
	}
	if c.Reconcile.FailThreshold < c.Reconcile.DriftThreshold {
		return fmt.Errorf("reconcile.failThreshold must not be below driftThreshold")
	}
	c.Sweep.Timeout = ClampDuration(c.Sweep.Timeout, MinSweepTimeout, MaxSweepTimeout)
	c.Reconcile.DriftThreshold = ClampDuration(c.Reconcile.DriftThreshold, MinDrift, MaxDrift)
	c.Sweep.Limit = ClampInt(c.Sweep.Limit, MinLimit, MaxLimit)
	c.Reconcile.Limit = ClampInt(c.Reconcile.Limit, MinLimit, MaxLimit)
	return nil
}

// DSN returns the configured DSN, or builds one from the discrete fields.
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	d := c.Database
	switch c.Database.Dialect {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
	case "mysql":
		return c.MySQLDSN()
	default:
		name := d.Name
		if name == "" {
			name = "osintscan.db"
		}
		return name
	}
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// RefundPercent is the share of the charge returned when a scan with
// findings is cancelled.
func (c *Config) RefundPercent() int {
	if c.Billing.PartialRefundPercent == nil {
		return 50
	}
	return *c.Billing.PartialRefundPercent
}

func validUUID(s string) bool {
	id, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil && id != uuid.Nil
}

// MinioEnabled reports whether the raw payload archive is configured.
func (c *Config) MinioEnabled() bool {
	return strings.TrimSpace(c.Minio.Endpoint) != "" && c.Minio.BucketName != ""
}

// ClampDuration bounds d to [lo, hi].
func ClampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

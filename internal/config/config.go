// Package config loads auditchain configuration from a YAML file, an optional
// .env file and the environment, in that order of increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/internal/logging"
	"github.com/auditchain/go-core/internal/ratelimit"
)

// EnvPrefix prefixes every auditchain environment override
const EnvPrefix = "AUDITCHAIN_"

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Lock backends
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config is the full service configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       logging.Config   `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	Lock      LockConfig       `yaml:"lock"`
	Chain     ChainConfig      `yaml:"chain"`
	Verify    VerifyConfig     `yaml:"verify"`
	Retention RetentionConfig  `yaml:"retention"`
	Policy    PolicyConfig     `yaml:"policy"`
	Auth      AuthConfig       `yaml:"auth"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds append request bodies
	MaxBodyBytes  int64 `yaml:"max_body_bytes"`
	EnableMetrics bool  `yaml:"enable_metrics"`
}

// StoreConfig selects and configures the record store
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// LockConfig selects the per-chain lock backend
type LockConfig struct {
	Backend       string        `yaml:"backend"`
	RedisURL      string        `yaml:"redis_url"`
	KeyPrefix     string        `yaml:"key_prefix"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ChainConfig configures record building and appends
type ChainConfig struct {
	HashAlgorithm    string        `yaml:"hash_algorithm"`
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	ProhibitedActors []string      `yaml:"prohibited_actors"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

// VerifyConfig configures verification and the scheduled verify job
type VerifyConfig struct {
	PageSize int `yaml:"page_size"`
	// Interval is the scheduled full-verification period; zero disables the job
	Interval time.Duration `yaml:"interval"`
	// Chains are glob selectors (e.g. "orders/*"); empty means every chain
	Chains  []string `yaml:"chains"`
	Workers int      `yaml:"workers"`
}

// RetentionConfig configures partitioning and archival
type RetentionConfig struct {
	Period      string `yaml:"period"`
	Granularity string `yaml:"granularity"`
	ArchiveDir  string `yaml:"archive_dir"`
	PageSize    int    `yaml:"page_size"`
}

// PolicyConfig locates the metadata policy file
type PolicyConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// AuthConfig configures bearer-token authentication of the REST API
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// DefaultConfig returns a configuration suitable for local development
func DefaultConfig() *Config {
	engine := audit.DefaultEngineConfig()
	lock := audit.DefaultRedisLockerConfig()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			EnableMetrics:   true,
		},
		Log: logging.DefaultConfig(),
		Store: StoreConfig{
			Driver:      DriverSQLite,
			DSN:         "auditchain.db",
			AutoMigrate: true,
		},
		Lock: LockConfig{
			Backend:       LockLocal,
			KeyPrefix:     lock.KeyPrefix,
			LeaseTTL:      lock.LeaseTTL,
			RetryInterval: lock.RetryInterval,
		},
		Chain: ChainConfig{
			HashAlgorithm:    string(audit.DefaultHashAlgorithm),
			MaxRetries:       engine.MaxRetries,
			InitialBackoff:   engine.InitialBackoff,
			MaxBackoff:       engine.MaxBackoff,
			ProhibitedActors: append([]string(nil), audit.DefaultProhibitedActors...),
			SubscriberBuffer: engine.SubscriberBuffer,
		},
		Verify: VerifyConfig{
			PageSize: 1000,
			Interval: 0,
			Workers:  4,
		},
		Retention: RetentionConfig{
			Period:      "7y",
			Granularity: string(audit.GranularityYear),
			ArchiveDir:  "archive",
			PageSize:    1000,
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(content); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	// a missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(content []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables. DATABASE_URL and
// REDIS_URL are honoured unprefixed as well since most platforms inject
// them under those names.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && v != "" {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Store.Driver = DriverPostgres
		}
	}
	str("REDIS_URL", &c.Lock.RedisURL)

	p := EnvPrefix
	str(p+"SERVER_ADDR", &c.Server.Addr)
	duration(p+"SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	boolean(p+"ENABLE_METRICS", &c.Server.EnableMetrics)

	str(p+"LOG_LEVEL", &c.Log.Level)
	str(p+"LOG_FORMAT", &c.Log.Format)
	str(p+"LOG_FILE", &c.Log.File)

	str(p+"STORE_DRIVER", &c.Store.Driver)
	str(p+"STORE_DSN", &c.Store.DSN)
	boolean(p+"STORE_AUTO_MIGRATE", &c.Store.AutoMigrate)

	str(p+"LOCK_BACKEND", &c.Lock.Backend)
	str(p+"LOCK_REDIS_URL", &c.Lock.RedisURL)
	duration(p+"LOCK_LEASE_TTL", &c.Lock.LeaseTTL)

	str(p+"HASH_ALGORITHM", &c.Chain.HashAlgorithm)
	integer(p+"MAX_RETRIES", &c.Chain.MaxRetries)
	list(p+"PROHIBITED_ACTORS", &c.Chain.ProhibitedActors)

	integer(p+"VERIFY_PAGE_SIZE", &c.Verify.PageSize)
	duration(p+"VERIFY_INTERVAL", &c.Verify.Interval)
	list(p+"VERIFY_CHAINS", &c.Verify.Chains)
	integer(p+"VERIFY_WORKERS", &c.Verify.Workers)

	str(p+"RETENTION_PERIOD", &c.Retention.Period)
	str(p+"RETENTION_GRANULARITY", &c.Retention.Granularity)
	str(p+"ARCHIVE_DIR", &c.Retention.ArchiveDir)

	str(p+"POLICY_FILE", &c.Policy.File)
	boolean(p+"POLICY_WATCH", &c.Policy.Watch)

	boolean(p+"AUTH_ENABLED", &c.Auth.Enabled)
	str(p+"JWT_SECRET", &c.Auth.JWTSecret)

	boolean(p+"RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	if v, ok := lookup(p + "RATE_LIMIT_RPS"); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", p, err))
		} else {
			c.RateLimit.RPS = rps
		}
	}
	integer(p+"RATE_LIMIT_BURST", &c.RateLimit.Burst)

	return errors.Join(errs...)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of memory, sqlite, postgres; got %q", c.Store.Driver))
	}

	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisURL == "" {
			errs = append(errs, fmt.Errorf("lock.redis_url is required for the redis backend"))
		}
		if c.Lock.LeaseTTL <= 0 {
			errs = append(errs, fmt.Errorf("lock.lease_ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend must be local or redis; got %q", c.Lock.Backend))
	}

	if !audit.HashAlgorithm(c.Chain.HashAlgorithm).Valid() {
		errs = append(errs, fmt.Errorf("chain.hash_algorithm %q is not supported", c.Chain.HashAlgorithm))
	}
	if c.Chain.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("chain.max_retries must not be negative"))
	}
	if c.Chain.InitialBackoff <= 0 || c.Chain.MaxBackoff < c.Chain.InitialBackoff {
		errs = append(errs, fmt.Errorf("chain backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}

	if c.Verify.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("verify.page_size must be positive"))
	}
	if c.Verify.Interval < 0 {
		errs = append(errs, fmt.Errorf("verify.interval must not be negative"))
	}
	if c.Verify.Workers <= 0 {
		errs = append(errs, fmt.Errorf("verify.workers must be positive"))
	}

	if _, err := c.RetentionPeriod(); err != nil {
		errs = append(errs, fmt.Errorf("retention.period: %w", err))
	}
	switch audit.Granularity(c.Retention.Granularity) {
	case audit.GranularityYear, audit.GranularityMonth:
	default:
		errs = append(errs, fmt.Errorf("retention.granularity must be year or month; got %q", c.Retention.Granularity))
	}
	if c.Retention.ArchiveDir == "" {
		errs = append(errs, fmt.Errorf("retention.archive_dir is required"))
	}

	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 bytes when auth is enabled"))
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit: %w", err))
	}

	return errors.Join(errs...)
}

// RetentionPeriod parses Retention.Period
func (c *Config) RetentionPeriod() (audit.RetentionPeriod, error) {
	return audit.ParseRetentionPeriod(c.Retention.Period)
}

// EngineConfig maps the chain section onto the append engine's config
func (c *Config) EngineConfig() audit.EngineConfig {
	return audit.EngineConfig{
		MaxRetries:       c.Chain.MaxRetries,
		InitialBackoff:   c.Chain.InitialBackoff,
		MaxBackoff:       c.Chain.MaxBackoff,
		SubscriberBuffer: c.Chain.SubscriberBuffer,
	}
}

// BuilderConfig maps the chain section onto the record builder's config
func (c *Config) BuilderConfig(policy audit.MetadataPolicy) audit.BuilderConfig {
	return audit.BuilderConfig{
		HashAlgorithm:    audit.HashAlgorithm(c.Chain.HashAlgorithm),
		ProhibitedActors: c.Chain.ProhibitedActors,
		Policy:           policy,
	}
}

// RedisLockerConfig maps the lock section onto the Redis locker's config
func (c *Config) RedisLockerConfig() audit.RedisLockerConfig {
	return audit.RedisLockerConfig{
		KeyPrefix:     c.Lock.KeyPrefix,
		LeaseTTL:      c.Lock.LeaseTTL,
		RetryInterval: c.Lock.RetryInterval,
	}
}

// PartitionConfig maps the retention section onto the partition manager's config
func (c *Config) PartitionConfig() (audit.PartitionConfig, error) {
	period, err := c.RetentionPeriod()
	if err != nil {
		return audit.PartitionConfig{}, err
	}
	return audit.PartitionConfig{
		Granularity: audit.Granularity(c.Retention.Granularity),
		Retention:   period,
		PageSize:    c.Retention.PageSize,
	}, nil
}

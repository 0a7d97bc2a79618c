package config

import (
	"net"
	"strconv"
	"time"

	"github.com/northvale/mesh/internal/logging"
)

// Deployment environments. Production tightens transport rules (HTTPS
// redirect, scheme-default ports allowed); everything else requires an
// explicit port on service base URLs.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// ServerConfig identifies a service instance and its listener.
type ServerConfig struct {
	Slug    string `yaml:"slug"`
	Version int    `yaml:"version"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Env     string `yaml:"env"` // development, staging, production

	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerConfig) IsProduction() bool {
	return s.Env == EnvProduction
}

// RequiresHTTPS reports whether plain HTTP must be redirected to https.
// Holds for staging and production; development listens however it likes.
func (s ServerConfig) RequiresHTTPS() bool {
	return s.Env == EnvStaging || s.Env == EnvProduction
}

// LoggingConfig controls the level ladder and optional file output.
// Level has no default: LOG_LEVEL must be set explicitly.
type LoggingConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"` // console or json
	File   FileLogConfig `yaml:"file"`
}

// FileLogConfig enables size-rotated log files alongside stdout.
type FileLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Options maps the section onto logger options.
func (c LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:          c.Level,
		Format:         c.Format,
		FilePath:       c.File.Path,
		FileMaxSizeMB:  c.File.MaxSizeMB,
		FileMaxBackups: c.File.MaxBackups,
		FileMaxAgeDays: c.File.MaxAgeDays,
		FileCompress:   c.File.Compress,
	}
}

// S2SConfig covers both sides of service-to-service auth: minting
// (gateway, workers calling out) and verification (every internal
// receiver). Timeout is required and has no default.
type S2SConfig struct {
	Mode            string        `yaml:"mode"` // hs256 or rs256
	Secret          string        `yaml:"secret" redact:"true"`
	PrivateKeyFile  string        `yaml:"private_key_file"`
	JWKSURL         string        `yaml:"jwks_url"`
	Issuer          string        `yaml:"issuer"`   // defaults to server.slug at wire-up
	Audience        string        `yaml:"audience"` // default "internal-services"
	AcceptedIssuers []string      `yaml:"accepted_issuers"`
	Timeout         time.Duration `yaml:"timeout"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	MaxTokenTTL     time.Duration `yaml:"max_token_ttl"`
	ReplayWindow    time.Duration `yaml:"replay_window"`
	MaxRetries      int           `yaml:"max_retries"`
}

// WALConfig controls the append-only journal and the flush loop that
// drains it toward the audit sink.
type WALConfig struct {
	Dir string `yaml:"dir"`
	// FsyncIntervalMs gates fsync cadence: 0 syncs on every append,
	// absent means 250 ms.
	FsyncIntervalMs *int          `yaml:"fsync_interval_ms"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBatch        int           `yaml:"max_batch"`
	MaxBuffered     int           `yaml:"max_buffered"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// FsyncInterval resolves the configured cadence, applying the 250 ms
// default when the field is absent.
func (w WALConfig) FsyncInterval() time.Duration {
	if w.FsyncIntervalMs == nil {
		return 250 * time.Millisecond
	}
	return time.Duration(*w.FsyncIntervalMs) * time.Millisecond
}

// MirrorConfig controls the facilitator's in-memory mirror snapshot.
type MirrorConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	LKGPath        string        `yaml:"lkg_path"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// LimitsConfig bounds inbound request handling. RatePerMinute of 0
// disables per-IP rate limiting; GlobalRatePerSecond of 0 disables the
// process-wide cap.
type LimitsConfig struct {
	BodyLimitBytes      int64         `yaml:"body_limit_bytes"`
	RatePerMinute       int           `yaml:"rate_per_minute"`
	RateBurst           int           `yaml:"rate_burst"`
	GlobalRatePerSecond float64       `yaml:"global_rate_per_second"`
	GlobalBurst         int           `yaml:"global_burst"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
}

// AdminConfig exposes health/ready/stats/metrics on a separate listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

func (a AdminConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// StoreConfig selects a persistence driver. Which types are accepted
// depends on the binary: the facilitator takes memory, redis, or etcd;
// the audit service takes memory or postgres.
type StoreConfig struct {
	Type     string         `yaml:"type"`
	Redis    RedisConfig    `yaml:"redis"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig connects the redis-backed service-config store.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password" redact:"true"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EtcdConfig connects the etcd-backed service-config store.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Namespace   string        `yaml:"namespace"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password" redact:"true"`
}

// PostgresConfig connects the audit record store.
type PostgresConfig struct {
	DSN      string `yaml:"dsn" redact:"true"`
	MaxConns int32  `yaml:"max_conns"`
}

// FacilitatorClientConfig is the bootstrap anchor for reaching the
// facilitator. BaseURL is required (SVCFACILITATOR_BASE_URL overrides
// whatever the file says) because the facilitator cannot be resolved
// through the mirror it serves.
type FacilitatorClientConfig struct {
	BaseURL    string        `yaml:"base_url"`
	PathAnchor string        `yaml:"path_anchor"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// AuditSinkConfig names the downstream audit receiver. Either URL is
// set (direct, skips resolution) or Slug+Version are resolved through
// the facilitator like any other service.
type AuditSinkConfig struct {
	Slug    string        `yaml:"slug"`
	Version int           `yaml:"version"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// GatewayConfig is the complete configuration of the edge gateway.
type GatewayConfig struct {
	Server      ServerConfig            `yaml:"server"`
	Logging     LoggingConfig           `yaml:"logging"`
	Facilitator FacilitatorClientConfig `yaml:"facilitator"`
	S2S         S2SConfig               `yaml:"s2s"`
	WAL         WALConfig               `yaml:"wal"`
	AuditSink   AuditSinkConfig         `yaml:"audit_sink"`
	Limits      LimitsConfig            `yaml:"limits"`
	Admin       AdminConfig             `yaml:"admin"`
}

// FacilitatorConfig is the complete configuration of the
// service-config facilitator.
type FacilitatorConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	S2S     S2SConfig     `yaml:"s2s"`
	Store   StoreConfig   `yaml:"store"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Limits  LimitsConfig  `yaml:"limits"`
	Admin   AdminConfig   `yaml:"admin"`
}

// AuditConfig is the complete configuration of the audit receiver.
type AuditConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	S2S     S2SConfig     `yaml:"s2s"`
	WAL     WALConfig     `yaml:"wal"`
	Store   StoreConfig   `yaml:"store"`
	Limits  LimitsConfig  `yaml:"limits"`
	Admin   AdminConfig   `yaml:"admin"`
}

// Defaults below cover only the optional knobs. Identity fields (slug,
// version, port), LOG_LEVEL, the facilitator base URL, the S2S timeout
// and secret, and the audit sink slug/version are required and fail
// validation when absent.

func defaultServer() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Env:               EnvDevelopment,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{
		Format: "console",
		File: FileLogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

func defaultS2S() S2SConfig {
	return S2SConfig{
		Mode:         "hs256",
		Audience:     "internal-services",
		TokenTTL:     90 * time.Second,
		MaxTokenTTL:  5 * time.Minute,
		ReplayWindow: 10 * time.Minute,
		MaxRetries:   3,
	}
}

func defaultWAL() WALConfig {
	return WALConfig{
		FlushInterval: 2 * time.Second,
		MaxBatch:      256,
		MaxBuffered:   4096,
		MaxAttempts:   5,
	}
}

func defaultLimits() LimitsConfig {
	return LimitsConfig{
		BodyLimitBytes:      1 << 20,
		RatePerMinute:       300,
		RateBurst:           60,
		GlobalRatePerSecond: 500,
		GlobalBurst:         250,
		RequestTimeout:      30 * time.Second,
	}
}

// DefaultGatewayConfig returns gateway defaults for the optional knobs.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Server:  defaultServer(),
		Logging: defaultLogging(),
		Facilitator: FacilitatorClientConfig{
			PathAnchor: "/api",
			Timeout:    5 * time.Second,
			CacheTTL:   30 * time.Second,
		},
		S2S: defaultS2S(),
		WAL: defaultWAL(),
		AuditSink: AuditSinkConfig{
			Timeout: 10 * time.Second,
		},
		Limits: defaultLimits(),
		Admin:  AdminConfig{Host: "127.0.0.1"},
	}
}

// DefaultFacilitatorConfig returns facilitator defaults for the
// optional knobs.
func DefaultFacilitatorConfig() *FacilitatorConfig {
	return &FacilitatorConfig{
		Server:  defaultServer(),
		Logging: defaultLogging(),
		S2S:     defaultS2S(),
		Store: StoreConfig{
			Type: "memory",
			Etcd: EtcdConfig{DialTimeout: 5 * time.Second},
		},
		Mirror: MirrorConfig{
			TTL:            30 * time.Second,
			RefreshTimeout: 10 * time.Second,
		},
		Limits: defaultLimits(),
		Admin:  AdminConfig{Host: "127.0.0.1"},
	}
}

// DefaultAuditConfig returns audit-service defaults for the optional
// knobs.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Server:  defaultServer(),
		Logging: defaultLogging(),
		S2S:     defaultS2S(),
		WAL:     defaultWAL(),
		Store: StoreConfig{
			Type:     "memory",
			Postgres: PostgresConfig{MaxConns: 8},
		},
		Limits: defaultLimits(),
		Admin:  AdminConfig{Host: "127.0.0.1"},
	}
}

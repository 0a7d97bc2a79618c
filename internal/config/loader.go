package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/logging"
)

// Environment variables recognized on top of the config file. The file
// may also reference any variable via ${VAR} expansion.
const (
	EnvLogLevel           = "LOG_LEVEL"
	EnvFacilitatorBaseURL = "SVCFACILITATOR_BASE_URL"
	EnvS2STimeoutMs       = "S2S_TIMEOUT_MS"
	EnvS2SSecret          = "S2S_SECRET"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a configuration loader with env and file secret
// providers registered.
func NewLoader() *Loader {
	l := &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
	l.secrets.Register(&EnvProvider{})
	l.secrets.Register(&FileProvider{})
	return l
}

// Secrets exposes the registry so callers can add providers (e.g. a
// KMS-backed scheme) before loading.
func (l *Loader) Secrets() *SecretRegistry { return l.secrets }

// LoadGateway reads and parses a gateway configuration file.
func (l *Loader) LoadGateway(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.ParseGateway(data)
}

// ParseGateway parses gateway configuration from YAML bytes.
func (l *Loader) ParseGateway(data []byte) (*GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnvString(&cfg.Logging.Level, EnvLogLevel, false)
	applyEnvString(&cfg.Facilitator.BaseURL, EnvFacilitatorBaseURL, true)
	applyEnvString(&cfg.S2S.Secret, EnvS2SSecret, false)
	if err := applyEnvTimeoutMs(&cfg.S2S.Timeout, EnvS2STimeoutMs); err != nil {
		return nil, err
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}
	if err := l.validateGateway(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFacilitator reads and parses a facilitator configuration file.
func (l *Loader) LoadFacilitator(path string) (*FacilitatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.ParseFacilitator(data)
}

// ParseFacilitator parses facilitator configuration from YAML bytes.
func (l *Loader) ParseFacilitator(data []byte) (*FacilitatorConfig, error) {
	cfg := DefaultFacilitatorConfig()
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnvString(&cfg.Logging.Level, EnvLogLevel, false)
	applyEnvString(&cfg.S2S.Secret, EnvS2SSecret, false)
	if err := applyEnvTimeoutMs(&cfg.S2S.Timeout, EnvS2STimeoutMs); err != nil {
		return nil, err
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}
	if err := l.validateFacilitator(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadAudit reads and parses an audit-service configuration file.
func (l *Loader) LoadAudit(path string) (*AuditConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.ParseAudit(data)
}

// ParseAudit parses audit-service configuration from YAML bytes.
func (l *Loader) ParseAudit(data []byte) (*AuditConfig, error) {
	cfg := DefaultAuditConfig()
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnvString(&cfg.Logging.Level, EnvLogLevel, false)
	applyEnvString(&cfg.S2S.Secret, EnvS2SSecret, false)
	if err := applyEnvTimeoutMs(&cfg.S2S.Timeout, EnvS2STimeoutMs); err != nil {
		return nil, err
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}
	if err := l.validateAudit(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left untouched so secret references like
// ${file:/run/secrets/x} survive to the resolution pass.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyEnvString fills dst from the named environment variable.
// When override is true a set variable wins over the file value.
func applyEnvString(dst *string, name string, override bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	if *dst == "" || override {
		*dst = v
	}
}

// applyEnvTimeoutMs fills dst from a millisecond-valued environment
// variable when the file left it unset.
func applyEnvTimeoutMs(dst *time.Duration, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" || *dst != 0 {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", name, v)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

type s2sRole int

const (
	s2sSigns s2sRole = 1 << iota
	s2sVerifies
)

func (l *Loader) validateGateway(cfg *GatewayConfig) error {
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := validateFacilitatorClient(cfg.Facilitator); err != nil {
		return err
	}
	if err := validateS2S(cfg.S2S, s2sSigns|s2sVerifies); err != nil {
		return err
	}
	if err := validateWAL(cfg.WAL); err != nil {
		return err
	}
	if err := validateAuditSink(cfg.AuditSink); err != nil {
		return err
	}
	if err := validateLimits(cfg.Limits); err != nil {
		return err
	}
	return validateAdmin(cfg.Admin, cfg.Server.Port)
}

func (l *Loader) validateFacilitator(cfg *FacilitatorConfig) error {
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := validateS2S(cfg.S2S, s2sVerifies); err != nil {
		return err
	}
	if err := validateStore(cfg.Store, "memory", "redis", "etcd"); err != nil {
		return err
	}
	if err := validateMirror(cfg.Mirror); err != nil {
		return err
	}
	if err := validateLimits(cfg.Limits); err != nil {
		return err
	}
	return validateAdmin(cfg.Admin, cfg.Server.Port)
}

func (l *Loader) validateAudit(cfg *AuditConfig) error {
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := validateS2S(cfg.S2S, s2sVerifies); err != nil {
		return err
	}
	if err := validateWAL(cfg.WAL); err != nil {
		return err
	}
	if err := validateStore(cfg.Store, "memory", "postgres"); err != nil {
		return err
	}
	if err := validateLimits(cfg.Limits); err != nil {
		return err
	}
	return validateAdmin(cfg.Admin, cfg.Server.Port)
}

func validateServer(s ServerConfig) error {
	if s.Slug == "" {
		return fmt.Errorf("server.slug is required")
	}
	if !contract.SlugPattern.MatchString(s.Slug) {
		return fmt.Errorf("server.slug %q must match %s", s.Slug, contract.SlugPattern)
	}
	if s.Version < 1 {
		return fmt.Errorf("server.version must be >= 1")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port is required and must be 1-65535")
	}
	switch s.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("server.env must be development, staging, or production, got %q", s.Env)
	}
	for name, d := range map[string]time.Duration{
		"server.read_timeout":        s.ReadTimeout,
		"server.read_header_timeout": s.ReadHeaderTimeout,
		"server.write_timeout":       s.WriteTimeout,
		"server.idle_timeout":        s.IdleTimeout,
		"server.shutdown_timeout":    s.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}

func validateLogging(c LoggingConfig) error {
	if c.Level == "" {
		return fmt.Errorf("logging.level is required (set %s)", EnvLogLevel)
	}
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Format)
	}
	if c.File.Path != "" {
		if c.File.MaxSizeMB < 1 {
			return fmt.Errorf("logging.file.max_size_mb must be >= 1")
		}
		if c.File.MaxBackups < 0 || c.File.MaxAgeDays < 0 {
			return fmt.Errorf("logging.file.max_backups and max_age_days must be >= 0")
		}
	}
	return nil
}

func validateS2S(c S2SConfig, role s2sRole) error {
	switch c.Mode {
	case "hs256":
		if c.Secret == "" {
			return fmt.Errorf("s2s.secret is required for hs256 mode (set %s or a ${env:...}/${file:...} reference)", EnvS2SSecret)
		}
	case "rs256":
		if role&s2sSigns != 0 && c.PrivateKeyFile == "" {
			return fmt.Errorf("s2s.private_key_file is required for rs256 signing")
		}
		if role&s2sVerifies != 0 && c.JWKSURL == "" {
			return fmt.Errorf("s2s.jwks_url is required for rs256 verification")
		}
	default:
		return fmt.Errorf("s2s.mode must be hs256 or rs256, got %q", c.Mode)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("s2s.timeout is required (set %s)", EnvS2STimeoutMs)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("s2s.token_ttl must be > 0")
	}
	if c.MaxTokenTTL < c.TokenTTL {
		return fmt.Errorf("s2s.max_token_ttl must be >= token_ttl")
	}
	if c.ReplayWindow < c.MaxTokenTTL {
		return fmt.Errorf("s2s.replay_window must be >= max_token_ttl")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("s2s.max_retries must be >= 0")
	}
	return nil
}

func validateWAL(c WALConfig) error {
	if c.Dir == "" {
		return fmt.Errorf("wal.dir is required")
	}
	if c.FsyncIntervalMs != nil && *c.FsyncIntervalMs < 0 {
		return fmt.Errorf("wal.fsync_interval_ms must be >= 0")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("wal.flush_interval must be > 0")
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("wal.max_batch must be >= 1")
	}
	if c.MaxBuffered < c.MaxBatch {
		return fmt.Errorf("wal.max_buffered must be >= max_batch")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("wal.max_attempts must be >= 1")
	}
	return nil
}

func validateMirror(c MirrorConfig) error {
	if c.TTL <= 0 {
		return fmt.Errorf("mirror.ttl must be > 0")
	}
	if c.LKGPath == "" {
		return fmt.Errorf("mirror.lkg_path is required")
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("mirror.refresh_timeout must be > 0")
	}
	return nil
}

func validateLimits(c LimitsConfig) error {
	if c.BodyLimitBytes < 1 {
		return fmt.Errorf("limits.body_limit_bytes must be >= 1")
	}
	if c.RatePerMinute < 0 {
		return fmt.Errorf("limits.rate_per_minute must be >= 0")
	}
	if c.RatePerMinute > 0 && c.RateBurst < 1 {
		return fmt.Errorf("limits.rate_burst must be >= 1 when rate limiting is enabled")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("limits.request_timeout must be > 0")
	}
	return nil
}

func validateAdmin(c AdminConfig, serverPort int) error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("admin.port is required when admin is enabled")
	}
	if c.Port == serverPort {
		return fmt.Errorf("admin.port must differ from server.port")
	}
	return nil
}

func validateFacilitatorClient(c FacilitatorClientConfig) error {
	if c.BaseURL == "" {
		return fmt.Errorf("facilitator.base_url is required (set %s)", EnvFacilitatorBaseURL)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("facilitator.base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("facilitator.base_url must not carry a path, got %q", c.BaseURL)
	}
	if c.PathAnchor != "" && (!strings.HasPrefix(c.PathAnchor, "/") || strings.HasSuffix(c.PathAnchor, "/")) {
		return fmt.Errorf("facilitator.path_anchor must start with / and not end with /, got %q", c.PathAnchor)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("facilitator.timeout must be > 0")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("facilitator.cache_ttl must be > 0")
	}
	return nil
}

func validateAuditSink(c AuditSinkConfig) error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("audit_sink.url must be an absolute http(s) URL, got %q", c.URL)
		}
	} else {
		if c.Slug == "" {
			return fmt.Errorf("audit_sink.slug is required (or set audit_sink.url)")
		}
		if !contract.SlugPattern.MatchString(c.Slug) {
			return fmt.Errorf("audit_sink.slug %q must match %s", c.Slug, contract.SlugPattern)
		}
		if c.Version < 1 {
			return fmt.Errorf("audit_sink.version must be >= 1")
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("audit_sink.timeout must be > 0")
	}
	return nil
}

func validateStore(c StoreConfig, allowed ...string) error {
	ok := false
	for _, t := range allowed {
		if c.Type == t {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("store.type must be one of %s, got %q", strings.Join(allowed, ", "), c.Type)
	}
	switch c.Type {
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("store.redis.address is required")
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("store.redis.db must be >= 0")
		}
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("store.etcd.endpoints is required")
		}
		if c.Etcd.DialTimeout <= 0 {
			return fmt.Errorf("store.etcd.dial_timeout must be > 0")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required")
		}
		if c.Postgres.MaxConns < 1 {
			return fmt.Errorf("store.postgres.max_conns must be >= 1")
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type TranslatorProvider string

const (
	TranslatorNone   TranslatorProvider = "none"   // AI translation disabled, entries needing it stay PENDING
	TranslatorHTTP   TranslatorProvider = "http"   // generic JSON request/response endpoint
	TranslatorOpenAI TranslatorProvider = "openai" // chat completions API
)

type Config struct {
	// Migration settings
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"1000"`
	Workers         int           `env:"WORKERS" envDefault:"8"`
	TableTimeout    time.Duration `env:"TABLE_TIMEOUT" envDefault:"30m"` // Max time for one table in one stage
	PrefetchBatches int           `env:"PREFETCH_BATCHES" envDefault:"2"`
	Tables          []string      `env:"TABLES" envDefault:"" envSeparator:","`
	ExcludeTables   []string      `env:"EXCLUDE_TABLES" envDefault:"" envSeparator:","`
	CaseInsensitive bool          `env:"CASE_INSENSITIVE_NAMES" envDefault:"true"`

	// Retry logic, shared by connect, fetch and write
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryInterval    time.Duration `env:"RETRY_INTERVAL" envDefault:"1s"`
	RetryMaxInterval time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"30s"`

	// Per-call timeouts
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	QueryTimeout      time.Duration `env:"QUERY_TIMEOUT" envDefault:"60s"`
	BatchFetchTimeout time.Duration `env:"BATCH_FETCH_TIMEOUT" envDefault:"30s"`

	// Translation
	DecimalScaleTolerance int                `env:"DECIMAL_SCALE_TOLERANCE" envDefault:"0"`
	TypeOverridesFile     string             `env:"TYPE_OVERRIDES_FILE" envDefault:""`
	TranslatorProvider    TranslatorProvider `env:"TRANSLATOR_PROVIDER" envDefault:"none"`
	TranslatorURL         string             `env:"TRANSLATOR_URL" envDefault:""`
	TranslatorAPIKeyRef   string             `env:"TRANSLATOR_API_KEY_REF" envDefault:""` // secret reference, e.g. env:OPENAI_API_KEY
	OpenAIModel           string             `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	TranslatorTimeout     time.Duration      `env:"TRANSLATOR_TIMEOUT" envDefault:"30s"`
	TranslatorMaxRetries  int                `env:"TRANSLATOR_MAX_RETRIES" envDefault:"3"`
	TranslatorRPS         float64            `env:"TRANSLATOR_RPS" envDefault:"2"`
	TranslatorCacheSize   int                `env:"TRANSLATOR_CACHE_SIZE" envDefault:"512"`

	// Reconciliation
	ReconcileSampleSize int      `env:"RECONCILE_SAMPLE_SIZE" envDefault:"100"`
	ReconcileBuckets    int      `env:"RECONCILE_BUCKETS" envDefault:"256"`
	ReconcileColumns    []string `env:"RECONCILE_COLUMNS" envDefault:"" envSeparator:","`
	ReconcileSeed       int64    `env:"RECONCILE_SEED" envDefault:"1"`

	// Job state
	StateDir string `env:"STATE_DIR" envDefault:"./.strata"`

	// Observability & debugging
	EnableJsonLogging bool   `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
	DebugMode         bool   `env:"DEBUG_MODE" envDefault:"false"`
	EnablePprof       bool   `env:"ENABLE_PPROF" envDefault:"false"`
	MetricsPort       int    `env:"METRICS_PORT" envDefault:"9091"` // 0 disables the ops server
	SentryDSN         string `env:"SENTRY_DSN" envDefault:""`

	// Vault
	VaultEnabled    bool   `env:"VAULT_ENABLED" envDefault:"false"`
	VaultAddr       string `env:"VAULT_ADDR" envDefault:"http://127.0.0.1:8200"`
	VaultToken      string `env:"VAULT_TOKEN" envDefault:""`
	VaultCACert     string `env:"VAULT_CACERT" envDefault:""`
	VaultSkipVerify bool   `env:"VAULT_SKIP_VERIFY" envDefault:"false"`
	VaultMount      string `env:"VAULT_MOUNT" envDefault:"secret"`

	Source ConnectionProfile `envPrefix:"SRC_"`
	Target ConnectionProfile `envPrefix:"DST_"`
}

// ConnectionProfile describes how to reach one database. It never carries a
// password: SecretRef names where the credentials live ("env:NAME" or
// "vault:path") and they are resolved at connect time.
type ConnectionProfile struct {
	Dialect         string        `env:"DIALECT" validate:"required,oneof=mysql postgres sqlite"`
	Host            string        `env:"HOST" envDefault:"" validate:"required_unless=Dialect sqlite"`
	Port            int           `env:"PORT" envDefault:"0" validate:"required_unless=Dialect sqlite,gte=0,lte=65535"`
	User            string        `env:"USER" envDefault:""`
	DBName          string        `env:"DBNAME" validate:"required"` // file path for sqlite
	SSLMode         string        `env:"SSLMODE" envDefault:"disable" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	SecretRef       string        `env:"SECRET_REF" envDefault:""`
	UsernameKey     string        `env:"USERNAME_KEY" envDefault:"username"`
	PasswordKey     string        `env:"PASSWORD_KEY" envDefault:"password"`
	PoolSize        int           `env:"POOL_SIZE" envDefault:"10" validate:"gte=1"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"1h"`
}

var validate = validator.New()

// Key identifies the database a profile points at; two profiles with the
// same key address the same database.
func (p ConnectionProfile) Key() string {
	if p.Dialect == "sqlite" {
		return "sqlite://" + p.DBName
	}
	return fmt.Sprintf("%s://%s:%d/%s", p.Dialect, strings.ToLower(p.Host), p.Port, p.DBName)
}

// Validate checks the struct tags and the secret reference scheme.
func (p ConnectionProfile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.SecretRef != "" && !strings.HasPrefix(p.SecretRef, "env:") && !strings.HasPrefix(p.SecretRef, "vault:") {
		return fmt.Errorf("secret reference must start with env: or vault:")
	}
	if p.Dialect != "sqlite" && p.SecretRef == "" {
		return fmt.Errorf("secret reference is required for %s", p.Dialect)
	}
	return nil
}

// MarshalLogObject logs the profile without the secret reference target.
func (p ConnectionProfile) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("dialect", p.Dialect)
	if p.Host != "" {
		enc.AddString("host", p.Host)
		enc.AddInt("port", p.Port)
	}
	if p.User != "" {
		enc.AddString("user", p.User)
	}
	enc.AddString("dbname", p.DBName)
	if scheme, _, ok := strings.Cut(p.SecretRef, ":"); ok {
		enc.AddString("secret_source", scheme)
	}
	enc.AddInt("pool_size", p.PoolSize)
	return nil
}

func Load() (*Config, error) {
	cfg := &Config{}
	opts := env.Options{RequiredIfNoDef: true}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config parsing error: %w", err)
	}
	cfg.Tables = compact(cfg.Tables)
	cfg.ExcludeTables = compact(cfg.ExcludeTables)
	cfg.ReconcileColumns = compact(cfg.ReconcileColumns)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSettings is Load without the connection profiles, for commands that
// work on persisted jobs only.
func LoadSettings() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parsing error: %w", err)
	}
	cfg.Tables = compact(cfg.Tables)
	cfg.ExcludeTables = compact(cfg.ExcludeTables)
	cfg.ReconcileColumns = compact(cfg.ReconcileColumns)

	if err := ValidateSettings(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules. It is exported so CLI overrides can be
// re-validated after they are applied.
func Validate(cfg *Config) error {
	if err := cfg.Source.Validate(); err != nil {
		return fmt.Errorf("invalid source profile: %w", err)
	}
	if err := cfg.Target.Validate(); err != nil {
		return fmt.Errorf("invalid target profile: %w", err)
	}
	if cfg.Source.Key() == cfg.Target.Key() {
		return fmt.Errorf("source and target point at the same database (%s)", cfg.Source.Key())
	}
	return ValidateSettings(cfg)
}

// ValidateSettings checks everything except the connection profiles.
func ValidateSettings(cfg *Config) error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if cfg.PrefetchBatches < 1 {
		return fmt.Errorf("prefetch batches must be at least 1")
	}
	if cfg.DecimalScaleTolerance < 0 {
		return fmt.Errorf("decimal scale tolerance cannot be negative")
	}
	if cfg.ReconcileSampleSize <= 0 || cfg.ReconcileBuckets <= 0 {
		return fmt.Errorf("reconcile sample size and buckets must be positive")
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	providers := map[TranslatorProvider]bool{TranslatorNone: true, TranslatorHTTP: true, TranslatorOpenAI: true}
	if !providers[cfg.TranslatorProvider] {
		return fmt.Errorf("invalid translator provider: %s. Valid options: %v", cfg.TranslatorProvider, sortedKeys(providers))
	}
	if cfg.TranslatorProvider == TranslatorHTTP && cfg.TranslatorURL == "" {
		return fmt.Errorf("TRANSLATOR_URL is required for the http translator")
	}
	if cfg.TranslatorProvider == TranslatorOpenAI && cfg.TranslatorAPIKeyRef == "" {
		return fmt.Errorf("TRANSLATOR_API_KEY_REF is required for the openai translator")
	}
	if cfg.VaultEnabled && cfg.VaultAddr == "" {
		return fmt.Errorf("VAULT_ADDR is required when vault is enabled")
	}
	return nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys[K ~string](m map[K]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

// TypeOverrides lets an operator pin target native types per target dialect.
//
//	targets:
//	  postgres:
//	    canonical:
//	      JSON: JSONB
//	    native:
//	      "mysql:mediumtext": TEXT
type TypeOverrides struct {
	Targets map[string]TargetOverrides `yaml:"targets"`
}

type TargetOverrides struct {
	// Canonical kind (INTEGER, JSON, ...) to target native type.
	Canonical map[string]string `yaml:"canonical"`
	// "sourceDialect:nativeType" to target native type.
	Native map[string]string `yaml:"native"`
}

// LoadTypeOverrides reads the YAML override file. An empty path yields empty
// overrides.
func LoadTypeOverrides(path string) (*TypeOverrides, error) {
	out := &TypeOverrides{Targets: map[string]TargetOverrides{}}
	if path == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read type overrides %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("parse type overrides %s: %w", path, err)
	}
	normalized := make(map[string]TargetOverrides, len(out.Targets))
	for dialect, t := range out.Targets {
		n := TargetOverrides{Canonical: map[string]string{}, Native: map[string]string{}}
		for k, v := range t.Canonical {
			n.Canonical[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		for k, v := range t.Native {
			n.Native[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		normalized[strings.ToLower(dialect)] = n
	}
	out.Targets = normalized
	return out, nil
}

// Lookup returns the override for a canonical kind or a source native type.
// Native overrides win.
func (o *TypeOverrides) Lookup(target, canonicalKind, sourceDialect, native string) (string, bool) {
	if o == nil {
		return "", false
	}
	t, ok := o.Targets[strings.ToLower(target)]
	if !ok {
		return "", false
	}
	if native != "" {
		if v, ok := t.Native[strings.ToLower(sourceDialect+":"+native)]; ok {
			return v, true
		}
	}
	v, ok := t.Canonical[strings.ToUpper(canonicalKind)]
	return v, ok
}

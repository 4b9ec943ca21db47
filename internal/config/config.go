package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/exercised.ini"
	envPrefix        = "EXERCISE_"
)

// Upstream modes.
const (
	UpstreamRPC        = "rpc"
	UpstreamOpenRouter = "openrouter"
)

// Ledger backends.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Tracing exporters.
const (
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes the daemon's runtime options.
type Config struct {
	Environment string
	HTTPAddress string

	LogFile       string
	LogLevel      string
	LogJSON       bool
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	UpstreamMode      string
	UpstreamURL       string
	UpstreamAPIKey    string
	OpenRouterBaseURL string
	Model             string
	FallbackModels    []string
	Temperature       float64
	MaxTokens         int

	CacheTTL          time.Duration
	CacheCapacity     int
	HealthInterval    time.Duration
	GenerationTimeout time.Duration
	HealthTimeout     time.Duration

	// GenerationDeadline bounds one exercise request end to end; the HTTP
	// write timeout is derived from it.
	GenerationDeadline time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LedgerBackend       string
	LedgerPath          string
	LedgerDSN           string
	LedgerAsync         bool
	LedgerBatchSize     int
	LedgerFlushInterval time.Duration
	LedgerWorkers       int
	LimitsFile          string

	QualityThreshold float64
	MaxAttempts      int

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   float64

	TracingEnabled     bool
	TracingExporter    string
	TracingEndpoint    string
	TracingSampleRatio float64
}

// LoadConfig reads config/setting.ini under root, then the environment file it
// selects, then EXERCISE_* environment variables. Later layers win.
func LoadConfig(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}
	if env := os.Getenv(envPrefix + "ENVIRONMENT"); env != "" {
		s.Environment = env
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string) string {
		return firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), merged[key])
	}
	p := &parser{get: get}

	cfg := Config{
		Environment: s.Environment,
		HTTPAddress: firstNonEmpty(get("http_address"), ":8090"),

		LogFile:       get("log_file"),
		LogLevel:      firstNonEmpty(get("log_level"), "info"),
		LogJSON:       parseOptionalBool(get("log_json"), false),
		LogMaxSizeMB:  p.int("log_max_size_mb", 300),
		LogMaxBackups: p.int("log_max_backups", 7),
		LogMaxAgeDays: p.int("log_max_age_days", 14),

		UpstreamMode:      strings.ToLower(firstNonEmpty(get("upstream_mode"), UpstreamRPC)),
		UpstreamURL:       get("upstream_url"),
		UpstreamAPIKey:    get("upstream_api_key"),
		OpenRouterBaseURL: get("openrouter_base_url"),
		Model:             firstNonEmpty(get("model"), "anthropic/claude-3.5-sonnet"),
		FallbackModels:    parseCSV(get("fallback_models")),
		Temperature:       p.float("temperature", 0.7),
		MaxTokens:         p.int("max_tokens", 1500),

		CacheTTL:          p.duration("cache_ttl", 30*time.Minute),
		CacheCapacity:     p.int("cache_capacity", 200),
		HealthInterval:    p.duration("health_interval", time.Minute),
		GenerationTimeout: p.duration("generation_timeout", 35*time.Second),
		HealthTimeout:     p.duration("health_timeout", 8*time.Second),

		GenerationDeadline: p.duration("generation_deadline", 100*time.Second),

		RedisAddr:     get("redis_addr"),
		RedisPassword: get("redis_password"),
		RedisDB:       p.int("redis_db", 0),

		LedgerBackend:       strings.ToLower(firstNonEmpty(get("ledger_backend"), LedgerSQLite)),
		LedgerPath:          firstNonEmpty(get("ledger_path"), DefaultLedgerPath()),
		LedgerDSN:           get("ledger_dsn"),
		LedgerAsync:         parseOptionalBool(get("ledger_async"), true),
		LedgerBatchSize:     p.int("ledger_batch_size", 100),
		LedgerFlushInterval: p.duration("ledger_flush_interval", time.Second),
		LedgerWorkers:       p.int("ledger_workers", 1),
		LimitsFile:          get("limits_file"),

		QualityThreshold: p.float("quality_threshold", 0.7),
		MaxAttempts:      p.int("max_attempts", 2),

		RateLimitEnabled: parseOptionalBool(get("rate_limit_enabled"), true),
		RateLimitRPS:     p.float("rate_limit_rps", 0.5),
		RateLimitBurst:   p.float("rate_limit_burst", 5),

		TracingEnabled:     parseOptionalBool(get("tracing_enabled"), false),
		TracingExporter:    strings.ToLower(firstNonEmpty(get("tracing_exporter"), TracingStdout)),
		TracingEndpoint:    get("tracing_endpoint"),
		TracingSampleRatio: p.float("tracing_sample_ratio", 1),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated values and ranges.
func (c Config) Validate() error {
	switch c.UpstreamMode {
	case UpstreamRPC:
		if strings.TrimSpace(c.UpstreamURL) == "" {
			return errors.New("upstream_url is required when upstream_mode=rpc")
		}
	case UpstreamOpenRouter:
		if strings.TrimSpace(c.UpstreamAPIKey) == "" {
			return errors.New("upstream_api_key is required when upstream_mode=openrouter")
		}
	default:
		return fmt.Errorf("invalid upstream_mode %q (want rpc or openrouter)", c.UpstreamMode)
	}
	switch c.LedgerBackend {
	case LedgerSQLite, LedgerMemory:
	case LedgerPostgres:
		if strings.TrimSpace(c.LedgerDSN) == "" {
			return errors.New("ledger_dsn is required when ledger_backend=postgres")
		}
	default:
		return fmt.Errorf("invalid ledger_backend %q (want sqlite, postgres or memory)", c.LedgerBackend)
	}
	switch c.TracingExporter {
	case TracingStdout, TracingOTLP:
	default:
		return fmt.Errorf("invalid tracing_exporter %q (want stdout or otlp)", c.TracingExporter)
	}
	if c.QualityThreshold <= 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("quality_threshold must be in (0,1], got %v", c.QualityThreshold)
	}
	if c.GenerationDeadline <= 0 {
		return fmt.Errorf("generation_deadline must be positive, got %v", c.GenerationDeadline)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("tracing_sample_ratio must be in [0,1], got %v", c.TracingSampleRatio)
	}
	return nil
}

// parser records the first malformed value.
type parser struct {
	get func(string) string
	err error
}

func (p *parser) int(key string, fallback int) int {
	v, err := parseOptionalInt(p.get(key), fallback)
	p.fail(key, err)
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	v, err := parseOptionalFloat(p.get(key), fallback)
	p.fail(key, err)
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v, err := parseOptionalDuration(p.get(key), fallback)
	p.fail(key, err)
	return v
}

func (p *parser) fail(key string, err error) {
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

func parseOptionalFloat(v string, fallback float64) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".exercise-gateway", "ledger.db")
}

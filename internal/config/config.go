package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayindex/internal/firehose"
	"github.com/agentworkforce/relayindex/internal/indexer"
	"github.com/agentworkforce/relayindex/internal/sink"
	"github.com/agentworkforce/relayindex/internal/telemetry"
)

const (
	defaultAddr            = ":9090"
	defaultDataDir         = ".relayindex"
	defaultNamespace       = "app.bsky."
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxRetries      = 5
	defaultReconnectJitter = 0.2
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Env             string        `yaml:"env"`
	LogLevel        string        `yaml:"log_level"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Relay   string   `yaml:"relay"`
	Relays  []string `yaml:"relays"`
	Indexer Indexer  `yaml:"indexer"`
	Storage Storage  `yaml:"storage"`
	Lexicon Lexicon  `yaml:"lexicon"`
	Sinks   Sinks    `yaml:"sinks"`
	OTel    OTel     `yaml:"otel"`
	API     API      `yaml:"api"`
}

// API configures the status server. Mutating routes always require a
// bearer token signed with JWTSecret.
type API struct {
	JWTSecret           string        `yaml:"jwt_secret"`
	RequireAuthForReads bool          `yaml:"require_auth_for_reads"`
	RateLimitMax        int           `yaml:"rate_limit_max"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`
}

type Indexer struct {
	ConsumerName        string        `yaml:"consumer_name"`
	Concurrency         int           `yaml:"concurrency"`
	QueueSize           int           `yaml:"queue_size"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`
	RateLimitMultiplier int           `yaml:"rate_limit_multiplier"`
	DedupWindow         time.Duration `yaml:"dedup_window"`
	DedupSize           int           `yaml:"dedup_size"`
	StartSequence       *int64        `yaml:"start_sequence"`
	CursorFlushInterval time.Duration `yaml:"cursor_flush_interval"`
	CursorFlushEvery    int           `yaml:"cursor_flush_every"`
	ProcessRate         float64       `yaml:"process_rate"`
	ProcessBurst        int           `yaml:"process_burst"`

	Namespace        string   `yaml:"namespace"`
	Collections      []string `yaml:"collections"`
	StrictValidation bool     `yaml:"strict_validation"`

	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter    float64       `yaml:"reconnect_jitter"`
}

// Storage selects where cursors and dead letters live. DSN wins over
// Profile when both are set.
type Storage struct {
	DSN           string `yaml:"dsn"`
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	ProductionDSN string `yaml:"production_dsn"`
}

type Lexicon struct {
	Dir           string `yaml:"dir"`
	Watch         bool   `yaml:"watch"`
	RequireSchema bool   `yaml:"require_schema"`
}

type Sinks struct {
	Log      bool         `yaml:"log"`
	Postgres PostgresSink `yaml:"postgres"`
	Graph    GraphSink    `yaml:"graph"`
}

type PostgresSink struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

type GraphSink struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type OTel struct {
	Endpoint       string `yaml:"endpoint"`
	Headers        string `yaml:"headers"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Load reads the configuration with Read and validates it.
func Load(service string) (Config, error) {
	cfg, err := Read(service)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read loads .env.<service> (or .env), then the YAML file named by
// INDEXER_CONFIG_FILE, then environment overrides. The result is not
// validated, so admin commands can use it without a relay.
func Read(service string) (Config, error) {
	if strings.TrimSpace(getEnv("INDEXER_ENV", "development")) == "development" {
		envFile := fmt.Sprintf(".env.%s", service)
		if err := godotenv.Load(envFile); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("INDEXER_CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if strings.TrimSpace(cfg.OTel.ServiceName) == "" {
		cfg.OTel.ServiceName = service
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Env:             "development",
		LogLevel:        "info",
		Addr:            defaultAddr,
		ShutdownTimeout: defaultShutdownTimeout,
		Indexer: Indexer{
			MaxRetries:      defaultMaxRetries,
			Namespace:       defaultNamespace,
			ReconnectJitter: defaultReconnectJitter,
		},
		Storage: Storage{
			DataDir: defaultDataDir,
		},
		Sinks: Sinks{
			Log: true,
		},
	}
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("INDEXER_ENV", c.Env)
	c.LogLevel = getEnv("INDEXER_LOG_LEVEL", c.LogLevel)
	c.Addr = getEnv("INDEXER_ADDR", c.Addr)
	c.ShutdownTimeout = durationEnv("INDEXER_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Relay = getEnv("INDEXER_RELAY", c.Relay)
	c.Relays = listEnv("INDEXER_RELAYS", c.Relays)

	ix := &c.Indexer
	ix.ConsumerName = getEnv("INDEXER_CONSUMER_NAME", ix.ConsumerName)
	ix.Concurrency = intEnv("INDEXER_CONCURRENCY", ix.Concurrency)
	ix.QueueSize = intEnv("INDEXER_QUEUE_SIZE", ix.QueueSize)
	ix.MaxRetries = intEnv("INDEXER_MAX_RETRIES", ix.MaxRetries)
	ix.RetryDelay = durationEnv("INDEXER_RETRY_DELAY", ix.RetryDelay)
	ix.MaxRetryDelay = durationEnv("INDEXER_MAX_RETRY_DELAY", ix.MaxRetryDelay)
	ix.RateLimitMultiplier = intEnv("INDEXER_RATE_LIMIT_MULTIPLIER", ix.RateLimitMultiplier)
	ix.DedupWindow = durationEnv("INDEXER_DEDUP_WINDOW", ix.DedupWindow)
	ix.DedupSize = intEnv("INDEXER_DEDUP_SIZE", ix.DedupSize)
	if raw := strings.TrimSpace(os.Getenv("INDEXER_START_SEQUENCE")); raw != "" {
		fallback := int64(-1)
		if ix.StartSequence != nil {
			fallback = *ix.StartSequence
		}
		if seq := int64Env("INDEXER_START_SEQUENCE", fallback); seq >= 0 {
			ix.StartSequence = &seq
		}
	}
	ix.CursorFlushInterval = durationEnv("INDEXER_CURSOR_FLUSH_INTERVAL", ix.CursorFlushInterval)
	ix.CursorFlushEvery = intEnv("INDEXER_CURSOR_FLUSH_EVERY", ix.CursorFlushEvery)
	ix.ProcessRate = floatEnv("INDEXER_PROCESS_RATE", ix.ProcessRate)
	ix.ProcessBurst = intEnv("INDEXER_PROCESS_BURST", ix.ProcessBurst)
	ix.Namespace = getEnv("INDEXER_NAMESPACE", ix.Namespace)
	ix.Collections = listEnv("INDEXER_COLLECTIONS", ix.Collections)
	ix.StrictValidation = boolEnv("INDEXER_STRICT_VALIDATION", ix.StrictValidation)
	ix.ReconnectBaseDelay = durationEnv("INDEXER_RECONNECT_BASE_DELAY", ix.ReconnectBaseDelay)
	ix.ReconnectMaxDelay = durationEnv("INDEXER_RECONNECT_MAX_DELAY", ix.ReconnectMaxDelay)
	ix.ReconnectJitter = floatEnv("INDEXER_RECONNECT_JITTER", ix.ReconnectJitter)

	st := &c.Storage
	st.DSN = getEnv("INDEXER_STATE_DSN", st.DSN)
	st.Profile = getEnv("INDEXER_BACKEND_PROFILE", st.Profile)
	st.DataDir = getEnv("INDEXER_DATA_DIR", st.DataDir)
	st.ProductionDSN = getEnv("INDEXER_PRODUCTION_DSN", getEnv("INDEXER_POSTGRES_DSN", st.ProductionDSN))

	c.Lexicon.Dir = getEnv("INDEXER_LEXICON_DIR", c.Lexicon.Dir)
	c.Lexicon.Watch = boolEnv("INDEXER_LEXICON_WATCH", c.Lexicon.Watch)
	c.Lexicon.RequireSchema = boolEnv("INDEXER_LEXICON_REQUIRE_SCHEMA", c.Lexicon.RequireSchema)

	c.Sinks.Log = boolEnv("INDEXER_SINK_LOG", c.Sinks.Log)
	c.Sinks.Postgres.DSN = getEnv("INDEXER_SINK_POSTGRES_DSN", c.Sinks.Postgres.DSN)
	c.Sinks.Postgres.Table = getEnv("INDEXER_SINK_POSTGRES_TABLE", c.Sinks.Postgres.Table)
	c.Sinks.Postgres.MaxConns = intEnv("INDEXER_SINK_POSTGRES_MAX_CONNS", c.Sinks.Postgres.MaxConns)
	c.Sinks.Postgres.MinConns = intEnv("INDEXER_SINK_POSTGRES_MIN_CONNS", c.Sinks.Postgres.MinConns)
	c.Sinks.Graph.URL = getEnv("INDEXER_SINK_ARANGO_URL", c.Sinks.Graph.URL)
	c.Sinks.Graph.Username = getEnv("INDEXER_SINK_ARANGO_USERNAME", c.Sinks.Graph.Username)
	c.Sinks.Graph.Password = getEnv("INDEXER_SINK_ARANGO_PASSWORD", c.Sinks.Graph.Password)
	c.Sinks.Graph.Database = getEnv("INDEXER_SINK_ARANGO_DATABASE", c.Sinks.Graph.Database)

	c.API.JWTSecret = getEnv("INDEXER_API_JWT_SECRET", c.API.JWTSecret)
	c.API.RequireAuthForReads = boolEnv("INDEXER_API_REQUIRE_AUTH_FOR_READS", c.API.RequireAuthForReads)
	c.API.RateLimitMax = intEnv("INDEXER_API_RATE_LIMIT_MAX", c.API.RateLimitMax)
	c.API.RateLimitWindow = durationEnv("INDEXER_API_RATE_LIMIT_WINDOW", c.API.RateLimitWindow)

	c.OTel.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTel.Endpoint)
	c.OTel.Headers = getEnv("OTEL_EXPORTER_OTLP_HEADERS", c.OTel.Headers)
	c.OTel.ServiceName = getEnv("OTEL_SERVICE_NAME", c.OTel.ServiceName)
	c.OTel.ServiceVersion = getEnv("OTEL_SERVICE_VERSION", c.OTel.ServiceVersion)
}

// Validate checks the relay first, so a missing relay is always the
// reported problem for an otherwise empty config.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Relay) == "" && len(c.Relays) == 0 {
		return fmt.Errorf("%w: %w: set INDEXER_RELAY or INDEXER_RELAYS", ErrInvalidConfig, indexer.ErrNoRelay)
	}
	for _, raw := range c.relayList() {
		if _, err := firehose.NormalizeRelayURL(raw); err != nil {
			return fmt.Errorf("%w: relay %q: %w", ErrInvalidConfig, raw, err)
		}
	}
	if c.Indexer.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must not be negative", ErrInvalidConfig)
	}
	if c.Indexer.QueueSize < 0 {
		return fmt.Errorf("%w: queue size must not be negative", ErrInvalidConfig)
	}
	if c.Indexer.ProcessRate < 0 {
		return fmt.Errorf("%w: process rate must not be negative", ErrInvalidConfig)
	}
	if c.Indexer.ReconnectJitter < 0 || c.Indexer.ReconnectJitter > 1 {
		return fmt.Errorf("%w: reconnect jitter must be within [0, 1]", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Indexer.Namespace) == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidConfig)
	}
	if _, err := c.StorageDSN(); err != nil {
		return err
	}
	if c.IsProduction() && strings.TrimSpace(c.API.JWTSecret) == "" {
		return fmt.Errorf("%w: INDEXER_API_JWT_SECRET is required in production", ErrInvalidConfig)
	}
	if c.Sinks.Graph.URL != "" {
		if err := c.GraphSink().Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c Config) relayList() []string {
	if len(c.Relays) > 0 {
		return c.Relays
	}
	if strings.TrimSpace(c.Relay) == "" {
		return nil
	}
	return []string{c.Relay}
}

// StorageDSN resolves the cursor and dead-letter store. An explicit DSN
// wins, then the backend profile, then the memory store.
func (c Config) StorageDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Storage.DSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Profile)) {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.ToSlash(filepath.Clean(dataDir)), nil
	case "durable-sqlite", "sqlite":
		return "sqlite://" + filepath.ToSlash(filepath.Join(dataDir, "relayindex.db")), nil
	case "durable-pebble", "pebble":
		return "pebble://" + filepath.ToSlash(filepath.Join(dataDir, "pebble")), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.Storage.ProductionDSN)
		if dsn == "" {
			return "", fmt.Errorf("%w: backend profile %q requires INDEXER_PRODUCTION_DSN or INDEXER_POSTGRES_DSN", ErrInvalidConfig, c.Storage.Profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("%w: unknown backend profile %q", ErrInvalidConfig, c.Storage.Profile)
	}
}

// IndexerConfig maps the loaded settings onto the service config; zero
// values are left for the service defaults.
// IndexerConfig maps the operator settings onto the service. An explicit 0
// for max retries or reconnect jitter turns the feature off, where the
// service itself would read 0 as "use the default".
func (c Config) IndexerConfig() indexer.Config {
	ix := c.Indexer
	maxRetries := ix.MaxRetries
	if maxRetries <= 0 {
		maxRetries = -1
	}
	jitter := ix.ReconnectJitter
	if jitter <= 0 {
		jitter = -1
	}
	return indexer.Config{
		Relay:               c.Relay,
		Relays:              c.Relays,
		ConsumerName:        ix.ConsumerName,
		Concurrency:         ix.Concurrency,
		QueueSize:           ix.QueueSize,
		MaxRetries:          maxRetries,
		RetryDelay:          ix.RetryDelay,
		MaxRetryDelay:       ix.MaxRetryDelay,
		RateLimitMultiplier: ix.RateLimitMultiplier,
		DedupWindow:         ix.DedupWindow,
		DedupSize:           ix.DedupSize,
		StartSequence:       ix.StartSequence,
		CursorFlushInterval: ix.CursorFlushInterval,
		CursorFlushEvery:    ix.CursorFlushEvery,
		ProcessRate:         ix.ProcessRate,
		ProcessBurst:        ix.ProcessBurst,
		Filter: indexer.FilterConfig{
			Namespace:        ix.Namespace,
			Collections:      ix.Collections,
			StrictValidation: ix.StrictValidation,
		},
		Backoff: firehose.BackoffConfig{
			BaseDelay: ix.ReconnectBaseDelay,
			MaxDelay:  ix.ReconnectMaxDelay,
			Jitter:    jitter,
		},
	}
}

func (c Config) PostgresSink() sink.PostgresConfig {
	return sink.PostgresConfig{
		DSN:      c.Sinks.Postgres.DSN,
		Table:    c.Sinks.Postgres.Table,
		MaxConns: int32(c.Sinks.Postgres.MaxConns),
		MinConns: int32(c.Sinks.Postgres.MinConns),
	}
}

func (c Config) GraphSink() sink.GraphConfig {
	return sink.GraphConfig{
		URL:      c.Sinks.Graph.URL,
		Username: c.Sinks.Graph.Username,
		Password: c.Sinks.Graph.Password,
		Database: c.Sinks.Graph.Database,
	}
}

func (c Config) Telemetry() telemetry.Config {
	return telemetry.Config{
		Endpoint:       c.OTel.Endpoint,
		Headers:        c.OTel.Headers,
		ServiceName:    c.OTel.ServiceName,
		ServiceVersion: c.OTel.ServiceVersion,
	}
}

func (c Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

func getEnv(name, fallback string) string {
	if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

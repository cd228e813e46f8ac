package config

import (
	"time"

	"github.com/daimoniac/bountyline/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	PipelinePath  string
	Pipeline      *PipelineConfig
	Ingestion     IngestionConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	Oracle        OracleConfig
	GitHub        GitHubConfig
	StateStore    StateStoreConfig
	API           APIConfig
	Observability ObservabilityConfig
}

// IngestionConfig configures source polling
type IngestionConfig struct {
	PollInterval time.Duration
}

// QueueConfig selects the triage queue backend
type QueueConfig struct {
	Backend string // memory, sqlite or postgres
}

// WorkerConfig configures the worker behavior
type WorkerConfig struct {
	PollInterval  time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Concurrency   int
}

// OracleConfig configures the reasoning oracle and its call policy
type OracleConfig struct {
	Provider       string // anthropic or gemini
	Model          string
	AnthropicKey   string
	GeminiKey      string
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	MaxConcurrency int
	MinInterval    time.Duration
}

// GitHubConfig configures the codebase context provider
type GitHubConfig struct {
	Token      string
	MaxFiles   int
	ContextTTL time.Duration // 0 keeps summaries until the process exits
}

// StateStoreConfig configures the state store
type StateStoreConfig struct {
	Type        string
	PostgresURL string
	SQLitePath  string
}

// APIConfig configures the HTTP API server
type APIConfig struct {
	Enabled bool
	Port    int
	APIKey  string
}

// ObservabilityConfig configures logging and metrics
type ObservabilityConfig struct {
	LogLevel        string
	LogFile         string
	MetricsPort     int
	HealthCheckPort int
}

// Load loads configuration from environment variables and the pipeline file.
// A missing pipeline file is not an error; built-in defaults apply.
func Load() (*Config, error) {
	pipelinePath := expandPath(getEnv("BOUNTYLINE_CONFIG", "bountyline.yml"))

	pipeline := &PipelineConfig{}
	if parsed, err := ParsePipeline(pipelinePath); err == nil {
		pipeline = parsed
	} else if errors.IsPermanent(err) {
		return nil, err
	}

	pollInterval, err := pipeline.GetPollInterval()
	if err != nil {
		return nil, errors.NewPermanentf("invalid poll interval: %w", err)
	}
	workerPollInterval, err := pipeline.GetWorkerPollInterval()
	if err != nil {
		return nil, errors.NewPermanentf("invalid worker poll interval: %w", err)
	}

	workerConcurrency := pipeline.Defaults.WorkerConcurrency
	if workerConcurrency == 0 {
		workerConcurrency = 3
	}

	cfg := &Config{
		PipelinePath: pipelinePath,
		Pipeline:     pipeline,
		Ingestion: IngestionConfig{
			PollInterval: getEnvDuration("INGESTION_POLL_INTERVAL", pollInterval),
		},
		Queue: QueueConfig{
			Backend: getEnv("QUEUE_BACKEND", "sqlite"),
		},
		Worker: WorkerConfig{
			PollInterval:  getEnvDuration("WORKER_POLL_INTERVAL", workerPollInterval),
			RetryAttempts: getEnvInt("WORKER_RETRY_ATTEMPTS", 3),
			RetryBackoff:  getEnvDuration("WORKER_RETRY_BACKOFF", 10*time.Second),
			Concurrency:   getEnvInt("WORKER_CONCURRENCY", workerConcurrency),
		},
		Oracle: OracleConfig{
			Provider:       getEnv("ORACLE_PROVIDER", "anthropic"),
			Model:          getEnv("ORACLE_MODEL", ""),
			AnthropicKey:   getEnv("ANTHROPIC_API_KEY", ""),
			GeminiKey:      getEnv("GEMINI_API_KEY", ""),
			BaseURL:        getEnv("ORACLE_BASE_URL", ""),
			Timeout:        getEnvDuration("ORACLE_TIMEOUT", 2*time.Minute),
			MaxAttempts:    getEnvInt("ORACLE_MAX_ATTEMPTS", 3),
			MaxConcurrency: getEnvInt("ORACLE_MAX_CONCURRENCY", 3),
			MinInterval:    getEnvDuration("ORACLE_MIN_INTERVAL", 0),
		},
		GitHub: GitHubConfig{
			Token:      getEnv("GITHUB_TOKEN", ""),
			MaxFiles:   getEnvInt("GITHUB_CONTEXT_MAX_FILES", 400),
			ContextTTL: getEnvDuration("GITHUB_CONTEXT_TTL", 6*time.Hour),
		},
		StateStore: StateStoreConfig{
			Type:        getEnv("STATE_STORE_TYPE", "sqlite"),
			PostgresURL: getEnv("POSTGRES_URL", ""),
			SQLitePath:  expandPath(getEnv("SQLITE_PATH", "bountyline.db")),
		},
		API: APIConfig{
			Enabled: getEnvBool("API_ENABLED", true),
			Port:    getEnvInt("API_PORT", 8080),
			APIKey:  getEnv("API_KEY", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			LogFile:         expandPath(getEnv("LOG_FILE", "")),
			MetricsPort:     getEnvInt("METRICS_PORT", 9090),
			HealthCheckPort: getEnvInt("HEALTH_CHECK_PORT", 8081),
		},
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.StateStore.Type {
	case "sqlite":
		if c.StateStore.SQLitePath == "" {
			return errors.NewPermanentf("sqlite path is required when using sqlite state store")
		}
	case "postgres":
		if c.StateStore.PostgresURL == "" {
			return errors.NewPermanentf("postgres URL is required when using postgres state store")
		}
	default:
		return errors.NewPermanentf("invalid state store type: %s (must be sqlite or postgres)", c.StateStore.Type)
	}

	switch c.Queue.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Queue.Backend != c.StateStore.Type {
			return errors.NewPermanentf("queue backend %s requires state store type %s", c.Queue.Backend, c.Queue.Backend)
		}
	default:
		return errors.NewPermanentf("invalid queue backend: %s (must be memory, sqlite or postgres)", c.Queue.Backend)
	}

	switch c.Oracle.Provider {
	case "anthropic":
		if c.Oracle.AnthropicKey == "" {
			return errors.NewPermanentf("ANTHROPIC_API_KEY is required when using the anthropic oracle")
		}
	case "gemini":
		if c.Oracle.GeminiKey == "" {
			return errors.NewPermanentf("GEMINI_API_KEY is required when using the gemini oracle")
		}
	default:
		return errors.NewPermanentf("invalid oracle provider: %s (must be anthropic or gemini)", c.Oracle.Provider)
	}

	if c.Oracle.MaxAttempts < 1 {
		return errors.NewPermanentf("oracle max attempts must be at least 1")
	}

	if c.Pipeline != nil {
		if err := c.Pipeline.Validate(); err != nil {
			return err
		}
	}

	return nil
}

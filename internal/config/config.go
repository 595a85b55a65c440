package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the promptq server and worker binaries.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Relay    RelayConfig
	Worker   WorkerConfig
	LLM      LLMConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// RelayConfig describes the relay endpoint hosted by the server binary.
// Workers use Host/Port/PathPrefix to build the websocket URL they dial.
type RelayConfig struct {
	Host        string
	Port        int
	PathPrefix  string
	IdleTimeout time.Duration
}

type WorkerConfig struct {
	ModelName string
	// Mode selects what the worker executes: "generation" streams text
	// through the relay, "embedding" computes vectors synchronously.
	Mode         string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	HealthPort   int
}

type LLMConfig struct {
	Backend string
	OpenAI  OpenAIConfig
	Script  ScriptConfig
}

type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
}

// ScriptConfig drives the deterministic script backend used in tests and
// local development. Fragments holds the scripted output in order.
type ScriptConfig struct {
	Fragments []string
}

var validBackends = map[string]bool{
	"openai": true,
	"script": true,
}

// Load reads configuration from the environment (and a .env file, if one is
// present) and returns a validated Config. Returns an error with a
// descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PROMPTQ_PORT", 8080),
			Env:  envString("PROMPTQ_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Relay: RelayConfig{
			Host:        envString("RELAY_HOST", "localhost"),
			Port:        envInt("RELAY_PORT", 8080),
			PathPrefix:  envString("RELAY_PATH_PREFIX", "/ws"),
			IdleTimeout: envDuration("RELAY_IDLE_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			ModelName:    os.Getenv("WORKER_MODEL_NAME"),
			Mode:         envString("WORKER_MODE", "generation"),
			PollInterval: envDuration("WORKER_POLL_INTERVAL", 50*time.Millisecond),
			LeaseTTL:     envDuration("WORKER_LEASE_TTL", time.Second),
			HealthPort:   envInt("WORKER_HEALTH_PORT", 1337),
		},
		LLM: LLMConfig{
			Backend: envString("LLM_BACKEND", "openai"),
			OpenAI: OpenAIConfig{
				BaseURL:        envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:         os.Getenv("OPENAI_API_KEY"),
				Model:          envString("OPENAI_MODEL", "gpt-4"),
				EmbeddingModel: envString("OPENAI_EMBEDDING_MODEL", "text-embedding-3-large"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Relay.PathPrefix == "" || c.Relay.PathPrefix[0] != '/' {
		return fmt.Errorf("RELAY_PATH_PREFIX must start with /, got %q", c.Relay.PathPrefix)
	}
	return nil
}

// ValidateWorker checks the additional configuration only the worker binary
// needs. The server binary deliberately skips these.
func (c *Config) ValidateWorker() error {
	if c.Worker.ModelName == "" {
		return fmt.Errorf("WORKER_MODEL_NAME is required")
	}
	if c.Worker.Mode != "generation" && c.Worker.Mode != "embedding" {
		return fmt.Errorf("WORKER_MODE must be generation or embedding, got %q", c.Worker.Mode)
	}
	if !validBackends[c.LLM.Backend] {
		return fmt.Errorf("LLM_BACKEND must be one of openai, script; got %q", c.LLM.Backend)
	}
	if c.LLM.Backend == "openai" && c.LLM.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when LLM_BACKEND is openai")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

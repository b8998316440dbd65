package config

import "fmt"

// Config holds all mnemo configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	LLM       LLMConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Bind string
	Port int
}

type DatabaseConfig struct {
	Path      string // resolved at runtime when empty
	AuditPath string // deletion audit log; defaults next to the db
}

type LLMConfig struct {
	Provider       string // "anthropic", "ollama"
	Model          string
	OllamaURL      string
	OllamaModel    string
	EmbeddingModel string
	EmbeddingDims  int
	AnthropicKey   string
}

// RetentionConfig carries the engine-level knobs the serve command wires up.
type RetentionConfig struct {
	MaxCapacity       int
	IntervalMinutes   int // periodic consolidation
	IdleMinutes       int // idle-triggered consolidation
	DailyHour         int // daily maintenance hour (local time)
	MaxMemoriesPerRun int
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37717,
		},
		Database: DatabaseConfig{},
		LLM: LLMConfig{
			Provider:       "ollama",
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "llama3.2",
			EmbeddingModel: "nomic-embed-text",
			EmbeddingDims:  768,
		},
		Retention: RetentionConfig{
			MaxCapacity:       10000,
			IntervalMinutes:   60,
			IdleMinutes:       15,
			DailyHour:         3,
			MaxMemoriesPerRun: 500,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

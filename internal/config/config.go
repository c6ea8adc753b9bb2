// Package config loads daemon configuration the way the teacher's
// internal/config package does: an optional .env file via godotenv,
// defaults set in code, then a viper-backed config file and environment
// overrides layered on top (§SPEC_FULL AMBIENT STACK).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the daemon's top-level configuration.
type Config struct {
	AppName   string `mapstructure:"app_name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Server ServerConfig `mapstructure:"server"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Worker WorkerConfig `mapstructure:"worker"`
	LLM    LLMConfig    `mapstructure:"llm"`
}

// ServerConfig holds the read/query HTTP surface's settings (§6, the
// dashboard/approval front-end's external collaborator interface).
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// QueueConfig tunes the durable job queue (§4.7).
type QueueConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// WorkerConfig tunes worker concurrency and polling cadence (§4.8).
type WorkerConfig struct {
	GlobalSlots      int           `mapstructure:"global_slots"`
	PerInstanceSlots int           `mapstructure:"per_instance_slots"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	IdleWait         time.Duration `mapstructure:"idle_wait"`
}

// LLMConfig configures the default HTTP-backed Invoker (§6). Left empty,
// the daemon falls back to a mock invoker for local development.
type LLMConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Load loads configuration following the documented order: optional .env,
// code defaults, an optional config file, then environment overrides. A
// missing config file is not an error — the daemon runs on defaults plus
// env vars alone, which is the common case for a local, single-host run.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppName:   "taskflow-core",
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
		},
		Worker: WorkerConfig{
			GlobalSlots:      10,
			PerInstanceSlots: 3,
			PollInterval:     200 * time.Millisecond,
			IdleWait:         500 * time.Millisecond,
		},
	}

	viper.SetConfigType("yaml")
	if configPath != "" {
		if filepath.IsAbs(configPath) {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(strTrimExt(filepath.Base(configPath)))
			viper.AddConfigPath(filepath.Dir(configPath))
		}
	} else {
		viper.SetConfigName("config")
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/taskflow-core")

	viper.SetEnvPrefix("ORCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Explicit overrides for the hot fields operators tend to reach for
	// without a config file (SPEC_FULL AMBIENT STACK: "explicit env
	// overrides for a short list of hot fields").
	if port := os.Getenv("ORCH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if maxAttempts := os.Getenv("ORCH_QUEUE_MAX_ATTEMPTS"); maxAttempts != "" {
		if n, err := strconv.Atoi(maxAttempts); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
	if apiKey := os.Getenv("ORCH_LLM_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}

	return cfg, nil
}

func strTrimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

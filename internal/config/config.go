// Package config loads client and sim configuration from an optional
// YAML file layered under environment variables. Environment wins.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the chat client configuration.
type Config struct {
	// Backend endpoints
	ServerURL string
	FeedURL   string
	Token     string

	// Local state
	MirrorPath string
	PolicyPath string

	// Tuning
	StreamTimeout time.Duration

	// Logging
	LogLevel string
}

// fileConfig is the YAML shape of the config file. Zero values mean
// "not set" and fall through to defaults.
type fileConfig struct {
	ServerURL            string `yaml:"server_url"`
	FeedURL              string `yaml:"feed_url"`
	Token                string `yaml:"token"`
	MirrorPath           string `yaml:"mirror_path"`
	PolicyPath           string `yaml:"policy_path"`
	StreamTimeoutSeconds int    `yaml:"stream_timeout_seconds"`
	LogLevel             string `yaml:"log_level"`
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "weft", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "weft", "config.yaml")
}

// DefaultMirrorPath returns the conventional mirror database location.
func DefaultMirrorPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "weft", "mirror.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "mirror.db"
	}
	return filepath.Join(home, ".local", "share", "weft", "mirror.db")
}

// Load builds the client configuration. An empty path means the
// default location, where a missing file is fine; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ServerURL:     "http://localhost:8080",
		FeedURL:       "ws://localhost:8080/v1/feed",
		MirrorPath:    DefaultMirrorPath(),
		StreamTimeout: 30 * time.Second,
		LogLevel:      "info",
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	cfg.ServerURL = getEnv("WEFT_SERVER_URL", cfg.ServerURL)
	cfg.FeedURL = getEnv("WEFT_FEED_URL", cfg.FeedURL)
	cfg.Token = getEnv("WEFT_TOKEN", cfg.Token)
	cfg.MirrorPath = getEnv("WEFT_MIRROR_PATH", cfg.MirrorPath)
	cfg.PolicyPath = getEnv("WEFT_POLICY_PATH", cfg.PolicyPath)
	if secs := getEnvInt("WEFT_STREAM_TIMEOUT_SECONDS", 0); secs > 0 {
		cfg.StreamTimeout = time.Duration(secs) * time.Second
	}
	cfg.LogLevel = getEnv("WEFT_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.ServerURL != "" {
		cfg.ServerURL = fc.ServerURL
	}
	if fc.FeedURL != "" {
		cfg.FeedURL = fc.FeedURL
	}
	if fc.Token != "" {
		cfg.Token = fc.Token
	}
	if fc.MirrorPath != "" {
		cfg.MirrorPath = fc.MirrorPath
	}
	if fc.PolicyPath != "" {
		cfg.PolicyPath = fc.PolicyPath
	}
	if fc.StreamTimeoutSeconds > 0 {
		cfg.StreamTimeout = time.Duration(fc.StreamTimeoutSeconds) * time.Second
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	return nil
}

// SimConfig holds the simulated backend configuration.
type SimConfig struct {
	Addr         string
	DatabasePath string
	Token        string

	// Responder selection: "mock" or "openai".
	Mode          string
	Model         string
	OpenAIBaseURL string
	OpenAIKey     string

	LogLevel string
}

// LoadSim builds the sim configuration from environment variables.
func LoadSim() *SimConfig {
	return &SimConfig{
		Addr:          getEnv("WEFT_SIM_ADDR", ":8080"),
		DatabasePath:  getEnv("WEFT_SIM_DB", "weft-sim.db"),
		Token:         getEnv("WEFT_TOKEN", ""),
		Mode:          getEnv("WEFT_SIM_MODE", "mock"),
		Model:         getEnv("WEFT_SIM_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIKey:     getEnv("OPENAI_API_KEY", ""),
		LogLevel:      getEnv("WEFT_LOG_LEVEL", "info"),
	}
}

// ParseLevel maps a config log level to a slog level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// Package config loads the server configuration file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr        string           `yaml:"listen_addr"`
	DB                DBConfig         `yaml:"db"`
	RulesPath         string           `yaml:"rules_path"`
	WatchRules        bool             `yaml:"watch_rules"`
	SigningKey        SigningKeyConfig `yaml:"signing_key"`
	Reviewers         []ReviewerConfig `yaml:"reviewers"`
	Log               LogConfig        `yaml:"log"`
	MaxAppendAttempts int              `yaml:"max_append_attempts"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SigningKeyConfig points at the Ed25519 key used to sign export
// checkpoints. Exports are unsigned when it is empty.
type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type ReviewerConfig struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
	Staff bool   `yaml:"staff"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.RulesPath == "" {
		return fmt.Errorf("rules_path is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver=%s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver must be memory, sqlite or postgres, got %q", c.DB.Driver)
	}

	if (c.SigningKey.KeyID == "") != (c.SigningKey.PrivateKeyPath == "") {
		return fmt.Errorf("signing_key.key_id and signing_key.private_key_path must be set together")
	}

	seen := map[string]bool{}
	for i, r := range c.Reviewers {
		if r.ID == "" || r.Token == "" {
			return fmt.Errorf("reviewers[%d]: id and token are required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("reviewers[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.MaxAppendAttempts < 0 {
		return fmt.Errorf("max_append_attempts must not be negative")
	}
	return nil
}

// Logger builds the process logger described by c, writing to w.
func (c LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

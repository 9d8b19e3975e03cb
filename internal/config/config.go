// Package config loads per-run runtime settings: a daokit.yaml at the
// pipeline root layered under environment overrides. Backend selectors stay
// environment-only and are resolved by their own packages.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/strongdm/daokit/internal/accept"
	"github.com/strongdm/daokit/internal/dispatch"
	"github.com/strongdm/daokit/internal/heartbeat"
)

// SettingsFile is the optional per-root settings file name.
const SettingsFile = "daokit.yaml"

// Settings is the explicit runtime configuration record.
type Settings struct {
	Heartbeat struct {
		WarningAfterSeconds  int `yaml:"warning_after_seconds"`
		StaleAfterSeconds    int `yaml:"stale_after_seconds"`
		CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	} `yaml:"heartbeat"`

	Dispatch struct {
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
		SystemPrompt   string `yaml:"system_prompt"`
	} `yaml:"dispatch"`

	Acceptance struct {
		RequireCommandEvidence bool `yaml:"require_command_evidence"`
		ReworkBound            int  `yaml:"rework_bound"`
	} `yaml:"acceptance"`

	Lease struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"lease"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads root/daokit.yaml when present and applies environment
// overrides. A missing file is the empty settings record.
func Load(root string) (Settings, error) {
	var s Settings
	path := filepath.Join(root, SettingsFile)
	if b, err := os.ReadFile(path); err == nil {
		dec := yaml.NewDecoder(strings.NewReader(string(b)))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil && !strings.Contains(err.Error(), "EOF") {
			return Settings{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Settings{}, err
	}

	s.Heartbeat.WarningAfterSeconds = envInt("DAOKIT_HEARTBEAT_WARNING_SECONDS", s.Heartbeat.WarningAfterSeconds)
	s.Heartbeat.StaleAfterSeconds = envInt("DAOKIT_HEARTBEAT_STALE_SECONDS", s.Heartbeat.StaleAfterSeconds)
	s.Heartbeat.CheckIntervalSeconds = envInt("DAOKIT_HEARTBEAT_CHECK_INTERVAL_SECONDS", s.Heartbeat.CheckIntervalSeconds)
	s.Dispatch.TimeoutSeconds = envInt("DAOKIT_DISPATCH_TIMEOUT_SECONDS", s.Dispatch.TimeoutSeconds)
	s.Dispatch.MaxRetries = envInt("DAOKIT_DISPATCH_MAX_RETRIES", s.Dispatch.MaxRetries)
	s.Acceptance.ReworkBound = envInt("DAOKIT_REWORK_BOUND", s.Acceptance.ReworkBound)
	s.Lease.TTLSeconds = envInt("DAOKIT_LEASE_TTL_SECONDS", s.Lease.TTLSeconds)
	if v := strings.TrimSpace(os.Getenv("DAOKIT_REQUIRE_COMMAND_EVIDENCE")); v != "" {
		s.Acceptance.RequireCommandEvidence = parseBool(v, s.Acceptance.RequireCommandEvidence)
	}
	if v := strings.TrimSpace(os.Getenv("DAOKIT_LOG_LEVEL")); v != "" {
		s.Log.Level = v
	}
	return s, nil
}

// HeartbeatThresholds maps settings onto the heartbeat record, falling back
// to defaults for unset fields.
func (s Settings) HeartbeatThresholds() heartbeat.Thresholds {
	return heartbeat.Thresholds{
		WarningAfterSeconds:  s.Heartbeat.WarningAfterSeconds,
		StaleAfterSeconds:    s.Heartbeat.StaleAfterSeconds,
		CheckIntervalSeconds: s.Heartbeat.CheckIntervalSeconds,
	}
}

// AcceptConfig maps settings onto the acceptance record.
func (s Settings) AcceptConfig() accept.Config {
	return accept.Config{
		RequireCommandEvidence: s.Acceptance.RequireCommandEvidence,
		ReworkBound:            s.Acceptance.ReworkBound,
	}
}

// DispatchConfig resolves the dispatch backend from the environment and
// layers in settings-file values.
func (s Settings) DispatchConfig() (dispatch.Config, error) {
	cfg, err := dispatch.ConfigFromEnv()
	if err != nil {
		return dispatch.Config{}, err
	}
	cfg.TimeoutSeconds = s.Dispatch.TimeoutSeconds
	cfg.MaxRetries = s.Dispatch.MaxRetries
	cfg.SystemPrompt = s.Dispatch.SystemPrompt
	return cfg, nil
}

// Logger builds the process logger at the configured level.
func (s Settings) Logger(w *os.File) zerolog.Logger {
	level := zerolog.InfoLevel
	if s.Log.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(s.Log.Level)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

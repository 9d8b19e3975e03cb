package dispatch

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/strongdm/daokit/internal/llm"
)

// BackendEnv selects the dispatch backend. Like the state backend selector
// it is environment-only, never a CLI flag.
const (
	BackendEnv  = "DAOKIT_DISPATCH_BACKEND"
	ShimPathEnv = "DAOKIT_SHIM_PATH"

	BackendSubprocess = "subprocess"
	BackendLLM        = "llm"
)

// Config is the explicit dispatch configuration record.
type Config struct {
	Backend        string
	ShimPath       string
	TimeoutSeconds int
	MaxRetries     int
	SystemPrompt   string
}

// ConfigFromEnv resolves the backend selector and shim path. Settings-file
// values may be layered in by the caller before New.
func ConfigFromEnv() (Config, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv(BackendEnv)))
	switch backend {
	case "":
		backend = BackendSubprocess
	case BackendSubprocess, BackendLLM:
	default:
		return Config{}, fmt.Errorf("unsupported dispatch backend %q (allowed: %s, %s)", backend, BackendSubprocess, BackendLLM)
	}
	return Config{
		Backend:  backend,
		ShimPath: strings.TrimSpace(os.Getenv(ShimPathEnv)),
	}, nil
}

// New builds the adapter for cfg, writing artifacts under artifactRoot.
func New(cfg Config, artifactRoot string) (Adapter, error) {
	artifacts, err := NewArtifactStore(artifactRoot)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Backend {
	case BackendSubprocess:
		if cfg.ShimPath == "" {
			return nil, fmt.Errorf("subprocess dispatch requires %s", ShimPathEnv)
		}
		return NewSubprocessAdapter(cfg.ShimPath, artifacts, timeout), nil
	case BackendLLM:
		llmCfg, err := llm.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		if cfg.MaxRetries > 0 {
			llmCfg.MaxRetries = cfg.MaxRetries
		}
		if timeout > 0 {
			llmCfg.Timeout = timeout
		}
		return NewLLMAdapter(llm.New(llmCfg), artifacts, cfg.SystemPrompt), nil
	default:
		return nil, fmt.Errorf("unsupported dispatch backend %q", cfg.Backend)
	}
}

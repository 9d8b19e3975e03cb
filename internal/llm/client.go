// Package llm is the OpenAI-compatible chat-completion client used by the
// LLM dispatch backend. One endpoint, one model, configured entirely from
// the environment; retries are bounded and cover transport and 5xx classes
// only.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvAPIKey         = "DAOKIT_LLM_API_KEY"
	EnvBaseURL        = "DAOKIT_LLM_BASE_URL"
	EnvModel          = "DAOKIT_LLM_MODEL"
	EnvMaxTokens      = "DAOKIT_LLM_MAX_TOKENS"
	EnvTemperature    = "DAOKIT_LLM_TEMPERATURE"
	EnvTimeoutSeconds = "DAOKIT_LLM_TIMEOUT_SECONDS"
)

const (
	defaultPath        = "/v1/chat/completions"
	defaultMaxTokens   = 1024
	defaultTemperature = 0.2
	defaultTimeout     = 120 * time.Second
	defaultMaxRetries  = 2
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// ConfigFromEnv reads the endpoint configuration. BaseURL and Model are
// required; everything else has defaults.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		APIKey:      strings.TrimSpace(os.Getenv(EnvAPIKey)),
		BaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv(EnvBaseURL)), "/"),
		Model:       strings.TrimSpace(os.Getenv(EnvModel)),
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		Timeout:     defaultTimeout,
		MaxRetries:  defaultMaxRetries,
	}
	if cfg.BaseURL == "" {
		return Config{}, fmt.Errorf("%s is required for the llm dispatch backend", EnvBaseURL)
	}
	if cfg.Model == "" {
		return Config{}, fmt.Errorf("%s is required for the llm dispatch backend", EnvModel)
	}
	if raw := strings.TrimSpace(os.Getenv(EnvMaxTokens)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s must be a positive integer, got %q", EnvMaxTokens, raw)
		}
		cfg.MaxTokens = n
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTemperature)); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			return Config{}, fmt.Errorf("%s must be a non-negative number, got %q", EnvTemperature, raw)
		}
		cfg.Temperature = f
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTimeoutSeconds)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s must be a positive integer, got %q", EnvTimeoutSeconds, raw)
		}
		cfg.Timeout = time.Duration(n) * time.Second
	}
	return cfg, nil
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionResult struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	FinishReason string         `json:"finish_reason"`
	Usage        map[string]any `json:"usage"`
}

// CallError is a terminal completion failure after retries are exhausted.
type CallError struct {
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm call failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return "llm call failed: " + e.Message
}

type Client struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: 0}}
}

func (c *Client) Config() Config { return c.cfg }

// ChatCompletion issues one completion request, retrying transport errors
// and 5xx responses up to MaxRetries times. 4xx responses fail immediately.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message) (CompletionResult, error) {
	body, err := json.Marshal(map[string]any{
		"model":       c.cfg.Model,
		"messages":    messages,
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	})
	if err != nil {
		return CompletionResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, time.Duration(attempt)*time.Second); err != nil {
				return CompletionResult{}, err
			}
		}
		result, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return CompletionResult{}, lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte) (CompletionResult, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+defaultPath, bytes.NewReader(body))
	if err != nil {
		return CompletionResult{}, false, &CallError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return CompletionResult{}, false, ctx.Err()
		}
		return CompletionResult{}, true, &CallError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return CompletionResult{}, true, &CallError{Message: err.Error()}
	}
	if resp.StatusCode >= 500 {
		return CompletionResult{}, true, &CallError{StatusCode: resp.StatusCode, Message: errorSummary(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CompletionResult{}, false, &CallError{StatusCode: resp.StatusCode, Message: errorSummary(raw)}
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CompletionResult{}, false, &CallError{Message: "invalid completion response: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return CompletionResult{}, false, &CallError{Message: "completion response has no choices"}
	}
	model := parsed.Model
	if model == "" {
		model = c.cfg.Model
	}
	return CompletionResult{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage:        parsed.Usage,
	}, false, nil
}

func errorSummary(raw []byte) string {
	var doc struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Error.Message != "" {
		return doc.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "empty error body"
	}
	return s
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

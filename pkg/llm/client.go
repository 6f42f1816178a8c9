// Package llm implements the client for the external text-completion
// service used by the analysis pipeline stages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/logging"
	"github.com/vigiasec/scanpipe/pkg/metrics"
)

// =============================================================================
// Wire Types
// =============================================================================

// Message is one role/content pair in a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the chat-completions request body.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
}

// Response is the chat-completions response body, limited to the
// fields we consume.
type Response struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Completer is the interface pipeline stages depend on. The worker
// injects the real client; tests inject fakes.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// =============================================================================
// Client
// =============================================================================

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	maxRetries  int
	retryDelay  time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      logging.Logger
	metrics     metrics.Collector
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithModel sets the model identifier sent in requests.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithGeneration sets the generation parameters.
func WithGeneration(maxTokens int, temperature, topP float64) Option {
	return func(c *Client) {
		c.maxTokens = maxTokens
		c.temperature = temperature
		c.topP = topP
	}
}

// WithMaxRetries bounds retry attempts for retryable failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCollector sets the metrics collector observing requests.
func WithCollector(m metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a text-completion client.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       "meta/llama-3.1-70b-instruct",
		maxTokens:   2048,
		temperature: 0.2,
		topP:        0.7,
		maxRetries:  3,
		retryDelay:  2 * time.Second,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(1), 2),
		logger:      &logging.NopLogger{},
		metrics:     metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends the messages and returns the generated text. Failures
// retry with bounded attempts when retryable; an empty completion is
// an error, never silent empty output.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Warn("completion attempt %d/%d failed, retrying in %s: %v",
				attempt, c.maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return "", errors.E(errors.KindTimeout, "llm.Complete", "context cancelled during retry wait", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", errors.E(errors.KindTimeout, "llm.Complete", "context cancelled waiting for rate limiter", err)
		}

		start := time.Now()
		content, err := c.complete(ctx, messages)
		c.metrics.HistogramObserve(metrics.CompletionDuration.Name, time.Since(start).Seconds())
		if err == nil {
			c.metrics.CounterInc(metrics.CompletionRequestsTotal.Name, "ok")
			return content, nil
		}
		c.metrics.CounterInc(metrics.CompletionRequestsTotal.Name, "error")
		lastErr = err
		if !errors.IsRetryable(err) {
			return "", err
		}
	}
	return "", errors.E(errors.KindExternal, "llm.Complete",
		fmt.Sprintf("completion failed after %d attempts", c.maxRetries+1), lastErr)
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(Request{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
	})
	if err != nil {
		return "", errors.E(errors.KindInternal, "llm.complete", "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.E(errors.KindInternal, "llm.complete", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.E(errors.KindTimeout, "llm.complete", "request timed out", err)
		}
		return "", errors.E(errors.KindExternal, "llm.complete", "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", errors.E(errors.KindExternal, "llm.complete", "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &errors.APIError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(respBody),
			Body:       string(respBody),
		}
	}

	var parsed Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", errors.E(errors.KindExternal, "llm.complete", "decode response", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", errors.E(errors.KindExternal, "llm.complete", "service returned empty completion")
	}
	return parsed.Choices[0].Message.Content, nil
}

func extractErrorMessage(body []byte) string {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err == nil {
		switch {
		case e.Error.Message != "":
			return e.Error.Message
		case e.Message != "":
			return e.Message
		case e.Detail != "":
			return e.Detail
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

var _ Completer = (*Client)(nil)

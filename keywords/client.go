// Package keywords generates SEO keywords for catalog products through the
// OpenRouter chat-completions API.
package keywords

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/CamiloMaria/catalog-enrichment/enrich"
	"github.com/CamiloMaria/catalog-enrichment/errors"
)

const (
	// DefaultModel is the fallback model when none is configured.
	DefaultModel = "openai/gpt-4o-mini"

	// DefaultBaseURL is the OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	defaultTemperature = 0.2
	defaultMaxTokens   = 200

	systemPrompt = "You are an e-commerce SEO specialist. Given a product, " +
		"respond with 5 to 10 search keywords a shopper would use to find it, " +
		"as a single comma-separated line. Keywords only, no numbering, no extra text."
)

// Config holds the client configuration.
type Config struct {
	APIKey            string
	Model             string
	BaseURL           string
	RequestsPerMinute int // hard cap; 0 disables the limiter
	Logger            *zap.SugaredLogger
	HTTPClient        *http.Client
}

// Client calls OpenRouter to produce SEO keywords for a product. It
// implements enrich.Client. The client makes exactly one API call per
// Enrich invocation; retry policy belongs to the caller. The hard
// requests-per-minute cap is enforced here regardless of the caller's
// own pacing.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// NewClient creates an OpenRouter-backed keyword client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger.Named("keywords"),
	}
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Enrich asks the model for SEO keywords for one product. HTTP 404 maps to
// enrich.ErrRecordNotFound (permanent); rate limiting, server errors, and
// network failures surface as transient errors for the caller to retry.
func (c *Client) Enrich(ctx context.Context, rec enrich.Record) (enrich.Result, error) {
	if c.apiKey == "" {
		return enrich.Result{}, errors.New("OpenRouter API key not configured")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return enrich.Result{}, err
		}
	}

	userPrompt := fmt.Sprintf("Product title: %s\nCategory: %s", rec.Title, rec.Category)
	reqBody, err := json.Marshal(chatCompletionRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return enrich.Result{}, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return enrich.Result{}, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "catalog-enrichment")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return enrich.Result{}, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return enrich.Result{}, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return enrich.Result{}, c.classifyStatus(rec.Key, resp.StatusCode, respBody)
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return enrich.Result{}, errors.Wrap(err, "failed to unmarshal response")
	}
	if len(chatResp.Choices) == 0 {
		return enrich.Result{}, errors.New("no response choices from OpenRouter")
	}

	kws := parseKeywords(chatResp.Choices[0].Message.Content)
	if len(kws) == 0 {
		return enrich.Result{}, errors.Newf("model returned no usable keywords for %s", rec.Key)
	}

	c.logger.Debugw("Generated keywords",
		"sku", rec.Key,
		"model", chatResp.Model,
		"keyword_count", len(kws))

	return enrich.Result{Key: rec.Key, Keywords: kws}, nil
}

// classifyStatus maps a non-200 response onto the engine's error taxonomy.
func (c *Client) classifyStatus(key string, status int, body []byte) error {
	switch {
	case status == http.StatusNotFound:
		return errors.Wrapf(enrich.ErrRecordNotFound, "upstream returned 404 for %s", key)
	case status == http.StatusTooManyRequests:
		return errors.Wrapf(errors.ErrServiceUnavailable, "rate limited (429): %s", truncate(body, 200))
	case status >= 500:
		return errors.Wrapf(errors.ErrServiceUnavailable, "server error (%d): %s", status, truncate(body, 200))
	default:
		return errors.Newf("API request failed with status %d: %s", status, truncate(body, 200))
	}
}

// parseKeywords splits the model's comma-separated line into clean keywords.
// Models sometimes add bullets or a trailing period; those are stripped.
func parseKeywords(content string) []string {
	content = strings.TrimSpace(content)
	content = strings.TrimSuffix(content, ".")

	parts := strings.Split(content, ",")
	keywords := make([]string, 0, len(parts))
	for _, p := range parts {
		kw := strings.ToLower(strings.TrimSpace(p))
		kw = strings.TrimLeft(kw, "-•* ")
		if kw == "" {
			continue
		}
		keywords = append(keywords, kw)
	}
	return keywords
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout      = 120 * time.Second
	maxIdleConns        = 100
	maxConnsPerHost     = 100
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// ErrMissingAPIKey is returned when the client was built without a credential.
var ErrMissingAPIKey = errors.New("gemini: missing API key")

// Options configures a Client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// Observe, when set, is called once per request with its error (nil on
	// success). The congestion controller feeds on it.
	Observe func(error)
	// RPM enables a shared smooth rate limit across all callers; <=0 disables it.
	RPM int
}

// Client is a Gemini generateContent client with HTTP/2 pooling, an optional
// shared rate limiter and usage accounting.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	observe    func(error)

	limiterMu sync.RWMutex
	limiter   *rate.Limiter

	usageMu           sync.Mutex
	totalPromptTokens int64
	totalOutputTokens int64
	generateCalls     int64
	failedCalls       int64
}

// NewClient creates a new Gemini client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxConnsPerHost,
			MaxConnsPerHost:     maxConnsPerHost,
			IdleConnTimeout:     idleConnTimeout,
			TLSHandshakeTimeout: tlsHandshakeTimeout,
			ForceAttemptHTTP2:   true,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		}
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		observe:    opts.Observe,
	}
	c.SetRPM(opts.RPM)
	return c
}

// HasCredential reports whether an API key is configured.
func (c *Client) HasCredential() bool {
	return c != nil && c.apiKey != ""
}

// SetRPM sets a smooth rate limit for GenerateContent requests.
// rpm<=0 disables rate limiting.
func (c *Client) SetRPM(rpm int) {
	if c == nil {
		return
	}
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	if rpm <= 0 {
		c.limiter = nil
		return
	}
	limit := rate.Limit(float64(rpm) / 60.0)
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(limit, 1)
		return
	}
	c.limiter.SetLimit(limit)
}

func (c *Client) wait(ctx context.Context) error {
	c.limiterMu.RLock()
	limiter := c.limiter
	c.limiterMu.RUnlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	return req, nil
}

// GenerateContentRequest for the generateContent API
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings   []SafetySetting   `json:"safetySettings,omitempty"`
}

type GenerationConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	MaxOutputTokens    int             `json:"maxOutputTokens,omitempty"`
	ThinkingConfig     *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseJsonSchema any             `json:"responseJsonSchema,omitempty"`
}

type ThinkingConfig struct {
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text,omitempty"`
}

type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

// Text returns the concatenated text parts of the first candidate.
func (r *GenerateContentResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for _, part := range r.Candidates[0].Content.Parts {
		buf.WriteString(part.Text)
	}
	return buf.String()
}

// UsageMetadata contains token usage information from the API
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type PromptFeedback struct {
	BlockReason        string `json:"blockReason,omitempty"`
	BlockReasonMessage string `json:"blockReasonMessage,omitempty"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error %d (%s): %s", e.Code, e.Status, e.Message)
}

// TransportError wraps a network-level failure (no HTTP response).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "gemini transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// GenerateContent sends one generateContent request. It never retries; the
// observer, when set, sees the outcome of the request.
func (c *Client) GenerateContent(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	if !c.HasCredential() {
		return nil, ErrMissingAPIKey
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, fmt.Sprintf("models/%s:generateContent", model), body)
	if c.observe != nil {
		c.observe(err)
	}
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	c.recordGenerateUsage(resp.UsageMetadata)
	return resp, nil
}

func (c *Client) send(ctx context.Context, endpoint string, body []byte) (*GenerateContentResponse, error) {
	httpReq, err := c.buildRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	var result GenerateContentResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &APIError{Code: resp.StatusCode, Status: "MALFORMED_ENVELOPE", Message: err.Error()}
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &result, nil
}

func parseAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		if envelope.Error.Code == 0 {
			envelope.Error.Code = status
		}
		return envelope.Error
	}
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &APIError{Code: status, Status: http.StatusText(status), Message: msg}
}

// UsageStats contains accumulated usage statistics
type UsageStats struct {
	PromptTokens  int64 `json:"prompt_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	GenerateCalls int64 `json:"generate_calls"`
	FailedCalls   int64 `json:"failed_calls"`
}

// GetUsageStats returns accumulated usage statistics.
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return UsageStats{
		PromptTokens:  c.totalPromptTokens,
		OutputTokens:  c.totalOutputTokens,
		GenerateCalls: c.generateCalls,
		FailedCalls:   c.failedCalls,
	}
}

// ResetUsageStats clears accumulated usage statistics
func (c *Client) ResetUsageStats() {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalPromptTokens = 0
	c.totalOutputTokens = 0
	c.generateCalls = 0
	c.failedCalls = 0
}

func (c *Client) recordGenerateUsage(usage *UsageMetadata) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.generateCalls++
	if usage == nil {
		return
	}
	c.totalPromptTokens += int64(usage.PromptTokenCount)
	c.totalOutputTokens += int64(usage.CandidatesTokenCount)
}

func (c *Client) recordFailure() {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.failedCalls++
}

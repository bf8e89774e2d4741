// Package supabase is a small REST client for the Supabase data layer:
// PostgREST table access and the auth user endpoint.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by single-row queries that match nothing.
	ErrNotFound = errors.New("supabase: row not found")
	// ErrConflict is returned when a write violates a unique constraint.
	ErrConflict = errors.New("supabase: unique constraint conflict")
	// ErrUnauthorized is returned when the credential is rejected.
	ErrUnauthorized = errors.New("supabase: unauthorized")
)

// postgres unique_violation
const uniqueViolation = "23505"

// Client is a Supabase REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      RetryConfig
	breaker    *CircuitBreaker
}

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string // service role key for table access
	HTTPClient *http.Client
	Retry      *RetryConfig
	Breaker    *CircuitBreakerConfig
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	breaker := DefaultCircuitBreakerConfig()
	if cfg.Breaker != nil {
		breaker = *cfg.Breaker
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		retry:      retry,
		breaker:    NewCircuitBreaker(breaker),
	}, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() CircuitState { return c.breaker.State() }

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table}
}

// QueryBuilder builds PostgREST queries.
type QueryBuilder struct {
	client     *Client
	table      string
	columns    string
	filters    url.Values
	orders     []string
	limit      int
	single     bool
	onConflict string
	ignoreDup  bool
}

func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

func (q *QueryBuilder) filter(column, op string, value any) *QueryBuilder {
	if q.filters == nil {
		q.filters = url.Values{}
	}
	q.filters.Add(column, fmt.Sprintf("%s.%v", op, value))
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.filter(column, "eq", value)
}

// Is adds an IS filter (null, true, false).
func (q *QueryBuilder) Is(column string, value any) *QueryBuilder {
	return q.filter(column, "is", value)
}

func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Single expects exactly one row; zero rows yields ErrNotFound.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

// OnConflict makes the next insert an upsert on the given columns.
func (q *QueryBuilder) OnConflict(columns string) *QueryBuilder {
	q.onConflict = columns
	return q
}

// IgnoreDuplicates makes an upsert skip conflicting rows instead of merging.
func (q *QueryBuilder) IgnoreDuplicates() *QueryBuilder {
	q.ignoreDup = true
	return q
}

func (q *QueryBuilder) endpoint(params url.Values) string {
	u := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, q.table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (q *QueryBuilder) params() url.Values {
	params := url.Values{}
	for k, vs := range q.filters {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if q.columns != "" {
		params.Set("select", q.columns)
	}
	if len(q.orders) > 0 {
		params.Set("order", strings.Join(q.orders, ","))
	}
	if q.limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.limit))
	}
	return params
}

// Execute runs a SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	headers := http.Header{}
	if q.single {
		headers.Set("Accept", "application/vnd.pgrst.object+json")
	}
	resp, err := q.client.send(ctx, http.MethodGet, q.endpoint(q.params()), nil, headers)
	if err != nil {
		return nil, err
	}
	if q.single && resp.StatusCode == http.StatusNotAcceptable {
		return nil, ErrNotFound
	}
	return resp, resp.Err()
}

// Insert inserts rows. With OnConflict it becomes an upsert.
func (q *QueryBuilder) Insert(ctx context.Context, data any) (*Response, error) {
	headers := http.Header{}
	prefer := []string{"return=minimal"}
	params := url.Values{}
	if q.onConflict != "" {
		params.Set("on_conflict", q.onConflict)
		if q.ignoreDup {
			prefer = append(prefer, "resolution=ignore-duplicates")
		} else {
			prefer = append(prefer, "resolution=merge-duplicates")
		}
	}
	headers.Set("Prefer", strings.Join(prefer, ","))
	resp, err := q.client.send(ctx, http.MethodPost, q.endpoint(params), data, headers)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// Update patches the rows matched by the filters.
func (q *QueryBuilder) Update(ctx context.Context, data any) (*Response, error) {
	headers := http.Header{}
	headers.Set("Prefer", "return=representation")
	resp, err := q.client.send(ctx, http.MethodPatch, q.endpoint(q.params()), data, headers)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// User is a Supabase auth user.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	Aud          string         `json:"aud"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// GetUser resolves an access token to its user via /auth/v1/user.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.send(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var user User
	if err := resp.JSON(&user); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

// Response is a raw API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// APIError is a non-2xx PostgREST or auth response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase error %d: %s", e.StatusCode, e.Message)
}

// Is makes unique violations match ErrConflict.
func (e *APIError) Is(target error) bool {
	return target == ErrConflict && (e.Code == uniqueViolation || e.StatusCode == http.StatusConflict)
}

// Err returns an error if the response indicates failure.
func (r *Response) Err() error {
	if r.StatusCode < 400 {
		return nil
	}
	apiErr := &APIError{StatusCode: r.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
		Error   string `json:"error"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Details = body.Details
		apiErr.Message = firstNonEmpty(body.Message, body.Error, body.Msg)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(r.StatusCode)
	}
	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// send performs one logical request with retries and the circuit breaker.
func (c *Client) send(ctx context.Context, method, endpoint string, data any, headers http.Header) (*Response, error) {
	var body []byte
	if data != nil {
		var err error
		body, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
	}

	var resp *Response
	err := withRetry(ctx, c.retry, c.breaker, func() (int, error) {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		c.setHeaders(req)
		for k, vs := range headers {
			req.Header[k] = vs
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err = c.do(req)
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}, nil
}

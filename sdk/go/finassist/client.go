// Package finassist is a Go client for the FinAssist conversational API.
package finassist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultHTTPTimeout is used when no timeout option is supplied. A turn may
// call a remote model, so it is longer than a typical REST call.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the FinAssist REST API.
type Client struct {
	http   *resty.Client
	userID string
	apiKey string
}

// Option customises a Client.
type Option func(*Client)

// WithTimeout overrides DefaultHTTPTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.SetTimeout(timeout)
		}
	}
}

// WithHTTPClient uses the given http.Client for transport, e.g. httptest.Server.Client().
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = resty.NewWithClient(hc).SetBaseURL(c.http.BaseURL)
		}
	}
}

// WithUserID sets the X-User-ID header sent with every request.
func WithUserID(userID string) Option {
	return func(c *Client) {
		c.userID = userID
	}
}

// WithAPIKey sends the key as a bearer token. Required when the server has
// API key authentication enabled; the server then derives the user from it.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// ChatRequest is the payload of POST /api/v1/chat.
type ChatRequest struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

// Entity is a recognised stock, index or concept mention.
type Entity struct {
	Kind        string  `json:"kind"`
	SurfaceForm string  `json:"surface_form"`
	CanonicalID *string `json:"canonical_id,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Evidence is a piece of supporting data gathered for a turn.
type Evidence struct {
	SourceKind     string    `json:"source_kind"`
	Content        string    `json:"content"`
	SourceRef      *string   `json:"source_ref,omitempty"`
	RelevanceScore *float64  `json:"relevance_score,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
	Title          string    `json:"title,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	// Origin names the data vendor of a tool item, e.g. "sina".
	Origin string `json:"origin,omitempty"`
}

// Marker flags a degraded but non-fatal condition on a turn.
type Marker struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Failure describes why a turn failed.
type Failure struct {
	Stage   string `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply is the result of one conversation turn.
type Reply struct {
	SessionID     string     `json:"session_id"`
	TurnID        string     `json:"turn_id"`
	Intent        string     `json:"intent"`
	ResolvedQuery string     `json:"resolved_query"`
	Entities      []Entity   `json:"entities"`
	Evidence      []Evidence `json:"evidence"`
	Answer        string     `json:"answer"`
	Citations     []string   `json:"citations,omitempty"`
	Markers       []Marker   `json:"markers,omitempty"`
	Generated     bool       `json:"generated"`
	Failed        bool       `json:"failed"`
	Failure       *Failure   `json:"failure,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Turn is a stored turn in a session history.
type Turn struct {
	TurnID            string     `json:"turn_id"`
	QueryText         string     `json:"query_text"`
	ResolvedQueryText string     `json:"resolved_query_text"`
	Intent            string     `json:"intent"`
	Entities          []Entity   `json:"entities"`
	Evidence          []Evidence `json:"evidence"`
	AnswerText        *string    `json:"answer_text"`
	Citations         []string   `json:"citations,omitempty"`
	Markers           []Marker   `json:"markers,omitempty"`
	Failure           *Failure   `json:"failure,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Session is the conversation state returned by GET /api/v1/sessions/{id}.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("finassist api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("finassist api error (%d): %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// NewClient instantiates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("finassist: base url is required")
	}
	c := &Client{http: resty.New().SetBaseURL(baseURL).SetTimeout(DefaultHTTPTimeout)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Chat sends one query. A failed turn is returned as a Reply with Failed set,
// not as an error.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Reply, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("finassist: query is required")
	}
	var reply Reply
	resp, err := c.request(ctx).SetBody(req).SetResult(&reply).Post("/api/v1/chat")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Session fetches the stored history of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	resp, err := c.request(ctx).SetPathParam("id", sessionID).SetResult(&sess).Get("/api/v1/sessions/{id}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndSession discards a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	resp, err := c.request(ctx).SetPathParam("id", sessionID).Delete("/api/v1/sessions/{id}")
	return check(resp, err)
}

// Health returns nil when the server reports healthy.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.request(ctx).Get("/healthz")
	return check(resp, err)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx).SetError(&errorEnvelope{})
	if c.userID != "" {
		req.SetHeader("X-User-ID", c.userID)
	}
	if c.apiKey != "" {
		req.SetAuthToken(c.apiKey)
	}
	return req
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if env, ok := resp.Error().(*errorEnvelope); ok && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	return apiErr
}

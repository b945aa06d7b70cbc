// Package cloudflare is a minimal client for the Cloudflare Stream API.
package cloudflare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/streamsync/internal/version"
)

const (
	// DefaultBaseURL is the public Cloudflare API host.
	DefaultBaseURL = "https://api.cloudflare.com"
	// MediaIDHeader carries the Stream video uid on tus upload responses.
	MediaIDHeader = "stream-media-id"

	// Cloudflare allows 1200 API requests per 5 minutes per user.
	defaultRateLimit = 4.0
	maxErrorBody     = 64 << 10
)

// ErrMalformedErrorResponse is returned when a failed response body does not
// match the {"errors":[{"message":...}]} envelope.
var ErrMalformedErrorResponse = errors.New("cloudflare: malformed error response")

// APIMessage is a single entry of the Cloudflare errors array.
type APIMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Errors *[]APIMessage `json:"errors"`
}

// APIError is a non-2xx answer with the server-reported messages.
type APIError struct {
	StatusCode int
	Errors     []APIMessage
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("cloudflare: status %d", e.StatusCode)
	}
	messages := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		messages = append(messages, item.Message)
	}
	return fmt.Sprintf("cloudflare: status %d: %s", e.StatusCode, strings.Join(messages, "; "))
}

// Messages returns the error messages in server order.
func (e *APIError) Messages() []string {
	out := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		out = append(out, item.Message)
	}
	return out
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	AccountID string
	Token     string
	Timeout   time.Duration
	// RateLimit is requests per second; zero uses the Cloudflare default.
	RateLimit  float64
	HTTPClient *http.Client
}

// Client talks to the Stream endpoints of a single account.
type Client struct {
	baseURL   string
	accountID string
	token     string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewClient builds a Stream client. HTTPClient defaults to one with Timeout
// applied; uploads should use UploadHTTPClient, which has no overall timeout.
func NewClient(log *slog.Logger, opts Options) *Client {
	if log == nil {
		log = slog.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &Client{
		baseURL:   baseURL,
		accountID: opts.AccountID,
		token:     opts.Token,
		http:      httpClient,
		limiter:   rate.NewLimiter(rate.Limit(limit), max(1, int(limit))),
		logger:    log.With(slog.String("client", "cloudflare_stream")),
	}
}

// UploadEndpoint returns the tus creation URL for the account.
func (c *Client) UploadEndpoint() string {
	return c.baseURL + "/client/v4/accounts/" + url.PathEscape(c.accountID) + "/stream"
}

// AuthHeaders returns the headers every Stream request must carry.
func (c *Client) AuthHeaders() http.Header {
	return http.Header{
		"Authorization": []string{"Bearer " + c.token},
		"User-Agent":    []string{version.UserAgent()},
	}
}

// UploadHTTPClient returns the client used for chunk transfers. It shares
// the transport but drops the request timeout, since a chunk may take longer.
func (c *Client) UploadHTTPClient() *http.Client {
	return &http.Client{Transport: c.http.Transport}
}

// Wait blocks until the rate limiter admits one more request.
func (c *Client) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// Delete removes the Stream video with the given uid.
func (c *Client) Delete(ctx context.Context, mediaID string) error {
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return errors.New("cloudflare: media id is required")
	}
	if err := c.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.UploadEndpoint()+"/"+url.PathEscape(mediaID), nil)
	if err != nil {
		return err
	}
	for key, values := range c.AuthHeaders() {
		req.Header[key] = values
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloudflare: delete %s: %w", mediaID, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("close response body failed", slog.Any("error", err))
		}
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return ParseError(resp.StatusCode, body)
}

// ParseError converts a failed response body into an *APIError. Bodies that
// are not the Cloudflare envelope yield ErrMalformedErrorResponse.
func ParseError(status int, body []byte) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w (status %d): %v", ErrMalformedErrorResponse, status, err)
	}
	if envelope.Errors == nil {
		return fmt.Errorf("%w (status %d): missing errors array", ErrMalformedErrorResponse, status)
	}
	for i, item := range *envelope.Errors {
		if strings.TrimSpace(item.Message) == "" {
			return fmt.Errorf("%w (status %d): errors[%d] has no message", ErrMalformedErrorResponse, status, i)
		}
	}
	return &APIError{StatusCode: status, Errors: *envelope.Errors}
}

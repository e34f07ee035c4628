// Package marketplace provides the session-holding client for the marketplace
// web surface: sign-in, the GraphQL collections, free orders and file downloads.
package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the marketplace origin.
	DefaultBaseURL = "https://cults3d.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultPageSize is used when a collection is listed with a non-positive page size.
	DefaultPageSize = 100

	// DefaultTimeZone is submitted with the sign-in form.
	DefaultTimeZone = "America/New_York"

	// DefaultUserAgent is a desktop browser; the sign-in flow refuses bare clients.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_10_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/39.0.2171.95 Safari/537.36"

	signInPath    = "/en/users/sign-in"
	graphqlPath   = "/graphql"
	freeOrderPath = "/en/free_orders"
)

var _ interfaces.MarketplaceClient = (*Client)(nil)

// Credentials identify the account. Email and Password drive the cookie
// session; Nickname and APIKey authenticate GraphQL queries.
type Credentials struct {
	Email    string
	Password string
	Nickname string
	APIKey   string
}

// Client is one marketplace session. It is safe for concurrent use.
type Client struct {
	baseURL     string
	credentials Credentials
	httpClient  *http.Client
	logger      arbor.ILogger
	limiter     *rate.Limiter
	userAgent   string
	timeZone    string

	authenticated atomic.Bool
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client. A cookie jar is attached if it has none.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithTimeZone overrides the time zone submitted at sign-in.
func WithTimeZone(timeZone string) ClientOption {
	return func(c *Client) {
		if timeZone != "" {
			c.timeZone = timeZone
		}
	}
}

// NewClient creates a marketplace client. No request is made until Login.
func NewClient(credentials Credentials, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:     DefaultBaseURL,
		credentials: credentials,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:    arbor.NewLogger(),
		limiter:   rate.NewLimiter(rate.Inf, 0),
		userAgent: DefaultUserAgent,
		timeZone:  DefaultTimeZone,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		// Copy so a caller-supplied client is not mutated
		httpClient := *c.httpClient
		httpClient.Jar = jar
		c.httpClient = &httpClient
	}

	return c, nil
}

// IsAuthenticated reports whether Login has completed on this session.
func (c *Client) IsAuthenticated() bool {
	return c.authenticated.Load()
}

// do sends req after waiting on the limiter. Transport failures become
// ErrRemoteUnavailable; the caller owns the response body.
func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug().
		Str("op", op).
		Str("method", req.Method).
		Str("url", req.URL.Redacted()).
		Msg("Marketplace request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remoteError(ErrRemoteUnavailable, op, req.URL.Redacted(), 0, err)
	}
	return resp, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// drain discards the rest of a body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

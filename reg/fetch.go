package reg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for landmark fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits landmark downloads to 16 MB.
	maxResponseBytes = 16 << 20
)

// FetchOption configures FetchLandmarks behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the initial delay between attempts.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// IsRemote reports whether a landmark source is an http(s) URL.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// LoadLandmarks reads a local landmark file or fetches a remote one.
func LoadLandmarks(ctx context.Context, source string, opts ...FetchOption) (PointSet, error) {
	if IsRemote(source) {
		return FetchLandmarks(ctx, source, opts...)
	}
	return ReadLandmarks(source)
}

// FetchLandmarks downloads and parses a landmark file. Transport failures and
// 5xx responses are retried with exponential backoff; parse errors and other
// status codes are not.
func FetchLandmarks(ctx context.Context, url string, opts ...FetchOption) (PointSet, error) {
	if url == "" {
		return PointSet{}, fmt.Errorf("fetch landmarks: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.baseBackoff
	bo.MaxElapsedTime = 0

	var ps PointSet
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		body, err := doFetch(ctx, client, url)
		if err != nil {
			return err
		}
		parsed, err := ParseLandmarks(bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		ps = parsed
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.maxRetries-1)), ctx),
		func(err error, wait time.Duration) {
			log.Printf("[fetch] %s failed (%v), retrying in %v", url, err, wait)
		})
	if err != nil {
		if ctx.Err() != nil {
			return PointSet{}, fmt.Errorf("fetch landmarks: %w", ctx.Err())
		}
		return PointSet{}, fmt.Errorf("fetch landmarks: %d attempt(s): %w", attempts, err)
	}
	return ps, nil
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
		if resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}

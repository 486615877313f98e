package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const maxErrorBody = 4 << 10

// RESTConfig configures a JSON API client for one provider
type RESTConfig struct {
	BaseURL string
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RequestsPerSecond of 0 disables client-side rate limiting
	RequestsPerSecond float64
	Burst             int
	Log               *logrus.Entry
}

// RESTClient is a rate limited JSON client. Connection errors, 429 and 5xx responses
// are retried by go-retryablehttp; the final outcome is mapped onto the error taxonomy.
type RESTClient struct {
	base    string
	http    *retryablehttp.Client
	limiter *rate.Limiter

	mu      sync.RWMutex
	headers http.Header
}

func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 4 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "rest-client")
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{cfg.Log}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &RESTClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    client,
		limiter: limiter,
		headers: make(http.Header),
	}
}

// SetHeader sets a header sent with every request, e.g. Authorization
func (c *RESTClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers.Set(key, value)
}

// Do sends in as JSON (when non-nil) and decodes the response into out (when non-nil)
func (c *RESTClient) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	return c.send(ctx, method, path, body, "application/json", out)
}

// Upload streams r as the request body
func (c *RESTClient) Upload(ctx context.Context, method, path string, r io.ReadSeeker, contentType string) error {
	return c.send(ctx, method, path, r, contentType, nil)
}

func (c *RESTClient) send(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	c.mu.RLock()
	for k, v := range c.headers {
		req.Header[k] = v
	}
	c.mu.RUnlock()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, models.ErrNetwork)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ClassifyHTTP(&HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// HTTPError is a non-2xx response
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// ClassifyHTTP attaches the taxonomy sentinel matching the status code
func ClassifyHTTP(e *HTTPError) error {
	var kind error
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		kind = models.ErrAuthentication
	case e.StatusCode == http.StatusNotFound:
		kind = models.ErrJobNotFound
	case e.StatusCode == http.StatusPaymentRequired:
		kind = models.ErrProviderCapacity
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		kind = models.ErrInvalidConfig
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		kind = models.ErrNetwork
	default:
		return e
	}
	return fmt.Errorf("%w: %w", e, kind)
}

// StatusCode extracts the HTTP status of a failed call, or 0
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// leveledLogger adapts logrus to retryablehttp's key/value logger
type leveledLogger struct {
	log *logrus.Entry
}

func (l leveledLogger) with(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.log.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }

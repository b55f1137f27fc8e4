package chessclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-chess-server/internal/admin"
	"github.com/park285/cheese-chess-server/internal/archive"
	"github.com/valyala/fasthttp"
)

// AdminClient queries the admin status endpoints.
type AdminClient struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*AdminClient)

func WithTimeout(d time.Duration) Option {
	return func(c *AdminClient) { c.defaultTimeout = d }
}

func WithRetry(n int) Option {
	return func(c *AdminClient) { c.retryMax = n }
}

// WithDialer replaces the TCP dialer, e.g. for in-memory listeners.
func WithDialer(dial fasthttp.DialFunc) Option {
	return func(c *AdminClient) { c.http.Dial = dial }
}

func NewAdminClient(baseURL string, opts ...Option) *AdminClient {
	c := &AdminClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 8},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *AdminClient) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

func (c *AdminClient) Stats(ctx context.Context) (*admin.StatsResponse, error) {
	var st admin.StatsResponse
	if err := c.get(ctx, "/stats", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *AdminClient) Results(ctx context.Context, limit int) ([]archive.Result, error) {
	var body struct {
		Results []archive.Result `json:"results"`
	}
	if err := c.get(ctx, "/results?limit="+strconv.Itoa(limit), &body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

func (c *AdminClient) get(ctx context.Context, path string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)

	attempts := max(c.retryMax, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				if out != nil {
					if err := json.Unmarshal(resp.Body(), out); err != nil {
						return fmt.Errorf("decode response: %w", err)
					}
				}
				return nil
			}
			err = fmt.Errorf("admin api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if !shouldRetryStatus(status) {
				return err
			}
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *AdminClient) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
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

func backoffDuration(attempt int) time.Duration {
	attempt = min(max(attempt, 1), 6)
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

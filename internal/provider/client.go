package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/resilience"
)

// apiClient is the HTTP substrate shared by the hosted-service
// adapters. It paces requests with a token bucket and translates
// status codes into the typed errors the scheduler acts on. It does
// not retry; retry policy lives with the caller.
type apiClient struct {
	name    model.ProviderName
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	auth    func(*http.Request)
}

func newAPIClient(name model.ProviderName, base string, rps float64, timeout time.Duration, auth func(*http.Request)) *apiClient {
	if rps <= 0 {
		rps = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		name: name,
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
		// A consistently failing host trips open and converts calls to
		// instant transients until the reset probe succeeds.
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip: IsTransient,
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		auth:    auth,
	}
}

// getJSON fetches base+path with query and decodes the body into out.
func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	if err := json.NewDecoder(body).Decode(out); err != nil {
		return eris.Wrapf(err, "%s: decode %s", c.name, path)
	}
	return nil
}

// sendJSON issues a write (PUT/PATCH/POST) with a JSON body, ignoring
// the response body.
func (c *apiClient) sendJSON(ctx context.Context, method, path string, payload any) error {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return eris.Wrapf(err, "%s: encode %s", c.name, path)
		}
	}
	body, err := c.do(ctx, method, path, nil, &buf)
	if err != nil {
		return err
	}
	return body.Close()
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, payload io.Reader) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "%s: limiter wait", c.name)
	}

	body, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (io.ReadCloser, error) {
		return c.roundTrip(ctx, method, path, query, payload)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &TransientError{Provider: c.name, Err: err}
	}
	return body, err
}

func (c *apiClient) roundTrip(ctx context.Context, method, path string, query url.Values, payload io.Reader) (io.ReadCloser, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: build request", c.name)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: c.name, Err: err}
	}
	if err := c.checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// checkStatus maps the response status onto the sync error taxonomy.
// The body is not consumed.
func (c *apiClient) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Provider: c.name}

	case resp.StatusCode == http.StatusTooManyRequests:
		return c.rateLimitFrom(resp)

	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return &TransientError{
			Provider: c.name,
			Err:      fmt.Errorf("http %d from %s", resp.StatusCode, resp.Request.URL),
		}

	default:
		return eris.Errorf("%s: http %d from %s", c.name, resp.StatusCode, resp.Request.URL)
	}
}

// rateLimitFrom builds a RateLimitError from 429 response headers.
// X-RateLimit-Limit/Usage carry "short,daily" pairs; a blown daily
// quota is a long-term limit clearing at midnight UTC, anything else is
// a short-term window honoring Retry-After when present.
func (c *apiClient) rateLimitFrom(resp *http.Response) *RateLimitError {
	now := time.Now()
	rl := &RateLimitError{Provider: c.name, Kind: model.RateLimitShortTerm}

	limits := splitPair(resp.Header.Get("X-RateLimit-Limit"))
	usage := splitPair(resp.Header.Get("X-RateLimit-Usage"))
	if len(limits) == 2 && len(usage) == 2 && limits[1] > 0 && usage[1] >= limits[1] {
		rl.Kind = model.RateLimitLongTerm
		rl.ResetAt = NextMidnightUTC(now)
		return rl
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		rl.RetryAfter = time.Duration(secs) * time.Second
		rl.ResetAt = now.Add(rl.RetryAfter)
		return rl
	}

	rl.ResetAt = NextQuarterHour(now)
	return rl
}

func splitPair(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// bearerAuth sets an OAuth bearer token header.
func bearerAuth(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

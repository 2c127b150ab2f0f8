package shared

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
)

// RESTClient wraps a venue's private REST surface: base URL, request pacing
// and status-code mapping into structured errors. Venue adapters supply the
// per-request auth headers through Request.Headers.
type RESTClient struct {
	venue   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewRESTClient builds a client for baseURL. rps bounds outgoing requests per
// second (<=0 disables pacing).
func NewRESTClient(venue, baseURL string, timeout time.Duration, rps float64) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	client := new(http.Client)
	client.Timeout = timeout
	return &RESTClient{
		venue:   venue,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: limiter,
	}
}

// Request describes one REST call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Do executes the request and decodes a 2xx JSON response into out (skipped
// when out is nil). Non-2xx statuses come back as *errs.E with the raw body
// preserved for venue-specific mapping.
func (c *RESTClient) Do(ctx context.Context, req Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.New(c.venue, errs.CodeTransport,
				errs.WithMessage("rate limiter wait"), errs.WithCause(err))
		}
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return errs.New(c.venue, errs.CodeInvalid,
			errs.WithMessage("create request"), errs.WithCause(err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return errs.New(c.venue, errs.CodeTransport,
			errs.WithMessage("execute request"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New(c.venue, errs.CodeTransport,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.New(c.venue, errs.CodeProtocol,
			errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

func (c *RESTClient) statusError(status int, body []byte) error {
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawMessage(truncate(string(body), 512)),
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(c.venue, errs.CodeAuth, opts...)
	case status == http.StatusNotFound:
		return errs.New(c.venue, errs.CodeNotFound, opts...)
	case status == http.StatusTooManyRequests:
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))
		return errs.New(c.venue, errs.CodeRateLimited, opts...)
	case status >= 500:
		return errs.New(c.venue, errs.CodeUnavailable, opts...)
	default:
		return errs.New(c.venue, errs.CodeRequest, opts...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

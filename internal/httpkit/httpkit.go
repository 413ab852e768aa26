// Package httpkit constructs the outbound HTTP clients the gateway
// uses to reach LLM backends and streamable-HTTP MCP servers. Both
// surfaces want the same things from a client: pooled connections,
// a gateway User-Agent, and retry of transient failures that happen
// before the request reaches the server.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/mcpgate/mcpgate/internal/buildinfo"
)

// Shared transport defaults. The response header timeout is the one a
// caller most often overrides: LLM backends can think for a long time
// before the first header arrives.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// maxRetryWait caps how long a Retry-After header can make us sleep.
const maxRetryWait = 10 * time.Second

// Option configures a client built by NewClient.
type Option func(*settings)

type settings struct {
	timeout    time.Duration
	userAgent  string
	transport  *http.Transport
	retryMax   int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it,
// which streaming callers need since a response can stay open for
// minutes; they rely on context cancellation instead.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithUserAgent overrides the default gateway User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// WithTransport supplies a pre-tuned transport instead of the default
// one from NewTransport.
func WithTransport(t *http.Transport) Option {
	return func(s *settings) { s.transport = t }
}

// WithRetry enables up to max retries of transient failures, waiting
// delay between attempts (or the server's Retry-After when it sends
// one). Requests with a body are only retried when GetBody can rewind
// it; the retryable error set is limited to failures that occur
// before the server has processed anything.
func WithRetry(max int, delay time.Duration) Option {
	return func(s *settings) {
		s.retryMax = max
		s.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// NewTransport returns the transport all outbound clients start from.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with pooling, the gateway
// User-Agent, and optional retries.
func NewClient(opts ...Option) *http.Client {
	s := &settings{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(s)
	}

	t := s.transport
	if t == nil {
		t = NewTransport()
	}

	var rt http.RoundTripper = &headerTransport{base: t, userAgent: s.userAgent}
	if s.retryMax > 0 {
		rt = &retryTransport{base: rt, max: s.retryMax, delay: s.retryDelay, logger: s.logger}
	}

	return &http.Client{Timeout: s.timeout, Transport: rt}
}

// headerTransport stamps the gateway User-Agent on requests that
// don't carry their own.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone rather than mutate, per the RoundTripper contract.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// retryTransport retries transient connection errors and retryable
// status codes (429 and most 5xx). A request body must be rewindable
// via GetBody or the first answer stands.
type retryTransport struct {
	base   http.RoundTripper
	max    int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if !shouldRetry(resp, err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.max; attempt++ {
		wait := t.delay
		if resp != nil {
			if ra := retryAfter(resp); ra > 0 {
				wait = ra
			}
			// Drain so the connection goes back to the pool.
			DrainAndClose(resp.Body, 4096)
		}
		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"max", t.max,
				"wait", wait,
				"error", err,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retryReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retryReq.Body = body
		}

		resp, err = t.base.RoundTrip(retryReq)
		if !shouldRetry(resp, err) {
			return resp, err
		}
	}
	return resp, err
}

// shouldRetry reports whether the outcome of an attempt is worth
// another try.
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return isTransient(err)
	}
	return resp != nil && RetryableStatus(resp.StatusCode)
}

// RetryableStatus reports whether an HTTP status indicates a
// transient server-side condition. 501 is excluded since the server
// will never implement the method on a later attempt.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return code >= 500 && code != http.StatusNotImplemented
}

// retryAfter parses a Retry-After header, either delta-seconds or an
// HTTP date, capped at maxRetryWait. Returns 0 when absent or
// unparseable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, maxRetryWait)
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return min(d, maxRetryWait)
		}
	}
	return 0
}

// isTransient reports whether a connection-level error happened
// before the server could have acted on the request. ECONNRESET is
// excluded: the server may already have processed the request, and a
// retry would risk duplicate side effects.
func isTransient(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		var opErr *net.OpError
		if !errors.As(err, &opErr) || !errors.As(opErr.Err, &errno) {
			return false
		}
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// underlying connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes for inclusion in an error
// message, draining and closing the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultTimeout bounds a probe when the caller passes no timeout.
	DefaultTimeout = 10 * time.Second
	// DefaultUserAgent is sent with every probe request.
	DefaultUserAgent = "pigo-probe/1"
	// maxDrainBytes is how much of a response body is read before closing, so connections can be reused.
	maxDrainBytes = 4096
)

// Probe performs a single bounded liveness check of one URL.
type Probe interface {
	Probe(ctx context.Context, url string, timeout time.Duration) models.ProbeResult
}

// Options configures a Prober.
type Options struct {
	Method             string
	RetryMax           int
	RetryWaitMin       time.Duration
	RetryWaitMax       time.Duration
	InsecureSkipVerify bool
	UserAgent          string
}

// Prober is the HTTP implementation of Probe.
type Prober struct {
	client    *retryablehttp.Client
	method    string
	userAgent string
}

// New creates a Prober. Only GET and HEAD are accepted as methods; anything else falls back to GET.
func New(opts Options) *Prober {
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method != http.MethodHead {
		method = http.MethodGet
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Prober{
		client:    newClient(opts),
		method:    method,
		userAgent: userAgent,
	}
}

// Method returns the HTTP method used for probes.
func (p *Prober) Method() string {
	return p.method
}

func newClient(opts Options) *retryablehttp.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 2
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-hosted devices commonly use self-signed certificates
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: transport,
		// A redirect is itself a success status; following it would probe a different host.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	client.RetryMax = max(opts.RetryMax, 0)
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	client.Logger = nil
	client.CheckRetry = retryPolicy
	return client
}

// retryPolicy retries connection-level failures only. Any response, including 5xx, is final,
// and once the probe deadline passes nothing is retried.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil {
		return false, nil
	}
	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp reports the transport error once retries are exhausted
	}
	return false, nil
}

// Probe issues one request against url and reports whether it answered with a success status
// within timeout. It never returns an error: failures are described by the result's Reason.
func (p *Prober) Probe(ctx context.Context, url string, timeout time.Duration) models.ProbeResult {
	result := models.ProbeResult{URL: url}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, p.method, url, nil)
	if err != nil {
		result.Reason = models.ReasonNetwork
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	result.Latency = time.Since(start).Milliseconds()
	if err != nil {
		result.Reason = Classify(reqCtx, err)
		result.Error = err.Error()
		return result
	}
	defer closeBody(resp, url)

	result.StatusCode = resp.StatusCode
	if !IsSuccessStatus(resp.StatusCode) {
		result.Reason = models.ReasonHTTPStatus
		result.Error = (&StatusError{StatusCode: resp.StatusCode}).Error()
		return result
	}

	result.Reachable = true
	return result
}

func closeBody(resp *http.Response, url string) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	if err := resp.Body.Close(); err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Failed to close probe response body")
	}
}

// IsSuccessStatus reports whether code is in the 2xx-3xx range.
func IsSuccessStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusBadRequest
}

// Classify maps a request error to a probe reason. Cancellation of the caller's context is an
// abort, an expired deadline is a timeout, everything else is a network failure.
func Classify(ctx context.Context, err error) models.ProbeReason {
	switch {
	case errors.Is(err, context.Canceled):
		return models.ReasonAborted
	case errors.Is(err, context.DeadlineExceeded):
		return models.ReasonTimeout
	}

	if ctx != nil {
		switch ctx.Err() {
		case context.Canceled:
			return models.ReasonAborted
		case context.DeadlineExceeded:
			return models.ReasonTimeout
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ReasonTimeout
	}
	return models.ReasonNetwork
}

// StatusError describes a response outside the success range.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return strings.TrimSpace("device returned status " + strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode))
}

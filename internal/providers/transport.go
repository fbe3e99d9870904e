package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/logging"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// Response is a provider reply that made it past transport level checks.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type TransportConfig struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Transport performs HTTP calls for adapters. It throttles per host and maps
// transport failures onto provider faults: timeouts, unreachable hosts,
// rejected credentials and 5xx replies never reach adapter parsing.
type Transport struct {
	client  *http.Client
	limiter *HostRateLimiter
	logger  *slog.Logger
}

func NewTransport(cfg TransportConfig, httpClient *http.Client, logger *slog.Logger) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Transport{
		client:  httpClient,
		limiter: NewHostRateLimiter(cfg.RPS, cfg.Burst),
		logger:  logging.OrDefault(logger),
	}
}

func (t *Transport) Do(ctx context.Context, req *http.Request) (Response, error) {
	if err := t.limiter.Wait(ctx, req.URL.Host); err != nil {
		return Response{}, fault.Provider(fault.ReasonTimeout, "provider timed out", err)
	}

	start := time.Now()
	resp, err := t.client.Do(req.WithContext(ctx))
	if err != nil {
		return Response{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, classifyTransportError(ctx, err)
	}
	t.logger.Debug("provider_http", "method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	html := isHTML(resp.Header.Get("Content-Type"), body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Response{}, fault.Provider(fault.ReasonAuthRejected, "provider rejected credentials", newAPIError(resp.StatusCode, body, html))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Response{}, fault.Provider(fault.ReasonNetwork, "provider unavailable", newAPIError(resp.StatusCode, body, html))
	case html:
		// Challenge and maintenance pages come back as 200 text/html.
		t.logger.Warn("provider_http", "host", req.URL.Host, "status", "html_reply", "title", pageTitle(body))
		return Response{}, fault.Provider(fault.ReasonMalformedResponse, "provider returned a malformed response", newAPIError(resp.StatusCode, body, html))
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// APIError keeps the raw upstream reply for logs. It is only ever the cause
// of a fault, never shown to callers.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api status %d: %s", e.StatusCode, e.Body)
}

func newAPIError(status int, body []byte, html bool) *APIError {
	if html {
		if title := pageTitle(body); title != "" {
			return &APIError{StatusCode: status, Body: "html page: " + title}
		}
	}
	return &APIError{StatusCode: status, Body: snippet(body)}
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 64)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// pageTitle extracts a short description of an HTML page for logs.
func pageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return strings.Join(strings.Fields(title), " ")
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Provider(fault.ReasonTimeout, "provider timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Provider(fault.ReasonTimeout, "provider timed out", err)
	}
	return fault.Provider(fault.ReasonNetwork, "provider unreachable", err)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// HostRateLimiter keeps one token bucket per provider host.
type HostRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewHostRateLimiter(rps float64, burst int) *HostRateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (l *HostRateLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || host == "" {
		return nil
	}
	return l.getLimiter(host).Wait(ctx)
}

func (l *HostRateLimiter) getLimiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

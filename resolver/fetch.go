package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/time/rate"
)

// Fetcher retrieves a page body.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// StatusError is returned for a non-2xx response that is not retried.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code) }

// IsNotFound reports whether err is a 404 from a Fetcher.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

const (
	defaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	defaultMaxBody     = 4 << 20
	defaultFetchRetry  = 2
	defaultFetchDelay  = 500 * time.Millisecond
	defaultHostRate    = 1.0 // requests per second per host
	defaultHostBurst   = 2
	defaultHTTPTimeout = 15 * time.Second
)

// HTTPFetcher is a polite GET client for registry pages: browser-like
// headers, Korean Accept-Language, a per-host rate limit and retries on
// transient failures.
type HTTPFetcher struct {
	Client     *http.Client
	UserAgent  string
	Referer    string
	MaxRetries int
	RetryDelay time.Duration
	// PerHostRate is the steady request rate allowed per host.
	// Zero uses one request per second; negative disables limiting.
	PerHostRate float64
	MaxBody     int64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher returns an HTTPFetcher with default settings.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:     &http.Client{Timeout: defaultHTTPTimeout},
		UserAgent:  defaultUserAgent,
		MaxRetries: defaultFetchRetry,
		RetryDelay: defaultFetchDelay,
	}
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	if f.PerHostRate < 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limiters == nil {
		f.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := f.limiters[host]
	if !ok {
		r := f.PerHostRate
		if r == 0 {
			r = defaultHostRate
		}
		l = rate.NewLimiter(rate.Limit(r), defaultHostBurst)
		f.limiters[host] = l
	}
	return l
}

// Fetch GETs rawURL. 429 and 5xx responses and network errors are retried
// with exponential backoff; other non-2xx responses return *StatusError.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	delay := f.RetryDelay
	if delay <= 0 {
		delay = defaultFetchDelay
	}
	maxBody := f.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	var (
		lastErr    error
		retryAfter time.Duration
	)
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := retryWait(delay, attempt, retryAfter)
			retryAfter = 0
			slog.Debug("fetch: retrying", "url", rawURL, "attempt", attempt, "delay", wait, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if l := f.limiter(u.Host); l != nil {
			if err := l.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		ua := f.UserAgent
		if ua == "" {
			ua = defaultUserAgent
		}
		req.Header.Set("User-Agent", ua)
		req.Header.Set("Accept-Language", "ko,en;q=0.9")
		if f.Referer != "" {
			req.Header.Set("Referer", f.Referer)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &StatusError{URL: rawURL, Code: resp.StatusCode}
			if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && ra > 0 {
				retryAfter = time.Duration(ra) * time.Second
			}
		default:
			return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
		}
	}
	return nil, fmt.Errorf("fetch %s: retries exhausted: %w", rawURL, lastErr)
}

// retryWait is the pause before the given retry: exponential backoff from
// delay, or the server's Retry-After for this attempt when that is longer.
func retryWait(delay time.Duration, attempt int, retryAfter time.Duration) time.Duration {
	return max(delay*time.Duration(1<<(attempt-1)), retryAfter)
}

// RodFetcher renders pages in headless Chromium. It serves registry pages
// whose content is filled in by JavaScript.
type RodFetcher struct {
	// WaitSelector, when set, is awaited after the load event.
	WaitSelector string
	// Bin is the browser binary; empty lets rod locate or download one.
	Bin string
}

// Fetch launches a browser, loads rawURL and returns the rendered HTML.
func (f *RodFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	l := launcher.New().Headless(true).Leakless(true).Context(ctx)
	if f.Bin != "" {
		l = l.Bin(f.Bin)
	}
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	defer l.Kill()

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return nil, err
	}
	if err := page.WaitLoad(); err != nil {
		return nil, err
	}
	if f.WaitSelector != "" {
		if _, err := page.Timeout(5 * time.Second).Element(f.WaitSelector); err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", f.WaitSelector, err)
		}
	}
	html, err := page.HTML()
	if err != nil {
		return nil, err
	}
	return []byte(html), nil
}

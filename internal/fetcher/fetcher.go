package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/dshills/ecfr-mirror/internal/logging"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

const (
	DefaultBaseURL   = "https://www.govinfo.gov/bulkdata/ECFR"
	DefaultUserAgent = "eCFR-Scraper/1.0 (Educational/Research Purpose)"

	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = time.Second
	DefaultMaxDocumentBytes = 512 << 20

	maxRetryDelay = 30 * time.Second
	maxRetryAfter = 2 * time.Minute
)

// Config controls how title documents are downloaded.
type Config struct {
	BaseURL          string
	UserAgent        string
	Timeout          time.Duration // per attempt
	MaxRetries       int           // total attempts, including the first
	RetryDelay       time.Duration // initial backoff interval
	MaxDocumentBytes int64
	ArchiveDir       string // raw XML is kept here when non-empty
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Fetcher downloads title XML from the GovInfo bulk data service.
type Fetcher struct {
	cfg    Config
	client *http.Client
	gate   *RateGate
	logger *logging.Logger
}

// New creates a fetcher. gate may be shared with other fetchers; a nil gate
// disables rate limiting.
func New(cfg Config, gate *RateGate, logger *logging.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg.withDefaults(),
		client: &http.Client{},
		gate:   gate,
		logger: logging.Or(logger),
	}
}

// URL returns the bulk data location of a title.
func (f *Fetcher) URL(title int) string {
	return fmt.Sprintf("%s/title-%d/ECFR-title%d.xml", f.cfg.BaseURL, title, title)
}

// Fetch downloads one title, retrying transient failures with exponential
// backoff. The returned error is a *types.TransientFetchError or a
// *types.PermanentFetchError.
func (f *Fetcher) Fetch(ctx context.Context, title int) (*types.Document, error) {
	if !types.ValidTitle(title) {
		return nil, &types.PermanentFetchError{Title: title, Err: types.ErrInvalidTitle}
	}

	target := f.URL(title)
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, &types.PermanentFetchError{Title: title, URL: target, Err: err}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.RetryDelay
	policy.MaxInterval = maxRetryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1

	// lastErr keeps the typed error when a Retry-After hint replaced it.
	var lastErr error
	attempts := 0
	operation := func() (*types.Document, error) {
		attempts++
		doc, err := f.attempt(ctx, title, target)
		if err == nil {
			return doc, nil
		}
		lastErr = err

		var transient *types.TransientFetchError
		if errors.As(err, &transient) {
			if transient.RetryAfter > 0 {
				return nil, backoff.RetryAfter(int(transient.RetryAfter / time.Second))
			}
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	doc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(f.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("fetch attempt failed, retrying",
				"title", title, "attempt", attempts, "next_in", next, "error", lastErr)
		}),
	)
	if err != nil {
		return nil, f.classify(ctx, title, target, err, lastErr)
	}

	f.logger.Debug("fetched title",
		"title", title, "bytes", doc.Size, "fingerprint", doc.Fingerprint, "attempts", attempts)
	return doc, nil
}

func (f *Fetcher) classify(ctx context.Context, title int, target string, err, lastErr error) error {
	var transient *types.TransientFetchError
	var permanent *types.PermanentFetchError
	switch {
	case errors.As(err, &permanent):
		return permanent
	case errors.As(err, &transient):
		return transient
	case lastErr != nil && (errors.As(lastErr, &permanent) || errors.As(lastErr, &transient)):
		return lastErr
	case ctx.Err() != nil:
		return &types.TransientFetchError{Title: title, URL: target, Err: ctx.Err()}
	default:
		return &types.TransientFetchError{Title: title, URL: target, Err: err}
	}
}

func (f *Fetcher) attempt(ctx context.Context, title int, target string) (*types.Document, error) {
	if err := f.gate.Wait(ctx); err != nil {
		return nil, &types.PermanentFetchError{Title: title, URL: target, Err: fmt.Errorf("waiting for rate gate: %w", err)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &types.PermanentFetchError{Title: title, URL: target, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/xml, text/xml, */*")
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &types.PermanentFetchError{Title: title, URL: target, Err: ctx.Err()}
		}
		return nil, &types.TransientFetchError{Title: title, URL: target, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if err := checkStatus(title, target, resp); err != nil {
		return nil, err
	}

	if resp.ContentLength > f.cfg.MaxDocumentBytes {
		return nil, &types.PermanentFetchError{Title: title, URL: target, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("document of %d bytes exceeds limit of %d", resp.ContentLength, f.cfg.MaxDocumentBytes)}
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, &types.TransientFetchError{Title: title, URL: target, StatusCode: resp.StatusCode, Err: err}
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, f.cfg.MaxDocumentBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &types.PermanentFetchError{Title: title, URL: target, Err: ctx.Err()}
		}
		return nil, &types.TransientFetchError{Title: title, URL: target, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > f.cfg.MaxDocumentBytes {
		return nil, &types.PermanentFetchError{Title: title, URL: target, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("document exceeds limit of %d bytes", f.cfg.MaxDocumentBytes)}
	}
	if len(data) == 0 {
		return nil, &types.PermanentFetchError{Title: title, URL: target, StatusCode: resp.StatusCode,
			Err: errors.New("empty response body")}
	}

	sum := sha256.Sum256(data)
	doc := &types.Document{
		Title:       title,
		URL:         target,
		SourceFile:  target,
		Body:        data,
		Fingerprint: hex.EncodeToString(sum[:]),
		StatusCode:  resp.StatusCode,
		Size:        int64(len(data)),
		FetchedAt:   time.Now().UTC(),
	}

	if f.cfg.ArchiveDir != "" {
		path, err := archive(f.cfg.ArchiveDir, title, data)
		if err != nil {
			return nil, &types.PermanentFetchError{Title: title, URL: target, Err: fmt.Errorf("archive: %w", err)}
		}
		doc.SourceFile = path
	}
	return doc, nil
}

func checkStatus(title int, target string, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &types.TransientFetchError{
			Title:      title,
			URL:        target,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(http.StatusText(code)),
		}
	default:
		// 404, 410 and every other non-200 response are not retried.
		return &types.PermanentFetchError{Title: title, URL: target, StatusCode: code, Err: errors.New(http.StatusText(code))}
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	if d < time.Second {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return r, nil
	case "deflate":
		r, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// archive writes data to dir atomically and returns the final path.
func archive(dir string, title int, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("ECFR-title%d.xml", title))

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".ECFR-title%d-*.tmp", title))
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return path, nil
}

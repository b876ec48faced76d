package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

const sampleXML = `<?xml version="1.0"?><DLPSTEXTCLASS><DIV1 N="1" TYPE="TITLE"/></DLPSTEXTCLASS>`

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func TestFetchSuccess(t *testing.T) {
	var gotPath, gotUA, gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotEncoding = r.Header.Get("Accept-Encoding")
		_, _ = w.Write([]byte(sampleXML))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL), nil, nil)
	doc, err := f.Fetch(context.Background(), 1)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(sampleXML))
	assert.Equal(t, "/title-1/ECFR-title1.xml", gotPath)
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "gzip, deflate", gotEncoding)
	assert.Equal(t, []byte(sampleXML), doc.Body)
	assert.Equal(t, hex.EncodeToString(sum[:]), doc.Fingerprint)
	assert.Equal(t, int64(len(sampleXML)), doc.Size)
	assert.Equal(t, http.StatusOK, doc.StatusCode)
	assert.Equal(t, srv.URL+"/title-1/ECFR-title1.xml", doc.SourceFile)
	assert.False(t, doc.FetchedAt.IsZero())
}

func TestFetchGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sampleXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	doc, err := New(testConfig(srv.URL), nil, nil).Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, sampleXML, string(doc.Body))
}

func TestFetchPermanentErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }, http.StatusNotFound},
		{"gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusGone) }, http.StatusGone},
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }, http.StatusForbidden},
		{"empty body", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			_, err := New(testConfig(srv.URL), nil, nil).Fetch(context.Background(), 3)
			require.Error(t, err)

			var permanent *types.PermanentFetchError
			require.ErrorAs(t, err, &permanent)
			assert.Equal(t, tt.status, permanent.StatusCode)
			assert.Equal(t, int32(1), hits.Load(), "permanent errors must not be retried")
			assert.Equal(t, types.ClassPermanentFetch, types.ErrorClass(err))
		})
	}
}

func TestFetchRetriesTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sampleXML))
	}))
	defer srv.Close()

	doc, err := New(testConfig(srv.URL), nil, nil).Fetch(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, sampleXML, string(doc.Body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(testConfig(srv.URL), nil, nil).Fetch(context.Background(), 5)
	require.Error(t, err)

	var transient *types.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusBadGateway, transient.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
	assert.True(t, types.IsRetryable(err))
}

func TestFetchSizeCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxDocumentBytes = 1024
	_, err := New(cfg, nil, nil).Fetch(context.Background(), 6)

	var permanent *types.PermanentFetchError
	require.ErrorAs(t, err, &permanent)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestFetchInvalidTitle(t *testing.T) {
	_, err := New(testConfig("http://127.0.0.1:1"), nil, nil).Fetch(context.Background(), 51)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidTitle))
}

func TestFetchNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	cfg := testConfig(base)
	cfg.MaxRetries = 2
	_, err := New(cfg, nil, nil).Fetch(context.Background(), 7)

	var transient *types.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.Zero(t, transient.StatusCode)
}

func TestFetchArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleXML))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "xml_files")
	cfg := testConfig(srv.URL)
	cfg.ArchiveDir = dir

	doc, err := New(cfg, nil, nil).Fetch(context.Background(), 8)
	require.NoError(t, err)

	want := filepath.Join(dir, "ECFR-title8.xml")
	assert.Equal(t, want, doc.SourceFile)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, sampleXML, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must be renamed away")
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleXML))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testConfig(srv.URL), nil, nil).Fetch(ctx, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateGateSpacesRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(sampleXML))
	}))
	defer srv.Close()

	gate := NewRateGate(50 * time.Millisecond)
	f := New(testConfig(srv.URL), gate, nil)

	start := time.Now()
	for title := 1; title <= 3; title++ {
		_, err := f.Fetch(context.Background(), title)
		require.NoError(t, err)
	}
	// first token is immediate, the next two wait one interval each
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("86400"))

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}

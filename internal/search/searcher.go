package search

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/ecfr-mirror/internal/logging"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

const (
	DefaultLimit     = 10
	MaxLimit         = 100
	DefaultCacheSize = 1000
	DefaultCacheTTL  = time.Hour
)

// ErrEmptyQuery is returned for a query with no searchable terms
var ErrEmptyQuery = errors.New("query cannot be empty")

// Store is the query side of the persistence layer
type Store interface {
	Search(ctx context.Context, query string, limit int) ([]types.SectionSummary, error)
}

// Request contains parameters for a search operation
type Request struct {
	Query    string
	Limit    int
	Format   Format
	UseCache bool
}

// Response contains search results and metadata
type Response struct {
	Query        string                 `json:"query" yaml:"query"`
	Results      []types.SectionSummary `json:"results" yaml:"results"`
	TotalResults int                    `json:"total_results" yaml:"total_results"`
	Duration     time.Duration          `json:"duration" yaml:"duration"`
	CacheHit     bool                   `json:"cache_hit" yaml:"cache_hit"`
}

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Searcher runs ranked full-text queries and caches their results until the
// next committed ingestion
type Searcher struct {
	store        Store
	defaultLimit int
	ttl          time.Duration
	logger       *logging.Logger

	cacheMu sync.RWMutex
	cache   *lru.Cache[[32]byte, *cacheEntry]
	// generation counts purges. A response read from the store before a
	// purge is not cached after it.
	generation uint64
}

// Options configures a Searcher. Zero values select the defaults.
type Options struct {
	CacheSize    int
	CacheTTL     time.Duration
	DefaultLimit int
	Logger       *logging.Logger
}

// NewSearcher creates a new Searcher instance
func NewSearcher(store Store, opts Options) (*Searcher, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}

	cache, err := lru.New[[32]byte, *cacheEntry](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &Searcher{
		store:        store,
		defaultLimit: opts.DefaultLimit,
		ttl:          opts.CacheTTL,
		logger:       logging.Or(opts.Logger),
		cache:        cache,
	}, nil
}

// Search performs a search based on the request parameters
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	if err := s.validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	if req.UseCache {
		if cached := s.checkCache(req); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	gen := s.currentGeneration()
	results, err := s.store.Search(ctx, req.Query, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	response := &Response{
		Query:        req.Query,
		Results:      results,
		TotalResults: len(results),
		Duration:     time.Since(startTime),
	}

	if req.UseCache && len(response.Results) > 0 {
		s.storeInCache(req, response, gen)
	}

	s.logger.Debug("search completed", "query", req.Query, "results", len(results), "duration", response.Duration)
	return response, nil
}

// validateRequest ensures search request is valid
func (s *Searcher) validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}

	if req.Limit <= 0 {
		req.Limit = s.defaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}

	if req.Format == "" {
		req.Format = FormatText
	}
	return nil
}

// checkCache returns a copy of a live cached response, or nil
func (s *Searcher) checkCache(req Request) *Response {
	hash := computeQueryHash(req)
	now := time.Now()

	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}

	if now.After(entry.expiresAt) {
		s.cacheMu.RUnlock()

		s.cacheMu.Lock()
		s.cache.Remove(hash)
		s.cacheMu.Unlock()
		return nil
	}

	response := copyResponse(entry.response)
	s.cacheMu.RUnlock()
	return response
}

func (s *Searcher) currentGeneration() uint64 {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.generation
}

// storeInCache saves search results to cache unless the cache was purged
// after gen was read
func (s *Searcher) storeInCache(req Request, response *Response, gen uint64) {
	entry := &cacheEntry{
		response:  copyResponse(response),
		expiresAt: time.Now().Add(s.ttl),
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.generation != gen {
		s.logger.Debug("search result predates a purge, not cached", "query", req.Query)
		return
	}
	s.cache.Add(computeQueryHash(req), entry)
}

// copyResponse creates a copy that shares no slice with src
func copyResponse(src *Response) *Response {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = make([]types.SectionSummary, len(src.Results))
	copy(dst.Results, src.Results)
	return &dst
}

// computeQueryHash keys the cache. Format only affects rendering, so it is
// left out.
func computeQueryHash(req Request) [32]byte {
	var data strings.Builder
	data.WriteString(strings.ToLower(req.Query))
	data.WriteString("|")
	data.WriteString(strconv.Itoa(req.Limit))
	return sha256.Sum256([]byte(data.String()))
}

// Purge drops every cached response. Called after each committed ingestion
// so that cached results never outlive the rows they describe.
func (s *Searcher) Purge() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.generation++
	s.cacheMu.Unlock()
}

// CacheLen returns the number of cached responses
func (s *Searcher) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}

// Resize shrinks or grows the cache. golang-lru cannot resize in place, so
// the cache is replaced and starts empty.
func (s *Searcher) Resize(maxEntries int) error {
	newCache, err := lru.New[[32]byte, *cacheEntry](maxEntries)
	if err != nil {
		return fmt.Errorf("failed to create new cache: %w", err)
	}

	s.cacheMu.Lock()
	s.cache = newCache
	s.generation++
	s.cacheMu.Unlock()
	return nil
}

// Package search answers full-text queries over mirrored sections.
//
// Ranking comes from the sections_fts index (bm25, section number weighted
// above heading above content). Responses are cached in an LRU keyed by
// query and limit; the orchestrator purges the cache after every committed
// title, so a cached answer never describes rows that have since changed.
//
//	s, err := search.NewSearcher(store, search.Options{CacheSize: 1000})
//	resp, err := s.Search(ctx, search.Request{Query: "10.1", UseCache: true})
//	_ = search.Write(os.Stdout, search.FormatText, resp)
package search

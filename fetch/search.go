package fetch

import (
	"context"
	"strings"

	"github.com/dnldd/finboard/shared"
)

const (
	// minSearchQueryLength is the minimum query length searched.
	minSearchQueryLength = 2
	// maxDemoSearchResults is the maximum number of demo matches returned.
	maxDemoSearchResults = 10
)

// Search returns symbols of the provided market matching the query. It never
// fails; provider errors are logged and yield demo matches or no results.
func (r *Router) Search(ctx context.Context, query string, market shared.MarketType) []shared.SearchResult {
	query = strings.TrimSpace(query)
	if len(query) < minSearchQueryLength {
		return nil
	}

	switch market {
	case shared.USMutualFund, shared.IndiaMutualFund:
		results, err := r.searchLive(ctx, query, market)
		if err != nil {
			r.cfg.Logger.Warn().Msgf("searching %s for %q: %v", market, query, err)
			return nil
		}
		return results
	}

	demoResults := r.cfg.Table.Search(query, market, maxDemoSearchResults)

	switch market {
	case shared.India:
		results, err := r.searchLive(ctx, query, market)
		if err != nil {
			r.cfg.Logger.Warn().Msgf("searching %s for %q, using demo matches: %v", market, query, err)
		}
		if len(results) > 0 {
			return results
		}
		return demoResults
	case shared.US:
		if len(demoResults) > 0 {
			return demoResults
		}

		err := r.cfg.Limiter.CheckAndConsume()
		if err != nil {
			r.cfg.Logger.Warn().Msgf("searching %s for %q: %v", market, query, err)
			return demoResults
		}

		results, err := r.searchLive(ctx, query, market)
		if err != nil {
			r.cfg.Logger.Error().Msgf("searching %s for %q: %v", market, query, err)
			return demoResults
		}
		if len(results) > maxDemoSearchResults {
			results = results[:maxDemoSearchResults]
		}
		return results
	default:
		return demoResults
	}
}

// searchLive queries the live searcher of the provided market.
func (r *Router) searchLive(ctx context.Context, query string, market shared.MarketType) ([]shared.SearchResult, error) {
	searcher, ok := r.cfg.Searchers[market]
	if !ok || searcher == nil {
		return nil, shared.NewFetchError(shared.ErrNoData, query,
			"no "+market.String()+" searcher configured", nil)
	}

	return searcher.Search(ctx, query)
}

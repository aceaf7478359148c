package fetch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dnldd/finboard/cache"
	"github.com/dnldd/finboard/demo"
	"github.com/dnldd/finboard/queue"
	"github.com/dnldd/finboard/ratelimit"
	"github.com/dnldd/finboard/shared"
	"github.com/rs/zerolog"
)

const (
	// demoQuoteTTL is the cache lifetime of demo quotes served as a fallback.
	demoQuoteTTL = time.Minute
	// gainersTTL is the cache lifetime of the market gainers list.
	gainersTTL = time.Minute
	// gainersKey is the cache key of the market gainers list.
	gainersKey = "market-gainers"
)

// gainerSymbols are the US symbols ranked for the market gainers list.
var gainerSymbols = []string{"GOOGL", "TSLA", "AMZN", "META", "NVDA"}

// quotePolicy describes how live quotes of a market are fetched and cached.
type quotePolicy struct {
	limited bool
	queued  bool
	ttl     time.Duration
}

// quotePolicies are the live quote policies per market.
var quotePolicies = map[shared.MarketType]quotePolicy{
	shared.US:              {limited: true, queued: true, ttl: time.Second * 30},
	shared.India:           {queued: true, ttl: time.Second * 120},
	shared.Crypto:          {ttl: time.Second * 60},
	shared.USMutualFund:    {queued: true, ttl: time.Second * 300},
	shared.IndiaMutualFund: {queued: true, ttl: time.Second * 300},
}

// RouterConfig represents the configuration for the fetch router.
type RouterConfig struct {
	// Quotes are the live quote sources per market.
	Quotes map[shared.MarketType]shared.QuoteSource
	// Series are the live historical series sources per market.
	Series map[shared.MarketType]shared.SeriesSource
	// Searchers are the live symbol searchers per market.
	Searchers map[shared.MarketType]shared.SymbolSearcher
	// Limiter guards the quota-constrained provider.
	Limiter *ratelimit.Limiter
	// Queue serializes calls to the quota-constrained provider.
	Queue *queue.Queue
	// Table is the demo snapshot table.
	Table *demo.Table
	// Generator produces synthetic series.
	Generator *demo.Generator
	// Now returns the current time for cache expiry. Defaults to time.Now when nil.
	Now func() time.Time
	// Logger represents the router logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *RouterConfig) Validate() error {
	var errs error

	if cfg.Limiter == nil {
		errs = errors.Join(errs, fmt.Errorf("rate limiter cannot be nil"))
	}
	if cfg.Queue == nil {
		errs = errors.Join(errs, fmt.Errorf("request queue cannot be nil"))
	}
	if cfg.Table == nil {
		errs = errors.Join(errs, fmt.Errorf("demo table cannot be nil"))
	}
	if cfg.Generator == nil {
		errs = errors.Join(errs, fmt.Errorf("series generator cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Router dispatches quote, chart and search requests to provider adapters and
// applies the caching, throttling and demo fallback policy of each market.
type Router struct {
	cfg     *RouterConfig
	quotes  *cache.Cache[shared.Quote]
	charts  *cache.Cache[[]shared.ChartPoint]
	gainers *cache.Cache[[]shared.Quote]
}

// NewRouter initializes a new fetch router.
func NewRouter(cfg *RouterConfig) (*Router, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating router config: %w", err)
	}

	cacheCfg := &cache.Config{Now: cfg.Now}

	return &Router{
		cfg:     cfg,
		quotes:  cache.New[shared.Quote](cacheCfg),
		charts:  cache.New[[]shared.ChartPoint](cacheCfg),
		gainers: cache.New[[]shared.Quote](cacheCfg),
	}, nil
}

// quoteKey returns the cache key of a quote.
func quoteKey(symbol string, market shared.MarketType) string {
	return "quote:" + market.String() + ":" + symbol
}

// normalizeSymbol trims and upper cases the provided symbol.
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// guarded runs the provided call through the rate limiter and request queue
// as requested.
func guarded[T any](ctx context.Context, r *Router, limited bool, queued bool, call func(ctx context.Context) (T, error)) (T, error) {
	run := call
	if limited {
		run = func(ctx context.Context) (T, error) {
			err := r.cfg.Limiter.CheckAndConsume()
			if err != nil {
				var zero T
				return zero, err
			}

			return call(ctx)
		}
	}

	if queued {
		return queue.Do(ctx, r.cfg.Queue, run)
	}

	return run(ctx)
}

// FetchQuote returns the quote for the provided symbol and market. Live
// failures fall back to the demo snapshot of the same market; an error
// matching shared.ErrQuoteUnavailable is returned when neither exists.
func (r *Router) FetchQuote(ctx context.Context, symbol string, market shared.MarketType) (shared.Quote, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return shared.Quote{}, shared.NewFetchError(shared.ErrQuoteUnavailable, symbol, "no symbol provided", shared.ErrInvalidSymbol)
	}

	policy, ok := quotePolicies[market]
	if !ok {
		return shared.Quote{}, shared.NewFetchError(shared.ErrQuoteUnavailable, symbol,
			fmt.Sprintf("unknown market type %q", market), nil)
	}

	key := quoteKey(symbol, market)
	if q, ok := r.quotes.Get(key); ok {
		return q, nil
	}

	q, err := r.fetchLiveQuote(ctx, symbol, market, policy)
	if err == nil {
		r.quotes.Set(key, q, policy.ttl)
		return q, nil
	}

	if ctx.Err() != nil {
		return shared.Quote{}, fmt.Errorf("fetching %s quote for %s: %w", market, symbol, ctx.Err())
	}

	fallback, ok := r.cfg.Table.LookupMarket(symbol, market)
	if !ok {
		r.cfg.Logger.Error().Msgf("no %s quote available for %s: %v", market, symbol, err)
		return shared.Quote{}, shared.NewFetchError(shared.ErrQuoteUnavailable, symbol,
			"no live or demo data available", err)
	}

	r.cfg.Logger.Warn().Msgf("using demo %s quote for %s (%v): %v", market, symbol, shared.ErrorKind(err), err)
	r.quotes.Set(key, fallback, demoQuoteTTL)

	return fallback, nil
}

// fetchLiveQuote fetches and normalizes a live quote per the provided policy.
func (r *Router) fetchLiveQuote(ctx context.Context, symbol string, market shared.MarketType, policy quotePolicy) (shared.Quote, error) {
	src, ok := r.cfg.Quotes[market]
	if !ok || src == nil {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol,
			fmt.Sprintf("no %s quote source configured", market), nil)
	}

	q, err := guarded(ctx, r, policy.limited, policy.queued, func(ctx context.Context) (shared.Quote, error) {
		return src.FetchQuote(ctx, symbol)
	})
	if err != nil {
		return shared.Quote{}, err
	}

	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Name == "" {
		q.Name = q.Symbol
	}
	q.MarketType = market
	q.Currency = market.Currency()
	q.NormalizeChange()

	return q, nil
}

// FetchMultipleQuotes fetches the quotes of the provided symbols concurrently.
// Symbols without a quote are dropped; quotes are returned in order of resolution.
func (r *Router) FetchMultipleQuotes(ctx context.Context, symbols []string, market shared.MarketType) []shared.Quote {
	var wg sync.WaitGroup
	var mtx sync.Mutex
	quotes := make([]shared.Quote, 0, len(symbols))

	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()

			q, err := r.FetchQuote(ctx, symbol, market)
			if err != nil {
				r.cfg.Logger.Error().Msgf("fetching %s quote for %s: %v", market, symbol, err)
				return
			}

			mtx.Lock()
			quotes = append(quotes, q)
			mtx.Unlock()
		}(symbol)
	}

	wg.Wait()

	return quotes
}

// FetchMarketGainers returns the tracked US gainers ranked by change percent.
func (r *Router) FetchMarketGainers(ctx context.Context) []shared.Quote {
	if gainers, ok := r.gainers.Get(gainersKey); ok {
		return slices.Clone(gainers)
	}

	gainers := r.FetchMultipleQuotes(ctx, gainerSymbols, shared.US)
	slices.SortStableFunc(gainers, func(a, b shared.Quote) int {
		switch {
		case a.ChangePercent > b.ChangePercent:
			return -1
		case a.ChangePercent < b.ChangePercent:
			return 1
		default:
			return 0
		}
	})

	r.gainers.Set(gainersKey, gainers, gainersTTL)

	return slices.Clone(gainers)
}

// Clear drops every cached quote, series and gainers list.
func (r *Router) Clear() {
	r.quotes.Clear()
	r.charts.Clear()
	r.gainers.Clear()
}

package fetch

import (
	"context"
	"slices"
	"time"

	"github.com/dnldd/finboard/shared"
)

// chartPolicy describes how series of a market are sourced and cached.
type chartPolicy struct {
	generated   bool
	limited     bool
	queued      bool
	ttl         time.Duration
	fallbackTTL time.Duration
}

// chartPolicies are the series policies per market.
var chartPolicies = map[shared.MarketType]chartPolicy{
	shared.US:              {limited: true, queued: true, ttl: time.Minute * 5, fallbackTTL: time.Minute * 5},
	shared.USMutualFund:    {limited: true, queued: true, ttl: time.Minute * 30, fallbackTTL: time.Minute * 30},
	shared.India:           {ttl: time.Minute * 30, fallbackTTL: time.Minute * 30},
	shared.Crypto:          {generated: true, ttl: time.Minute * 30},
	shared.IndiaMutualFund: {generated: true, ttl: time.Minute * 30},
}

// chartKey returns the cache key of a series.
func chartKey(symbol string, interval shared.Interval, market shared.MarketType) string {
	return "chart:" + market.String() + ":" + symbol + ":" + interval.String()
}

// FetchChartData returns the historical series for the provided symbol,
// interval and market. It never fails: markets without a historical provider
// and live failures are served a generated series. Unknown intervals are
// treated as daily and unknown markets are routed like US equities.
func (r *Router) FetchChartData(ctx context.Context, symbol string, interval shared.Interval, market shared.MarketType) []shared.ChartPoint {
	symbol = normalizeSymbol(symbol)
	if !interval.Valid() {
		interval = shared.Daily
	}

	policy, ok := chartPolicies[market]
	if !ok {
		r.cfg.Logger.Warn().Msgf("routing chart for %s with unknown market type %q as %s", symbol, market, shared.US)
		market = shared.US
		policy = chartPolicies[market]
	}

	key := chartKey(symbol, interval, market)
	if points, ok := r.charts.Get(key); ok {
		return slices.Clone(points)
	}

	if policy.generated {
		points := r.generate(symbol, market)
		r.charts.Set(key, points, policy.ttl)
		return slices.Clone(points)
	}

	points, err := r.fetchLiveSeries(ctx, symbol, interval, market, policy)
	if err == nil {
		r.charts.Set(key, points, policy.ttl)
		return slices.Clone(points)
	}

	r.cfg.Logger.Warn().Msgf("using generated %s %s chart for %s (%v): %v", market, interval, symbol,
		shared.ErrorKind(err), err)

	points = r.generate(symbol, market)
	r.charts.Set(key, points, policy.fallbackTTL)

	return slices.Clone(points)
}

// fetchLiveSeries fetches a live series per the provided policy.
func (r *Router) fetchLiveSeries(ctx context.Context, symbol string, interval shared.Interval, market shared.MarketType, policy chartPolicy) ([]shared.ChartPoint, error) {
	src, ok := r.cfg.Series[market]
	if !ok || src == nil {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol,
			"no "+market.String()+" series source configured", nil)
	}

	points, err := guarded(ctx, r, policy.limited, policy.queued, func(ctx context.Context) ([]shared.ChartPoint, error) {
		return src.FetchSeries(ctx, symbol, interval)
	})
	if err != nil {
		return nil, err
	}

	points = shared.SortSeries(points)
	if len(points) == 0 {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "empty series", nil)
	}

	return points, nil
}

// generate returns a synthetic series for the provided symbol, basing unknown
// symbols on their last cached quote when one exists.
func (r *Router) generate(symbol string, market shared.MarketType) []shared.ChartPoint {
	var basePrice float64
	if q, ok := r.quotes.Get(quoteKey(symbol, market)); ok {
		basePrice = q.Price
	}

	return r.cfg.Generator.Generate(symbol, basePrice)
}

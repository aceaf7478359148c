package fetch

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnldd/finboard/demo"
	"github.com/dnldd/finboard/queue"
	"github.com/dnldd/finboard/ratelimit"
	"github.com/dnldd/finboard/shared"
	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

type testClock struct {
	now time.Time
	mtx sync.Mutex
}

func (c *testClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

var errProviderDown = shared.NewFetchError(shared.ErrNetworkFailure, "", "provider down", nil)

func failingQuotes(calls *atomic.Int32) shared.QuoteSource {
	return shared.QuoteSourceFunc(func(ctx context.Context, symbol string) (shared.Quote, error) {
		calls.Add(1)
		return shared.Quote{}, errProviderDown
	})
}

func failingSeries(calls *atomic.Int32) shared.SeriesSource {
	return shared.SeriesSourceFunc(func(ctx context.Context, symbol string, interval shared.Interval) ([]shared.ChartPoint, error) {
		calls.Add(1)
		return nil, errProviderDown
	})
}

// newTestRouter returns a router with a fast queue, a test clock and a seeded
// generator. Sources default to failing providers.
func newTestRouter(t *testing.T, clock *testClock, cfg *RouterConfig) *Router {
	t.Helper()

	logger := zerolog.Nop()

	q, err := queue.New(&queue.Config{MinDelay: time.Millisecond, Logger: &logger})
	assert.NoError(t, err)

	limiter, err := ratelimit.NewLimiter(&ratelimit.Config{
		Max:    ratelimit.DefaultMax,
		Window: ratelimit.DefaultWindow,
		Now:    clock.Now,
	})
	assert.NoError(t, err)

	if cfg == nil {
		cfg = &RouterConfig{}
	}
	cfg.Limiter = limiter
	cfg.Queue = q
	cfg.Table = demo.Default()
	cfg.Generator = demo.NewGenerator(&demo.GeneratorConfig{
		Rand: rand.New(rand.NewPCG(7, 11)),
		Now:  clock.Now,
	})
	cfg.Now = clock.Now
	cfg.Logger = &logger

	r, err := NewRouter(cfg)
	assert.NoError(t, err)

	return r
}

func TestRouterConfig(t *testing.T) {
	_, err := NewRouter(&RouterConfig{})
	assert.Error(t, err)
}

func TestFetchQuoteDemoFallback(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.February, 4, 15, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	r := newTestRouter(t, clock, &RouterConfig{
		Quotes: map[shared.MarketType]shared.QuoteSource{shared.US: failingQuotes(&calls)},
	})
	ctx := context.Background()

	// Ensure a failing live adapter falls back to the static demo quote.
	q, err := r.FetchQuote(ctx, "AAPL", shared.US)
	assert.NoError(t, err)
	assert.Equal(t, q.Symbol, "AAPL")
	assert.Equal(t, q.Price, 195.71)
	assert.Equal(t, q.Name, "Apple Inc.")
	assert.Equal(t, calls.Load(), int32(1))

	// Ensure the demo quote honours the change percent invariant.
	assert.Equal(t, q.ChangePercent, shared.Round2(q.Change/q.PreviousClose*100))
	assert.Equal(t, q.ChangePercent, 1.22)

	// Ensure the demo quote is cached for a minute.
	clock.Advance(time.Second * 59)
	_, err = r.FetchQuote(ctx, "AAPL", shared.US)
	assert.NoError(t, err)
	assert.Equal(t, calls.Load(), int32(1))

	clock.Advance(time.Second * 2)
	_, err = r.FetchQuote(ctx, "AAPL", shared.US)
	assert.NoError(t, err)
	assert.Equal(t, calls.Load(), int32(2))

	// Ensure a symbol without live or demo data is unavailable.
	_, err = r.FetchQuote(ctx, "ZZZZ", shared.US)
	assert.True(t, errors.Is(err, shared.ErrQuoteUnavailable))
	assert.True(t, errors.Is(err, shared.ErrNetworkFailure))
	assert.Equal(t, shared.ErrorKind(err), shared.ErrQuoteUnavailable)

	// Ensure the demo fallback requires a matching market type.
	_, err = r.FetchQuote(ctx, "AAPL", shared.India)
	assert.True(t, errors.Is(err, shared.ErrQuoteUnavailable))

	// Ensure unknown market types are unavailable.
	_, err = r.FetchQuote(ctx, "AAPL", shared.MarketType("forex"))
	assert.True(t, errors.Is(err, shared.ErrQuoteUnavailable))

	_, err = r.FetchQuote(ctx, "  ", shared.US)
	assert.True(t, errors.Is(err, shared.ErrQuoteUnavailable))
}

func TestFetchQuoteLive(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.February, 4, 15, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	live := shared.QuoteSourceFunc(func(ctx context.Context, symbol string) (shared.Quote, error) {
		calls.Add(1)
		return shared.Quote{
			Symbol:        symbol,
			Price:         95000,
			Change:        500,
			ChangePercent: 9,
			PreviousClose: 94500,
		}, nil
	})

	r := newTestRouter(t, clock, &RouterConfig{
		Quotes: map[shared.MarketType]shared.QuoteSource{shared.Crypto: live},
	})
	ctx := context.Background()

	// Ensure live quotes are normalized.
	q, err := r.FetchQuote(ctx, "btc", shared.Crypto)
	assert.NoError(t, err)
	assert.Equal(t, q.Symbol, "BTC")
	assert.Equal(t, q.Name, "BTC")
	assert.Equal(t, q.MarketType, shared.Crypto)
	assert.Equal(t, q.Currency, shared.USD)
	assert.Equal(t, q.ChangePercent, 0.53)

	// Ensure crypto quotes are cached for 60 seconds.
	clock.Advance(time.Second * 60)
	_, err = r.FetchQuote(ctx, "BTC", shared.Crypto)
	assert.NoError(t, err)
	assert.Equal(t, calls.Load(), int32(1))

	clock.Advance(time.Millisecond)
	_, err = r.FetchQuote(ctx, "BTC", shared.Crypto)
	assert.NoError(t, err)
	assert.Equal(t, calls.Load(), int32(2))

	// Ensure clearing the router drops cached quotes.
	r.Clear()
	_, err = r.FetchQuote(ctx, "BTC", shared.Crypto)
	assert.NoError(t, err)
	assert.Equal(t, calls.Load(), int32(3))
}

func TestFetchQuoteRateLimited(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.February, 4, 15, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	live := shared.QuoteSourceFunc(func(ctx context.Context, symbol string) (shared.Quote, error) {
		calls.Add(1)
		return shared.Quote{Symbol: symbol, Price: 10, PreviousClose: 10}, nil
	})

	r := newTestRouter(t, clock, &RouterConfig{
		Quotes: map[shared.MarketType]shared.QuoteSource{shared.US: live},
	})
	ctx := context.Background()

	// Ensure only 5 live us quotes are requested per minute and the rest fall
	// back to demo data.
	for _, sym := range []string{"AAPL", "GOOGL", "MSFT", "AMZN", "TSLA", "META"} {
		q, err := r.FetchQuote(ctx, sym, shared.US)
		assert.NoError(t, err)
		if sym == "META" {
			assert.Equal(t, q.Price, 474.99)
		}
	}
	assert.Equal(t, calls.Load(), int32(5))
}

func TestFetchMultipleQuotes(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.February, 4, 15, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	r := newTestRouter(t, clock, &RouterConfig{
		Quotes: map[shared.MarketType]shared.QuoteSource{shared.US: failingQuotes(&calls)},
	})

	// Ensure unresolved symbols are dropped from the batch.
	quotes := r.FetchMultipleQuotes(context.Background(), []string{"AAPL", "ZZZZ"}, shared.US)
	assert.Equal(t, len(quotes), 1)
	assert.Equal(t, quotes[0].Symbol, "AAPL")

	quotes = r.FetchMultipleQuotes(context.Background(), nil, shared.US)
	assert.Equal(t, len(quotes), 0)
}

func TestFetchMarketGainers(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.February, 4, 15, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	r := newTestRouter(t, clock, &RouterConfig{
		Quotes: map[shared.MarketType]shared.QuoteSource{shared.US: failingQuotes(&calls)},
	})

	gainers := r.FetchMarketGainers(context.Background())
	assert.Equal(t, len(gainers), 5)

	symbols := make([]string, 0, len(gainers))
	for _, q := range gainers {
		symbols = append(symbols, q.Symbol)
	}
	want := []string{"TSLA", "NVDA", "META", "AMZN", "GOOGL"}
	if !cmp.Equal(symbols, want) {
		t.Errorf("unexpected gainers order: %s", cmp.Diff(want, symbols))
	}

	// Ensure the ranked list is cached.
	before := calls.Load()
	_ = r.FetchMarketGainers(context.Background())
	assert.Equal(t, calls.Load(), before)
}

func TestFetchChartData(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
	var seriesCalls atomic.Int32
	r := newTestRouter(t, clock, &RouterConfig{
		Series: map[shared.MarketType]shared.SeriesSource{
			shared.US:    failingSeries(&seriesCalls),
			shared.India: failingSeries(&seriesCalls),
		},
	})
	ctx := context.Background()

	// Ensure crypto charts are generated without touching a provider.
	points := r.FetchChartData(ctx, "BTC", shared.Daily, shared.Crypto)
	assert.Equal(t, len(points), demo.SeriesLength)
	assert.NoError(t, shared.ValidateSeries(points))
	assert.Equal(t, points[len(points)-1].Date, "2025-03-01")
	assert.Equal(t, seriesCalls.Load(), int32(0))

	// Ensure generated charts are cached.
	again := r.FetchChartData(ctx, "BTC", shared.Daily, shared.Crypto)
	assert.Equal(t, again, points)

	// Ensure live failures fall back to generated series.
	points = r.FetchChartData(ctx, "AAPL", shared.Weekly, shared.US)
	assert.Equal(t, len(points), demo.SeriesLength)
	assert.Equal(t, seriesCalls.Load(), int32(1))

	// Ensure the us fallback is cached for 5 minutes.
	clock.Advance(time.Minute * 5)
	_ = r.FetchChartData(ctx, "AAPL", shared.Weekly, shared.US)
	assert.Equal(t, seriesCalls.Load(), int32(1))
	clock.Advance(time.Millisecond)
	_ = r.FetchChartData(ctx, "AAPL", shared.Weekly, shared.US)
	assert.Equal(t, seriesCalls.Load(), int32(2))

	// Ensure an indian chart without a demo entry still yields a series.
	points = r.FetchChartData(ctx, "ZZZZ", shared.Monthly, shared.India)
	assert.Equal(t, len(points), demo.SeriesLength)

	// Ensure unknown intervals are treated as daily.
	points = r.FetchChartData(ctx, "ETH", shared.Interval(42), shared.Crypto)
	cached := r.FetchChartData(ctx, "ETH", shared.Daily, shared.Crypto)
	assert.Equal(t, points, cached)

	// Ensure india-mf charts are always generated.
	points = r.FetchChartData(ctx, "HDFCTOP100", shared.Daily, shared.IndiaMutualFund)
	assert.Equal(t, len(points), demo.SeriesLength)
}

func TestFetchChartDataLive(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	live := shared.SeriesSourceFunc(func(ctx context.Context, symbol string, interval shared.Interval) ([]shared.ChartPoint, error) {
		calls.Add(1)
		return []shared.ChartPoint{
			{Date: "2025-02-28", Close: 2},
			{Date: "2025-02-27", Close: 1},
		}, nil
	})

	r := newTestRouter(t, clock, &RouterConfig{
		Series: map[shared.MarketType]shared.SeriesSource{shared.USMutualFund: live},
	})

	points := r.FetchChartData(context.Background(), "VFIAX", shared.Daily, shared.USMutualFund)
	assert.Equal(t, len(points), 2)
	assert.Equal(t, points[0].Date, "2025-02-27")

	// Ensure us-mf series are cached for 30 minutes.
	clock.Advance(time.Minute * 29)
	_ = r.FetchChartData(context.Background(), "VFIAX", shared.Daily, shared.USMutualFund)
	assert.Equal(t, calls.Load(), int32(1))

	// Ensure callers cannot corrupt the cached series.
	points[0].Close = 99
	cached := r.FetchChartData(context.Background(), "VFIAX", shared.Daily, shared.USMutualFund)
	assert.Equal(t, cached[0].Close, float64(1))
}

func TestRouterSearch(t *testing.T) {
	clock := &testClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
	var usCalls atomic.Int32
	r := newTestRouter(t, clock, &RouterConfig{
		Searchers: map[shared.MarketType]shared.SymbolSearcher{
			shared.US: shared.SymbolSearcherFunc(func(ctx context.Context, query string) ([]shared.SearchResult, error) {
				usCalls.Add(1)
				return []shared.SearchResult{{Symbol: "IBM", Name: "International Business Machines", MarketType: shared.US}}, nil
			}),
			shared.India: shared.SymbolSearcherFunc(func(ctx context.Context, query string) ([]shared.SearchResult, error) {
				return nil, errProviderDown
			}),
			shared.IndiaMutualFund: shared.SymbolSearcherFunc(func(ctx context.Context, query string) ([]shared.SearchResult, error) {
				return []shared.SearchResult{{Symbol: "119551", Name: "Banking & PSU Debt Fund"}}, nil
			}),
		},
	})
	ctx := context.Background()

	// Ensure short queries yield nothing.
	assert.Equal(t, len(r.Search(ctx, "a", shared.US)), 0)

	// Ensure demo matches are preferred for us symbols.
	results := r.Search(ctx, "apple", shared.US)
	assert.Equal(t, len(results), 1)
	assert.Equal(t, results[0].Symbol, "AAPL")
	assert.Equal(t, usCalls.Load(), int32(0))

	// Ensure us searches without demo matches reach the provider.
	results = r.Search(ctx, "ibm", shared.US)
	assert.Equal(t, len(results), 1)
	assert.Equal(t, usCalls.Load(), int32(1))

	// Ensure indian searches fall back to demo matches.
	results = r.Search(ctx, "tata", shared.India)
	assert.Equal(t, len(results), 2)

	// Ensure mutual fund searches use the proxy.
	results = r.Search(ctx, "banking", shared.IndiaMutualFund)
	assert.Equal(t, len(results), 1)
	assert.Equal(t, results[0].Symbol, "119551")

	// Ensure a missing searcher yields nothing.
	assert.Equal(t, len(r.Search(ctx, "vanguard", shared.USMutualFund)), 0)

	// Ensure crypto searches only use demo data.
	results = r.Search(ctx, "coin", shared.Crypto)
	assert.Equal(t, len(results), 3)
}

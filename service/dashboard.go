package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/finboard/demo"
	"github.com/dnldd/finboard/fetch"
	"github.com/dnldd/finboard/queue"
	"github.com/dnldd/finboard/ratelimit"
	"github.com/dnldd/finboard/shared"
	"github.com/dnldd/finboard/stream"
	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	// DefaultPollInterval is the default interval watched symbols are polled at.
	DefaultPollInterval = time.Second * 30
	// demoAPIKey is the alpha vantage key used when none is configured.
	demoAPIKey = "demo"
	// pollTimeout is the maximum duration of a single poll.
	pollTimeout = time.Minute * 2
	// persistTimeout is the maximum duration of persisting a quote snapshot.
	persistTimeout = time.Second * 5
)

// DashboardConfig represents the configuration struct for the dashboard service.
type DashboardConfig struct {
	// AlphaVantageKey is the Alpha Vantage API key. Defaults to the shared demo key.
	AlphaVantageKey string
	// AlphaVantageURL is the Alpha Vantage endpoint. Defaults to fetch.AlphaVantageURL.
	AlphaVantageURL string
	// BinanceURL is the Binance REST endpoint. Defaults to fetch.BinanceURL.
	BinanceURL string
	// ProxyURL is the proxy endpoint serving indian equities and mutual funds.
	// Those markets are served demo data when it is not set.
	ProxyURL string
	// FinnhubToken is the finnhub streaming credential.
	FinnhubToken string
	// FinnhubStreamURL is the finnhub streaming endpoint. Defaults to stream.FinnhubURL.
	FinnhubStreamURL string
	// BinanceStreamURL is the binance streaming endpoint. Defaults to stream.BinanceURL.
	BinanceStreamURL string
	// Dialer opens streaming connections. Defaults to a websocket dialer.
	Dialer stream.Dialer
	// ReconnectDelay is the base streaming reconnect delay. Defaults to stream.DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// QueueMinDelay is the minimum spacing of queued provider calls. Defaults to queue.DefaultMinDelay.
	QueueMinDelay time.Duration
	// PollInterval is the interval watched symbols are polled at. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Store records polled quote snapshots when set.
	Store shared.QuoteStorer
}

// Validate asserts the config sane inputs.
func (cfg *DashboardConfig) Validate() error {
	var errs error

	if cfg.PollInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("poll interval cannot be negative, got %v", cfg.PollInterval))
	}
	if cfg.QueueMinDelay < 0 {
		errs = errors.Join(errs, fmt.Errorf("queue min delay cannot be negative, got %v", cfg.QueueMinDelay))
	}
	if cfg.ReconnectDelay < 0 {
		errs = errors.Join(errs, fmt.Errorf("reconnect delay cannot be negative, got %v", cfg.ReconnectDelay))
	}

	return errs
}

// applyDefaults fills unset config fields with their defaults.
func (cfg *DashboardConfig) applyDefaults() {
	if cfg.AlphaVantageKey == "" {
		cfg.AlphaVantageKey = demoAPIKey
	}
	if cfg.AlphaVantageURL == "" {
		cfg.AlphaVantageURL = fetch.AlphaVantageURL
	}
	if cfg.BinanceURL == "" {
		cfg.BinanceURL = fetch.BinanceURL
	}
	if cfg.FinnhubStreamURL == "" {
		cfg.FinnhubStreamURL = stream.FinnhubURL
	}
	if cfg.BinanceStreamURL == "" {
		cfg.BinanceStreamURL = stream.BinanceURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = stream.NewWebsocketDialer()
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = stream.DefaultReconnectDelay
	}
	if cfg.QueueMinDelay == 0 {
		cfg.QueueMinDelay = queue.DefaultMinDelay
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
}

// watch tracks the last known quotes of a watched symbol set.
type watch struct {
	id      uuid.UUID
	symbols []string
	market  shared.MarketType
	onQuote func(shared.Quote)
	quotes  map[string]shared.Quote
	mtx     sync.Mutex
}

// update records the provided quote and notifies the watcher.
func (w *watch) update(q shared.Quote) {
	w.mtx.Lock()
	w.quotes[q.Symbol] = q
	w.mtx.Unlock()

	w.onQuote(q)
}

// merge applies the provided pushed update to the last known quote of its
// symbol and notifies the watcher.
func (w *watch) merge(u shared.QuoteUpdate) {
	w.mtx.Lock()
	q := w.quotes[u.Symbol]
	q.Merge(u)
	w.quotes[u.Symbol] = q
	w.mtx.Unlock()

	w.onQuote(q)
}

// Dashboard represents the market data service backing the dashboard widgets.
type Dashboard struct {
	cfg          *DashboardConfig
	router       *fetch.Router
	streams      *stream.Manager
	jobScheduler *gocron.Scheduler
	watches      map[uuid.UUID]*watch
	watchMtx     sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	logger       *zerolog.Logger
}

// newRouter wires the provider adapters, throttles and demo fallback into a
// fetch router.
func newRouter(cfg *DashboardConfig, logger zerolog.Logger) (*fetch.Router, error) {
	av, err := fetch.NewAlphaVantageClient(&fetch.AlphaVantageConfig{
		APIKey:  cfg.AlphaVantageKey,
		BaseURL: cfg.AlphaVantageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating alpha vantage client: %v", err)
	}

	binance, err := fetch.NewBinanceClient(&fetch.BinanceConfig{BaseURL: cfg.BinanceURL})
	if err != nil {
		return nil, fmt.Errorf("creating binance client: %v", err)
	}

	quotes := map[shared.MarketType]shared.QuoteSource{
		shared.US:     av,
		shared.Crypto: binance,
	}
	series := map[shared.MarketType]shared.SeriesSource{
		shared.US:           av,
		shared.USMutualFund: av,
	}
	searchers := map[shared.MarketType]shared.SymbolSearcher{
		shared.US: av,
	}

	if cfg.ProxyURL != "" {
		proxy, err := fetch.NewProxyClient(&fetch.ProxyConfig{BaseURL: cfg.ProxyURL})
		if err != nil {
			return nil, fmt.Errorf("creating proxy client: %v", err)
		}

		for _, market := range []shared.MarketType{shared.India, shared.USMutualFund, shared.IndiaMutualFund} {
			quotes[market] = proxy.QuoteSource(market)
			searchers[market] = proxy.Searcher(market)
		}
		series[shared.India] = proxy.SeriesSource()
	} else {
		logger.Warn().Msg("no proxy url configured, indian and mutual fund markets use demo data")
	}

	limiter, err := ratelimit.NewLimiter(&ratelimit.Config{
		Max:    ratelimit.DefaultMax,
		Window: ratelimit.DefaultWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rate limiter: %v", err)
	}

	queueLogger := logger.With().Str("component", "queue").Logger()
	q, err := queue.New(&queue.Config{MinDelay: cfg.QueueMinDelay, Logger: &queueLogger})
	if err != nil {
		return nil, fmt.Errorf("creating request queue: %v", err)
	}

	table := demo.Default()
	routerLogger := logger.With().Str("component", "router").Logger()
	router, err := fetch.NewRouter(&fetch.RouterConfig{
		Quotes:    quotes,
		Series:    series,
		Searchers: searchers,
		Limiter:   limiter,
		Queue:     q,
		Table:     table,
		Generator: demo.NewGenerator(&demo.GeneratorConfig{Table: table}),
		Logger:    &routerLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating router: %v", err)
	}

	return router, nil
}

// NewDashboard initializes a new dashboard service.
func NewDashboard(cfg *DashboardConfig) (*Dashboard, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating dashboard config: %w", err)
	}

	cfg.applyDefaults()

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "finboard").Logger()

	router, err := newRouter(cfg, logger)
	if err != nil {
		return nil, err
	}

	streamLogger := logger.With().Str("component", "stream").Logger()
	streams, err := stream.NewManager(&stream.ManagerConfig{
		FinnhubToken:         cfg.FinnhubToken,
		FinnhubURL:           cfg.FinnhubStreamURL,
		BinanceURL:           cfg.BinanceStreamURL,
		Dialer:               cfg.Dialer,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: stream.DefaultMaxReconnectAttempts,
		Logger:               &streamLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		cfg:          cfg,
		router:       router,
		streams:      streams,
		jobScheduler: gocron.NewScheduler(time.UTC),
		watches:      make(map[uuid.UUID]*watch),
		ctx:          ctx,
		cancel:       cancel,
		logger:       &logger,
	}

	_, err = d.jobScheduler.Every(cfg.PollInterval).WaitForSchedule().Do(d.poll)
	if err != nil {
		cancel()
		streams.Close()
		return nil, fmt.Errorf("scheduling quote polling: %v", err)
	}

	return d, nil
}

// FetchQuote returns the quote for the provided symbol and market.
func (d *Dashboard) FetchQuote(ctx context.Context, symbol string, market shared.MarketType) (shared.Quote, error) {
	return d.router.FetchQuote(ctx, symbol, market)
}

// FetchMultipleQuotes returns the quotes of the provided symbols that resolved.
func (d *Dashboard) FetchMultipleQuotes(ctx context.Context, symbols []string, market shared.MarketType) []shared.Quote {
	return d.router.FetchMultipleQuotes(ctx, symbols, market)
}

// FetchChartData returns the historical series for the provided symbol.
func (d *Dashboard) FetchChartData(ctx context.Context, symbol string, interval shared.Interval, market shared.MarketType) []shared.ChartPoint {
	return d.router.FetchChartData(ctx, symbol, interval, market)
}

// FetchMarketGainers returns the top gaining equities.
func (d *Dashboard) FetchMarketGainers(ctx context.Context) []shared.Quote {
	return d.router.FetchMarketGainers(ctx)
}

// Search returns symbols of the provided market matching the query.
func (d *Dashboard) Search(ctx context.Context, query string, market shared.MarketType) []shared.SearchResult {
	return d.router.Search(ctx, query, market)
}

// Subscribe registers the provided callback for pushed updates of the
// provided symbol.
func (d *Dashboard) Subscribe(symbol string, market shared.MarketType, callback stream.Callback) func() {
	return d.streams.Subscribe(symbol, market, callback)
}

// IsConnected reports whether pushed updates are flowing for the provided market.
func (d *Dashboard) IsConnected(market shared.MarketType) bool {
	return d.streams.IsConnected(market)
}

// Watch fetches the quotes of the provided symbols, then keeps them current
// through pushed updates where the market streams and through polling
// otherwise. Every fresh quote is passed to onQuote. The returned function
// stops watching.
func (d *Dashboard) Watch(ctx context.Context, symbols []string, market shared.MarketType, onQuote func(shared.Quote)) func() {
	w := &watch{
		id:      uuid.New(),
		symbols: symbols,
		market:  market,
		onQuote: onQuote,
		quotes:  make(map[string]shared.Quote),
	}

	for _, q := range d.router.FetchMultipleQuotes(ctx, symbols, market) {
		w.update(q)
	}

	var unsubs []func()
	if market.Streamable() {
		for _, sym := range symbols {
			unsubs = append(unsubs, d.streams.Subscribe(sym, market, w.merge))
		}
	}

	d.watchMtx.Lock()
	d.watches[w.id] = w
	d.watchMtx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.watchMtx.Lock()
			delete(d.watches, w.id)
			d.watchMtx.Unlock()

			for _, unsub := range unsubs {
				unsub()
			}
		})
	}
}

// poll refreshes the quotes of every watch not served by a live stream.
func (d *Dashboard) poll() {
	d.watchMtx.Lock()
	watches := make([]*watch, 0, len(d.watches))
	for _, w := range d.watches {
		watches = append(watches, w)
	}
	d.watchMtx.Unlock()

	ctx, cancel := context.WithTimeout(d.ctx, pollTimeout)
	defer cancel()

	for _, w := range watches {
		if w.market.Streamable() && d.streams.IsConnected(w.market) {
			continue
		}

		for _, q := range d.router.FetchMultipleQuotes(ctx, w.symbols, w.market) {
			w.update(q)
			d.persist(q)
		}
	}
}

// persist records the provided quote snapshot when a store is configured.
func (d *Dashboard) persist(q shared.Quote) {
	if d.cfg.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, persistTimeout)
	defer cancel()

	err := d.cfg.Store.PersistQuote(ctx, &q)
	if err != nil {
		d.logger.Error().Msgf("persisting %s quote: %v", q.Symbol, err)
	}
}

// Run handles the lifecycle processes of the dashboard service.
func (d *Dashboard) Run(ctx context.Context) {
	d.jobScheduler.StartAsync()
	d.logger.Info().Msgf("polling watched quotes every %v", d.cfg.PollInterval)

	<-ctx.Done()

	d.jobScheduler.Stop()
	d.cancel()
	d.streams.Close()
}

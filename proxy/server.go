package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dnldd/finboard/fetch"
	"github.com/dnldd/finboard/shared"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultUpstreamRate is the default sustained rate of upstream calls per second.
	DefaultUpstreamRate = rate.Limit(5)
	// DefaultUpstreamBurst is the default upstream call burst.
	DefaultUpstreamBurst = 10
	// minSearchQueryLength is the minimum query length searched.
	minSearchQueryLength = 2
	// defaultChartInterval is the bar interval of chart requests without one.
	defaultChartInterval = "1d"
	// defaultChartRange is the history range of chart requests without one.
	defaultChartRange = "3mo"
	// shutdownTimeout is the maximum duration of a graceful shutdown.
	shutdownTimeout = time.Second * 5
	// readHeaderTimeout is the maximum duration of reading request headers.
	readHeaderTimeout = time.Second * 10
)

// ChartFetcher fetches bars for a symbol.
type ChartFetcher interface {
	FetchChart(ctx context.Context, symbol string, interval string, rng string) ([]shared.ChartPoint, error)
}

// ServerConfig represents the configuration for the proxy server.
type ServerConfig struct {
	// Address is the listening address.
	Address string
	// IndianStockQuotes serves indian equity quotes.
	IndianStockQuotes shared.QuoteSource
	// IndianStockCharts serves indian equity bars.
	IndianStockCharts ChartFetcher
	// USMutualFundQuotes serves US mutual fund quotes.
	USMutualFundQuotes shared.QuoteSource
	// IndianMutualFundQuotes serves indian mutual fund quotes.
	IndianMutualFundQuotes shared.QuoteSource
	// Searchers serve symbol searches keyed by proxy search market.
	Searchers map[string]shared.SymbolSearcher
	// UpstreamRate is the sustained rate of upstream calls per second.
	UpstreamRate rate.Limit
	// UpstreamBurst is the upstream call burst.
	UpstreamBurst int
	// Logger represents the server logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ServerConfig) Validate() error {
	var errs error

	if cfg.Address == "" {
		errs = errors.Join(errs, fmt.Errorf("address cannot be an empty string"))
	}
	if cfg.IndianStockQuotes == nil {
		errs = errors.Join(errs, fmt.Errorf("indian stock quote source cannot be nil"))
	}
	if cfg.IndianStockCharts == nil {
		errs = errors.Join(errs, fmt.Errorf("indian stock chart fetcher cannot be nil"))
	}
	if cfg.USMutualFundQuotes == nil {
		errs = errors.Join(errs, fmt.Errorf("us mutual fund quote source cannot be nil"))
	}
	if cfg.IndianMutualFundQuotes == nil {
		errs = errors.Join(errs, fmt.Errorf("indian mutual fund quote source cannot be nil"))
	}
	if cfg.UpstreamRate <= 0 {
		errs = errors.Join(errs, fmt.Errorf("upstream rate must be positive, got %v", cfg.UpstreamRate))
	}
	if cfg.UpstreamBurst <= 0 {
		errs = errors.Join(errs, fmt.Errorf("upstream burst must be positive, got %d", cfg.UpstreamBurst))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Server serves quotes, charts and symbol searches for markets whose
// upstream providers are not reachable from the dashboard directly.
type Server struct {
	cfg     *ServerConfig
	limiter *rate.Limiter
	mux     *http.ServeMux
}

// NewServer initializes a new proxy server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating proxy server config: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.UpstreamRate, cfg.UpstreamBurst),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET "+fetch.IndianStockQuotePath, s.quoteHandler(cfg.IndianStockQuotes))
	s.mux.HandleFunc("GET "+fetch.USMutualFundQuotePath, s.quoteHandler(cfg.USMutualFundQuotes))
	s.mux.HandleFunc("GET "+fetch.IndianMutualFundQuotePath, s.quoteHandler(cfg.IndianMutualFundQuotes))
	s.mux.HandleFunc("GET "+fetch.IndianStockChartPath, s.handleChart)
	s.mux.HandleFunc("GET "+fetch.SearchPathPrefix+"{market}", s.handleSearch)

	return s, nil
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// errorResponse represents an error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes the provided payload with the provided status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		s.cfg.Logger.Error().Msgf("encoding response: %v", err)
	}
}

// errorStatus maps upstream errors to response status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, shared.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, shared.ErrNoData), errors.Is(err, shared.ErrInvalidSymbol):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// throttle waits for upstream capacity.
func (s *Server) throttle(ctx context.Context) error {
	err := s.limiter.Wait(ctx)
	if err != nil {
		return shared.NewFetchError(shared.ErrRateLimited, "", "upstream capacity exhausted", err)
	}

	return nil
}

// symbolParam returns the trimmed symbol query parameter.
func symbolParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("symbol"))
}

// quoteHandler returns a handler serving quotes from the provided fetcher.
func (s *Server) quoteHandler(fetcher shared.QuoteSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := symbolParam(r)
		if symbol == "" {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbol is required"})
			return
		}

		err := s.throttle(r.Context())
		if err != nil {
			s.writeJSON(w, errorStatus(err), errorResponse{Error: err.Error()})
			return
		}

		q, err := fetcher.FetchQuote(r.Context(), symbol)
		if err != nil {
			s.cfg.Logger.Error().Msgf("fetching %s quote for %s: %v", r.URL.Path, symbol, err)
			s.writeJSON(w, errorStatus(err), errorResponse{Error: err.Error()})
			return
		}

		s.writeJSON(w, http.StatusOK, q)
	}
}

// chartResponse represents a chart payload.
type chartResponse struct {
	ChartData []shared.ChartPoint `json:"chartData"`
}

// handleChart serves indian equity bars.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	if symbol == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbol is required"})
		return
	}

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = defaultChartInterval
	}
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = defaultChartRange
	}

	err := s.throttle(r.Context())
	if err != nil {
		s.writeJSON(w, errorStatus(err), errorResponse{Error: err.Error()})
		return
	}

	points, err := s.cfg.IndianStockCharts.FetchChart(r.Context(), symbol, interval, rng)
	if err != nil {
		s.cfg.Logger.Error().Msgf("fetching chart for %s: %v", symbol, err)
		s.writeJSON(w, errorStatus(err), errorResponse{Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, chartResponse{ChartData: points})
}

// searchResponse represents a search payload.
type searchResponse struct {
	Results []shared.SearchResult `json:"results"`
	Error   string                `json:"error,omitempty"`
}

// handleSearch serves symbol searches of a proxy search market.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	searcher, ok := s.cfg.Searchers[r.PathValue("market")]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, searchResponse{
			Results: []shared.SearchResult{},
			Error:   "unknown search market",
		})
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if len(query) < minSearchQueryLength {
		s.writeJSON(w, http.StatusOK, searchResponse{Results: []shared.SearchResult{}})
		return
	}

	err := s.throttle(r.Context())
	if err != nil {
		s.writeJSON(w, errorStatus(err), searchResponse{Results: []shared.SearchResult{}, Error: err.Error()})
		return
	}

	results, err := searcher.Search(r.Context(), query)
	if err != nil {
		s.cfg.Logger.Error().Msgf("searching %s for %q: %v", r.PathValue("market"), query, err)
		status := http.StatusInternalServerError
		if errors.Is(err, shared.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		s.writeJSON(w, status, searchResponse{Results: []shared.SearchResult{}, Error: err.Error()})
		return
	}

	if results == nil {
		results = []shared.SearchResult{}
	}

	s.writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

// Run serves requests until the provided context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info().Msgf("proxy listening on %s", s.cfg.Address)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving proxy: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutting down proxy: %w", err)
	}

	return nil
}

// UpstreamConfig represents the upstream provider configuration of the proxy.
type UpstreamConfig struct {
	// AlphaVantageKey is the Alpha Vantage API key used for US mutual funds.
	AlphaVantageKey string
	// AlphaVantageURL is the Alpha Vantage endpoint.
	AlphaVantageURL string
	// YahooURL is the Yahoo Finance endpoint.
	YahooURL string
	// MFAPIURL is the mfapi.in endpoint.
	MFAPIURL string
}

// NewUpstreamServerConfig wires the upstream provider clients into a server
// config listening on the provided address.
func NewUpstreamServerConfig(address string, upstream *UpstreamConfig, logger *zerolog.Logger) (*ServerConfig, error) {
	yahoo, err := fetch.NewYahooClient(&fetch.YahooConfig{BaseURL: upstream.YahooURL})
	if err != nil {
		return nil, fmt.Errorf("creating yahoo client: %w", err)
	}

	mfapi, err := fetch.NewMFAPIClient(&fetch.MFAPIConfig{BaseURL: upstream.MFAPIURL})
	if err != nil {
		return nil, fmt.Errorf("creating mfapi client: %w", err)
	}

	av, err := fetch.NewAlphaVantageClient(&fetch.AlphaVantageConfig{
		APIKey:  upstream.AlphaVantageKey,
		BaseURL: upstream.AlphaVantageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating alpha vantage client: %w", err)
	}

	return &ServerConfig{
		Address:                address,
		IndianStockQuotes:      yahoo,
		IndianStockCharts:      yahoo,
		USMutualFundQuotes:     shared.QuoteSourceFunc(av.FetchFundQuote),
		IndianMutualFundQuotes: mfapi,
		Searchers: map[string]shared.SymbolSearcher{
			fetch.IndianStockSearchMarket:      yahoo,
			fetch.USMutualFundSearchMarket:     shared.SymbolSearcherFunc(av.FundSearch),
			fetch.IndianMutualFundSearchMarket: mfapi,
		},
		UpstreamRate:  DefaultUpstreamRate,
		UpstreamBurst: DefaultUpstreamBurst,
		Logger:        logger,
	}, nil
}

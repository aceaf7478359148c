package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dnldd/finboard/shared"
	"github.com/tidwall/gjson"
)

const (
	// IndianStockQuotePath is the indian equity quote endpoint path.
	IndianStockQuotePath = "/quote/indian-stock"
	// IndianStockChartPath is the indian equity chart endpoint path.
	IndianStockChartPath = "/chart/indian-stock"
	// USMutualFundQuotePath is the US mutual fund quote endpoint path.
	USMutualFundQuotePath = "/quote/us-mutual-fund"
	// IndianMutualFundQuotePath is the indian mutual fund quote endpoint path.
	IndianMutualFundQuotePath = "/quote/indian-mutual-fund"
	// SearchPathPrefix prefixes the per-market search endpoint paths.
	SearchPathPrefix = "/search/"

	// Proxy search markets.
	IndianStockSearchMarket      = "indian-stock"
	USMutualFundSearchMarket     = "us-mutual-fund"
	IndianMutualFundSearchMarket = "indian-mutual-fund"

	// indianStockChartInterval is the bar interval requested for indian stock charts.
	indianStockChartInterval = "1d"
)

var (
	// chartRanges maps intervals to the history range requested from the proxy.
	chartRanges = map[shared.Interval]string{
		shared.Daily:   "1y",
		shared.Weekly:  "5y",
		shared.Monthly: "max",
	}
	// searchMarkets maps market types to proxy search markets.
	searchMarkets = map[shared.MarketType]string{
		shared.India:           IndianStockSearchMarket,
		shared.USMutualFund:    USMutualFundSearchMarket,
		shared.IndiaMutualFund: IndianMutualFundSearchMarket,
	}
)

// ChartRange returns the proxy history range for the provided interval.
func ChartRange(interval shared.Interval) string {
	r, ok := chartRanges[interval]
	if !ok {
		return chartRanges[shared.Daily]
	}

	return r
}

// ProxyConfig represents the configuration for the proxy client.
type ProxyConfig struct {
	// BaseURL is the proxy endpoint.
	BaseURL string
	// HTTPClient is the http client used for requests. Defaults to a client with a timeout.
	HTTPClient *http.Client
}

// Validate asserts the config sane inputs.
func (cfg *ProxyConfig) Validate() error {
	var errs error

	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("proxy base url cannot be an empty string"))
	}

	return errs
}

// ProxyClient represents the client for the proxy endpoints serving indian
// equities and mutual fund data.
type ProxyClient struct {
	cfg   *ProxyConfig
	httpc *http.Client
}

// NewProxyClient instantiates a new proxy client.
func NewProxyClient(cfg *ProxyConfig) (*ProxyClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating proxy config: %w", err)
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = newHTTPClient()
	}

	return &ProxyClient{
		cfg:   cfg,
		httpc: httpc,
	}, nil
}

// fetch requests the provided proxy path and classifies errors.
func (c *ProxyClient) fetch(ctx context.Context, path string, symbol string, params url.Values) ([]byte, error) {
	formedURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + path + "?" + params.Encode()

	body, status, err := get(ctx, c.httpc, formedURL, symbol, nil)
	if err != nil {
		return nil, err
	}

	err = statusError(status, symbol, body)
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "malformed payload", nil)
	}

	return body, nil
}

// fetchQuote requests a quote from the provided proxy path.
func (c *ProxyClient) fetchQuote(ctx context.Context, path string, symbol string, market shared.MarketType) (shared.Quote, error) {
	params := url.Values{}
	params.Add("symbol", symbol)

	body, err := c.fetch(ctx, path, symbol, params)
	if err != nil {
		return shared.Quote{}, err
	}

	var q shared.Quote
	err = json.Unmarshal(body, &q)
	if err != nil {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol, "decoding quote", err)
	}

	if q.Price <= 0 {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol, "quote has no price", nil)
	}

	q.MarketType = market
	q.Currency = market.Currency()

	return q, nil
}

// IndianStockQuote fetches the quote for the provided NSE symbol.
func (c *ProxyClient) IndianStockQuote(ctx context.Context, symbol string) (shared.Quote, error) {
	return c.fetchQuote(ctx, IndianStockQuotePath, symbol, shared.India)
}

// USMutualFundQuote fetches the quote for the provided US mutual fund symbol.
func (c *ProxyClient) USMutualFundQuote(ctx context.Context, symbol string) (shared.Quote, error) {
	return c.fetchQuote(ctx, USMutualFundQuotePath, symbol, shared.USMutualFund)
}

// IndianMutualFundQuote fetches the quote for the provided indian mutual fund scheme.
func (c *ProxyClient) IndianMutualFundQuote(ctx context.Context, symbol string) (shared.Quote, error) {
	return c.fetchQuote(ctx, IndianMutualFundQuotePath, symbol, shared.IndiaMutualFund)
}

// IndianStockChart fetches the daily series for the provided NSE symbol over
// the history range mapped from the interval.
func (c *ProxyClient) IndianStockChart(ctx context.Context, symbol string, interval shared.Interval) ([]shared.ChartPoint, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("interval", indianStockChartInterval)
	params.Add("range", ChartRange(interval))

	body, err := c.fetch(ctx, IndianStockChartPath, symbol, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ChartData []shared.ChartPoint `json:"chartData"`
	}
	err = json.Unmarshal(body, &resp)
	if err != nil {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "decoding chart data", err)
	}

	points := make([]shared.ChartPoint, 0, len(resp.ChartData))
	for idx := range resp.ChartData {
		if resp.ChartData[idx].Close > 0 && shared.IsDate(resp.ChartData[idx].Date) {
			points = append(points, resp.ChartData[idx])
		}
	}

	if len(points) == 0 {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "no chart data available", nil)
	}

	return shared.SortSeries(points), nil
}

// Search returns matches for the provided query from the search endpoint of
// the provided market.
func (c *ProxyClient) Search(ctx context.Context, market shared.MarketType, query string) ([]shared.SearchResult, error) {
	searchMarket, ok := searchMarkets[market]
	if !ok {
		return nil, fmt.Errorf("no proxy search for market %s", market)
	}

	params := url.Values{}
	params.Add("query", query)

	body, err := c.fetch(ctx, SearchPathPrefix+searchMarket, query, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []shared.SearchResult `json:"results"`
	}
	err = json.Unmarshal(body, &resp)
	if err != nil {
		return nil, shared.NewFetchError(shared.ErrNoData, query, "decoding search results", err)
	}

	results := make([]shared.SearchResult, 0, len(resp.Results))
	for _, res := range resp.Results {
		if res.Symbol == "" {
			continue
		}
		res.MarketType = market
		res.Currency = market.Currency()
		results = append(results, res)
	}

	return results, nil
}

// QuoteSource returns the proxy quote source for the provided market, or nil
// when the proxy does not serve it.
func (c *ProxyClient) QuoteSource(market shared.MarketType) shared.QuoteSource {
	switch market {
	case shared.India:
		return shared.QuoteSourceFunc(c.IndianStockQuote)
	case shared.USMutualFund:
		return shared.QuoteSourceFunc(c.USMutualFundQuote)
	case shared.IndiaMutualFund:
		return shared.QuoteSourceFunc(c.IndianMutualFundQuote)
	default:
		return nil
	}
}

// SeriesSource returns the proxy series source for indian equities.
func (c *ProxyClient) SeriesSource() shared.SeriesSource {
	return shared.SeriesSourceFunc(c.IndianStockChart)
}

// Searcher returns the proxy symbol searcher for the provided market, or nil
// when the proxy does not serve it.
func (c *ProxyClient) Searcher(market shared.MarketType) shared.SymbolSearcher {
	if _, ok := searchMarkets[market]; !ok {
		return nil
	}

	return shared.SymbolSearcherFunc(func(ctx context.Context, query string) ([]shared.SearchResult, error) {
		return c.Search(ctx, market, query)
	})
}

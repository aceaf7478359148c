package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dnldd/finboard/shared"
	"github.com/tidwall/gjson"
)

const (
	// YahooURL is the Yahoo Finance API endpoint.
	YahooURL = "https://query2.finance.yahoo.com"
	// yahooChartPath prefixes the chart path of a symbol.
	yahooChartPath = "/v8/finance/chart/"
	// yahooSearchPath is the symbol search path.
	yahooSearchPath = "/v1/finance/search"
	// nseSuffix marks NSE listed symbols.
	nseSuffix = ".NS"
	// yahooSearchQuotes is the number of search quotes requested.
	yahooSearchQuotes = "15"
	// browserUserAgent is the user agent Yahoo Finance requests are sent with.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// YahooConfig represents the configuration for the Yahoo Finance client.
type YahooConfig struct {
	// BaseURL is the Yahoo Finance API endpoint.
	BaseURL string
	// HTTPClient is the http client used for requests. Defaults to a client with a timeout.
	HTTPClient *http.Client
}

// Validate asserts the config sane inputs.
func (cfg *YahooConfig) Validate() error {
	var errs error

	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("yahoo base url cannot be an empty string"))
	}

	return errs
}

// YahooClient represents the Yahoo Finance client used for NSE equities.
type YahooClient struct {
	cfg    *YahooConfig
	httpc  *http.Client
	header http.Header
}

// NewYahooClient instantiates a new Yahoo Finance client.
func NewYahooClient(cfg *YahooConfig) (*YahooClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating yahoo config: %w", err)
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = newHTTPClient()
	}

	header := http.Header{}
	header.Set("User-Agent", browserUserAgent)
	header.Set("Accept", "application/json")

	return &YahooClient{
		cfg:    cfg,
		httpc:  httpc,
		header: header,
	}, nil
}

// fetch requests the provided path and classifies errors.
func (c *YahooClient) fetch(ctx context.Context, path string, symbol string, params url.Values) ([]byte, error) {
	formedURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		formedURL += "?" + params.Encode()
	}

	body, status, err := get(ctx, c.httpc, formedURL, symbol, c.header)
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

// chartResult fetches the first chart result of the provided NSE symbol.
func (c *YahooClient) chartResult(ctx context.Context, symbol string, params url.Values) (gjson.Result, error) {
	body, err := c.fetch(ctx, yahooChartPath+url.PathEscape(symbol+nseSuffix), symbol, params)
	if err != nil {
		return gjson.Result{}, err
	}

	result := gjson.GetBytes(body, "chart.result.0")
	if !result.Exists() {
		return gjson.Result{}, shared.NewFetchError(shared.ErrNoData, symbol, "no chart result", nil)
	}

	return result, nil
}

// FetchQuote fetches the quote of the provided NSE symbol from its chart metadata.
func (c *YahooClient) FetchQuote(ctx context.Context, symbol string) (shared.Quote, error) {
	result, err := c.chartResult(ctx, symbol, nil)
	if err != nil {
		return shared.Quote{}, err
	}

	meta := result.Get("meta")
	if !meta.Exists() {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol, "no quote metadata", nil)
	}

	return ParseYahooMeta(meta, symbol)
}

// firstPositive returns the first positive value of the provided fields.
func firstPositive(res gjson.Result, fields ...string) float64 {
	for _, f := range fields {
		v := res.Get(f).Float()
		if v > 0 {
			return v
		}
	}

	return 0
}

// ParseYahooMeta parses Yahoo chart metadata into an indian equity quote.
func ParseYahooMeta(meta gjson.Result, symbol string) (shared.Quote, error) {
	price := meta.Get("regularMarketPrice").Float()
	if price <= 0 {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol, "quote has no price", nil)
	}

	prevClose := firstPositive(meta, "chartPreviousClose", "previousClose")
	if prevClose == 0 {
		prevClose = price
	}

	name := meta.Get("longName").String()
	if name == "" {
		name = meta.Get("shortName").String()
	}
	if name == "" {
		name = symbol
	}

	orPrice := func(v float64) float64 {
		if v > 0 {
			return v
		}
		return price
	}

	q := shared.Quote{
		Symbol:        symbol,
		Name:          name,
		Price:         price,
		Change:        shared.Round2(price - prevClose),
		Volume:        meta.Get("regularMarketVolume").Int(),
		High:          orPrice(meta.Get("regularMarketDayHigh").Float()),
		Low:           orPrice(meta.Get("regularMarketDayLow").Float()),
		Open:          orPrice(meta.Get("regularMarketOpen").Float()),
		PreviousClose: prevClose,
		MarketType:    shared.India,
		Currency:      shared.INR,
	}
	q.NormalizeChange()

	return q, nil
}

// FetchChart fetches the bars of the provided NSE symbol for the provided
// bar interval and history range. Bars without a close are dropped.
func (c *YahooClient) FetchChart(ctx context.Context, symbol string, interval string, rng string) ([]shared.ChartPoint, error) {
	params := url.Values{}
	params.Add("interval", interval)
	params.Add("range", rng)

	result, err := c.chartResult(ctx, symbol, params)
	if err != nil {
		return nil, err
	}

	return ParseYahooChart(result, symbol)
}

// ParseYahooChart parses a Yahoo chart result into chart points.
func ParseYahooChart(result gjson.Result, symbol string) ([]shared.ChartPoint, error) {
	timestamps := result.Get("timestamp").Array()
	bars := result.Get("indicators.quote.0")
	if len(timestamps) == 0 || !bars.Exists() {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "no chart data available", nil)
	}

	opens := bars.Get("open").Array()
	highs := bars.Get("high").Array()
	lows := bars.Get("low").Array()
	closes := bars.Get("close").Array()
	volumes := bars.Get("volume").Array()

	at := func(values []gjson.Result, idx int) gjson.Result {
		if idx < len(values) {
			return values[idx]
		}
		return gjson.Result{}
	}

	points := make([]shared.ChartPoint, 0, len(timestamps))
	for idx := range timestamps {
		closePrice := at(closes, idx).Float()
		if closePrice <= 0 {
			continue
		}

		points = append(points, shared.ChartPoint{
			Date:   shared.FormatDate(time.Unix(timestamps[idx].Int(), 0).UTC()),
			Open:   at(opens, idx).Float(),
			High:   at(highs, idx).Float(),
			Low:    at(lows, idx).Float(),
			Close:  closePrice,
			Volume: at(volumes, idx).Int(),
		})
	}

	if len(points) == 0 {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "no chart data available", nil)
	}

	return shared.SortSeries(points), nil
}

// Search returns NSE equities matching the provided query.
func (c *YahooClient) Search(ctx context.Context, query string) ([]shared.SearchResult, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("quotesCount", yahooSearchQuotes)
	params.Add("newsCount", "0")
	params.Add("enableFuzzyQuery", "false")
	params.Add("quotesQueryId", "tss_match_phrase_query")
	params.Add("region", "IN")
	params.Add("lang", "en")

	body, err := c.fetch(ctx, yahooSearchPath, query, params)
	if err != nil {
		return nil, err
	}

	quotes := gjson.GetBytes(body, "quotes").Array()
	results := make([]shared.SearchResult, 0, len(quotes))
	for idx := range quotes {
		sym, ok := strings.CutSuffix(quotes[idx].Get("symbol").String(), nseSuffix)
		if !ok || sym == "" || quotes[idx].Get("quoteType").String() != "EQUITY" {
			continue
		}

		name := quotes[idx].Get("longname").String()
		if name == "" {
			name = quotes[idx].Get("shortname").String()
		}
		if name == "" {
			name = sym
		}

		results = append(results, shared.SearchResult{
			Symbol:     sym,
			Name:       name,
			Type:       "Equity",
			MarketType: shared.India,
			Currency:   shared.INR,
		})
	}

	return results, nil
}

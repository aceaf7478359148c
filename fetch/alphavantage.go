package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/dnldd/finboard/shared"
	"github.com/tidwall/gjson"
)

const (
	// AlphaVantageURL is the default Alpha Vantage API endpoint.
	AlphaVantageURL = "https://www.alphavantage.co"
	// alphaVantageQueryPath is the query path shared by every Alpha Vantage function.
	alphaVantageQueryPath = "/query"
	// maxSymbolSearchResults is the maximum number of symbol search matches returned.
	maxSymbolSearchResults = 10
	// maxFundSearchResults is the maximum number of fund search matches returned.
	maxFundSearchResults = 20
)

var (
	// seriesFunctions maps intervals to Alpha Vantage series functions.
	seriesFunctions = map[shared.Interval]string{
		shared.Daily:   "TIME_SERIES_DAILY",
		shared.Weekly:  "TIME_SERIES_WEEKLY",
		shared.Monthly: "TIME_SERIES_MONTHLY",
	}
	// seriesFields are the record fields every series entry must carry.
	seriesFields = []string{`1\. open`, `2\. high`, `3\. low`, `4\. close`, `5\. volume`}
	// fundSymbolPattern matches the five letter tickers mutual funds trade under.
	fundSymbolPattern = regexp.MustCompile(`^[A-Z]{5}$`)
	// fundFamilyPrefixes are ticker prefixes of popular fund families.
	fundFamilyPrefixes = []string{"VFI", "VTS", "VTI", "VOO", "FXAIX", "SPAXX"}
)

// AlphaVantageConfig represents the configuration for the Alpha Vantage client.
type AlphaVantageConfig struct {
	// APIKey is the Alpha Vantage API key.
	APIKey string
	// BaseURL is the Alpha Vantage API endpoint.
	BaseURL string
	// HTTPClient is the http client used for requests. Defaults to a client with a timeout.
	HTTPClient *http.Client
}

// Validate asserts the config sane inputs.
func (cfg *AlphaVantageConfig) Validate() error {
	var errs error

	if cfg.APIKey == "" {
		errs = errors.Join(errs, fmt.Errorf("alpha vantage api key cannot be an empty string"))
	}
	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("alpha vantage base url cannot be an empty string"))
	}

	return errs
}

// AlphaVantageClient represents the Alpha Vantage API client. It is the
// quota-constrained provider for US equities and mutual funds.
type AlphaVantageClient struct {
	cfg   *AlphaVantageConfig
	httpc *http.Client
}

// Ensure the AlphaVantageClient implements the provider interfaces.
var _ shared.QuoteSource = (*AlphaVantageClient)(nil)
var _ shared.SeriesSource = (*AlphaVantageClient)(nil)
var _ shared.SymbolSearcher = (*AlphaVantageClient)(nil)

// NewAlphaVantageClient instantiates a new Alpha Vantage client.
func NewAlphaVantageClient(cfg *AlphaVantageConfig) (*AlphaVantageClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating alpha vantage config: %w", err)
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = newHTTPClient()
	}

	return &AlphaVantageClient{
		cfg:   cfg,
		httpc: httpc,
	}, nil
}

// formURL creates full urls including parameters for the api.
func (c *AlphaVantageClient) formURL(path string, params string) string {
	var b strings.Builder
	b.WriteString(c.cfg.BaseURL)
	b.WriteString(path)
	b.WriteString("?")
	b.WriteString(params)

	return b.String()
}

// query calls the provided Alpha Vantage function and returns the classified payload.
func (c *AlphaVantageClient) query(ctx context.Context, function string, symbol string, params url.Values) ([]byte, error) {
	params.Set("function", function)
	params.Set("apikey", c.cfg.APIKey)

	body, status, err := get(ctx, c.httpc, c.formURL(alphaVantageQueryPath, params.Encode()), symbol, nil)
	if err != nil {
		return nil, err
	}

	err = statusError(status, symbol, body)
	if err != nil {
		return nil, err
	}

	return body, classifyAlphaVantagePayload(body, symbol)
}

// classifyAlphaVantagePayload maps Alpha Vantage error payloads to fetch errors.
func classifyAlphaVantagePayload(body []byte, symbol string) error {
	if len(strings.TrimSpace(string(body))) == 0 || !gjson.ValidBytes(body) {
		return shared.NewFetchError(shared.ErrNoData, symbol, "empty or malformed payload", nil)
	}

	payload := gjson.ParseBytes(body)
	if msg := payload.Get("Error Message"); msg.Exists() {
		return shared.NewFetchError(shared.ErrInvalidSymbol, symbol, msg.String(), nil)
	}
	if msg := payload.Get("Note"); msg.Exists() {
		return shared.NewFetchError(shared.ErrRateLimited, symbol, msg.String(), nil)
	}
	if msg := payload.Get("Information"); msg.Exists() {
		return shared.NewFetchError(shared.ErrRateLimited, symbol, msg.String(), nil)
	}

	return nil
}

// FetchQuote fetches the current quote for the provided symbol.
func (c *AlphaVantageClient) FetchQuote(ctx context.Context, symbol string) (shared.Quote, error) {
	params := url.Values{}
	params.Add("symbol", symbol)

	body, err := c.query(ctx, "GLOBAL_QUOTE", symbol, params)
	if err != nil {
		return shared.Quote{}, err
	}

	return ParseGlobalQuote(body, symbol)
}

// ParseGlobalQuote parses a quote from the provided GLOBAL_QUOTE payload.
func ParseGlobalQuote(body []byte, symbol string) (shared.Quote, error) {
	quote := gjson.GetBytes(body, "Global Quote")
	if !quote.IsObject() || len(quote.Map()) == 0 {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol, "empty global quote", nil)
	}

	q := shared.Quote{
		Symbol:        quote.Get(`01\. symbol`).String(),
		Name:          symbol,
		Price:         parseFloat(quote.Get(`05\. price`)),
		Change:        parseFloat(quote.Get(`09\. change`)),
		ChangePercent: parseFloat(quote.Get(`10\. change percent`)),
		Volume:        quote.Get(`06\. volume`).Int(),
		High:          parseFloat(quote.Get(`03\. high`)),
		Low:           parseFloat(quote.Get(`04\. low`)),
		Open:          parseFloat(quote.Get(`02\. open`)),
		PreviousClose: parseFloat(quote.Get(`08\. previous close`)),
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Price <= 0 {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol, "global quote has no price", nil)
	}

	return q, nil
}

// FetchSeries fetches the historical series for the provided symbol and interval.
func (c *AlphaVantageClient) FetchSeries(ctx context.Context, symbol string, interval shared.Interval) ([]shared.ChartPoint, error) {
	function, ok := seriesFunctions[interval]
	if !ok {
		function = seriesFunctions[shared.Daily]
	}

	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("outputsize", "compact")

	body, err := c.query(ctx, function, symbol, params)
	if err != nil {
		return nil, err
	}

	return ParseTimeSeries(body, symbol)
}

// ParseTimeSeries parses an ascending series from the provided time series
// payload. Records with a missing or non-numeric field are dropped.
func ParseTimeSeries(body []byte, symbol string) ([]shared.ChartPoint, error) {
	var series gjson.Result
	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		if strings.Contains(key.String(), "Time Series") {
			series = value
			return false
		}
		return true
	})

	if !series.IsObject() {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "no time series in payload", nil)
	}

	points := make([]shared.ChartPoint, 0, 100)
	series.ForEach(func(date, record gjson.Result) bool {
		if !shared.IsDate(date.String()) {
			return true
		}

		values := make([]float64, len(seriesFields))
		for idx, field := range seriesFields {
			v, err := parseNumber(record.Get(field))
			if err != nil {
				return true
			}
			values[idx] = v
		}

		points = append(points, shared.ChartPoint{
			Date:   date.String(),
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: int64(values[4]),
		})

		return true
	})

	if len(points) == 0 {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "time series has no complete records", nil)
	}

	return shared.SortSeries(points), nil
}

// Search returns US symbols matching the provided query.
func (c *AlphaVantageClient) Search(ctx context.Context, query string) ([]shared.SearchResult, error) {
	matches, err := c.SymbolSearch(ctx, query)
	if err != nil {
		return nil, err
	}

	if len(matches) > maxSymbolSearchResults {
		matches = matches[:maxSymbolSearchResults]
	}

	return matches, nil
}

// SymbolSearch returns every best match Alpha Vantage reports for the provided keywords.
func (c *AlphaVantageClient) SymbolSearch(ctx context.Context, keywords string) ([]shared.SearchResult, error) {
	params := url.Values{}
	params.Add("keywords", keywords)

	body, err := c.query(ctx, "SYMBOL_SEARCH", keywords, params)
	if err != nil {
		return nil, err
	}

	matches := gjson.GetBytes(body, "bestMatches").Array()
	results := make([]shared.SearchResult, 0, len(matches))
	for idx := range matches {
		sym := matches[idx].Get(`1\. symbol`).String()
		if sym == "" {
			continue
		}

		results = append(results, shared.SearchResult{
			Symbol:     sym,
			Name:       matches[idx].Get(`2\. name`).String(),
			Type:       matches[idx].Get(`3\. type`).String(),
			MarketType: shared.US,
			Currency:   shared.USD,
		})
	}

	return results, nil
}

// FetchFundQuote fetches the current quote for the provided US mutual fund symbol.
func (c *AlphaVantageClient) FetchFundQuote(ctx context.Context, symbol string) (shared.Quote, error) {
	q, err := c.FetchQuote(ctx, symbol)
	if err != nil {
		return shared.Quote{}, err
	}

	q.MarketType = shared.USMutualFund
	q.Currency = shared.USD

	return q, nil
}

// IsFundMatch reports whether the provided search match looks like a mutual
// fund or a popular fund family listing.
func IsFundMatch(match shared.SearchResult) bool {
	if strings.Contains(match.Type, mutualFundType) || fundSymbolPattern.MatchString(match.Symbol) {
		return true
	}

	for _, prefix := range fundFamilyPrefixes {
		if strings.HasPrefix(match.Symbol, prefix) {
			return true
		}
	}

	return false
}

// FundSearch returns US mutual funds matching the provided query.
func (c *AlphaVantageClient) FundSearch(ctx context.Context, query string) ([]shared.SearchResult, error) {
	matches, err := c.SymbolSearch(ctx, query)
	if err != nil {
		return nil, err
	}

	funds := make([]shared.SearchResult, 0, len(matches))
	for _, match := range matches {
		if !IsFundMatch(match) {
			continue
		}

		if match.Type == "" {
			match.Type = mutualFundType
		}
		match.MarketType = shared.USMutualFund
		match.Currency = shared.USD
		funds = append(funds, match)

		if len(funds) == maxFundSearchResults {
			break
		}
	}

	return funds, nil
}

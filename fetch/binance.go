package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dnldd/finboard/shared"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	// BinanceURL is the default Binance REST API endpoint.
	BinanceURL = "https://api.binance.com"
	// binanceTickerPath is the 24 hour ticker statistics path.
	binanceTickerPath = "/api/v3/ticker/24hr"
	// binancePricePath is the latest price path.
	binancePricePath = "/api/v3/ticker/price"
	// binanceQuoteAsset is the quote asset crypto symbols are paired with.
	binanceQuoteAsset = "USDT"
)

// BinanceConfig represents the configuration for the Binance client.
type BinanceConfig struct {
	// BaseURL is the Binance REST API endpoint.
	BaseURL string
	// HTTPClient is the http client used for requests. Defaults to a client with a timeout.
	HTTPClient *http.Client
}

// Validate asserts the config sane inputs.
func (cfg *BinanceConfig) Validate() error {
	var errs error

	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("binance base url cannot be an empty string"))
	}

	return errs
}

// BinanceClient represents the Binance REST API client used for crypto quotes.
type BinanceClient struct {
	cfg   *BinanceConfig
	httpc *http.Client
}

// Ensure the BinanceClient implements the QuoteSource interface.
var _ shared.QuoteSource = (*BinanceClient)(nil)

// NewBinanceClient instantiates a new Binance client.
func NewBinanceClient(cfg *BinanceConfig) (*BinanceClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating binance config: %w", err)
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = newHTTPClient()
	}

	return &BinanceClient{
		cfg:   cfg,
		httpc: httpc,
	}, nil
}

// PairSymbol returns the Binance trading pair for the provided crypto symbol.
func PairSymbol(symbol string) string {
	return strings.ToUpper(symbol) + binanceQuoteAsset
}

// fetch requests the provided path for the provided pair and classifies errors.
func (c *BinanceClient) fetch(ctx context.Context, path string, symbol string) ([]byte, error) {
	params := url.Values{}
	params.Add("symbol", PairSymbol(symbol))

	body, status, err := get(ctx, c.httpc, c.cfg.BaseURL+path+"?"+params.Encode(), symbol, nil)
	if err != nil {
		return nil, err
	}

	payload := gjson.ParseBytes(body)
	if code := payload.Get("code"); code.Exists() {
		return nil, shared.NewFetchError(shared.ErrInvalidSymbol, symbol,
			fmt.Sprintf("binance error %d: %s", code.Int(), payload.Get("msg").String()), nil)
	}

	err = statusError(status, symbol, body)
	if err != nil {
		return nil, err
	}

	if !payload.IsObject() {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "malformed payload", nil)
	}

	return body, nil
}

// FetchQuote fetches the 24 hour ticker and the latest price for the provided
// crypto symbol concurrently.
func (c *BinanceClient) FetchQuote(ctx context.Context, symbol string) (shared.Quote, error) {
	symbol = strings.ToUpper(symbol)

	var ticker, price []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ticker, err = c.fetch(gctx, binanceTickerPath, symbol)
		return err
	})
	g.Go(func() error {
		var err error
		price, err = c.fetch(gctx, binancePricePath, symbol)
		return err
	})

	err := g.Wait()
	if err != nil {
		return shared.Quote{}, err
	}

	return ParseBinanceQuote(ticker, price, symbol)
}

// ParseBinanceQuote parses a quote from the provided 24 hour ticker and price payloads.
func ParseBinanceQuote(ticker []byte, price []byte, symbol string) (shared.Quote, error) {
	last := parseFloat(gjson.GetBytes(price, "price"))
	if last <= 0 {
		last = parseFloat(gjson.GetBytes(ticker, "lastPrice"))
	}
	if last <= 0 {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, symbol, "ticker has no price", nil)
	}

	t := gjson.ParseBytes(ticker)

	return shared.Quote{
		Symbol:        symbol,
		Name:          symbol,
		Price:         last,
		Change:        parseFloat(t.Get("priceChange")),
		ChangePercent: parseFloat(t.Get("priceChangePercent")),
		Volume:        int64(parseFloat(t.Get("volume"))),
		High:          parseFloat(t.Get("highPrice")),
		Low:           parseFloat(t.Get("lowPrice")),
		Open:          parseFloat(t.Get("openPrice")),
		PreviousClose: parseFloat(t.Get("openPrice")),
		MarketType:    shared.Crypto,
		Currency:      shared.USD,
	}, nil
}

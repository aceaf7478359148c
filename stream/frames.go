package stream

import (
	"strings"

	"github.com/dnldd/finboard/shared"
	"github.com/tidwall/gjson"
)

const (
	// binanceQuoteAsset is the quote asset streamed crypto pairs use.
	binanceQuoteAsset = "USDT"
	// binanceTickerSuffix is the stream name suffix of 24 hour ticker streams.
	binanceTickerSuffix = "@ticker"
)

// finnhubRequest represents a finnhub subscription frame.
type finnhubRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// binanceRequest represents a binance stream subscription frame.
type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// binanceStream returns the ticker stream name of the provided crypto symbol.
func binanceStream(symbol string) string {
	return strings.ToLower(symbol) + strings.ToLower(binanceQuoteAsset) + binanceTickerSuffix
}

// floatPtr returns a pointer to the provided value.
func floatPtr(v float64) *float64 {
	return &v
}

// parseFinnhubFrame parses the trade updates carried by a finnhub frame.
// Frames other than trades yield no updates.
func parseFinnhubFrame(data []byte) []shared.QuoteUpdate {
	frame := gjson.ParseBytes(data)
	if frame.Get("type").String() != "trade" {
		return nil
	}

	trades := frame.Get("data").Array()
	updates := make([]shared.QuoteUpdate, 0, len(trades))
	for idx := range trades {
		sym := trades[idx].Get("s").String()
		price := trades[idx].Get("p").Float()
		if sym == "" || price <= 0 {
			continue
		}

		updates = append(updates, shared.QuoteUpdate{
			Symbol:     sym,
			MarketType: shared.US,
			Price:      price,
			Volume:     int64(trades[idx].Get("v").Float()),
		})
	}

	return updates
}

// parseBinanceFrame parses the ticker update carried by a binance frame.
// Subscription acknowledgements and other events yield no update.
func parseBinanceFrame(data []byte) (shared.QuoteUpdate, bool) {
	frame := gjson.ParseBytes(data)
	if frame.Get("e").String() != "24hrTicker" {
		return shared.QuoteUpdate{}, false
	}

	pair := frame.Get("s").String()
	sym, ok := strings.CutSuffix(pair, binanceQuoteAsset)
	price := frame.Get("c").Float()
	if !ok || sym == "" || price <= 0 {
		return shared.QuoteUpdate{}, false
	}

	return shared.QuoteUpdate{
		Symbol:        sym,
		MarketType:    shared.Crypto,
		Price:         price,
		Volume:        int64(frame.Get("v").Float()),
		Change:        floatPtr(frame.Get("p").Float()),
		ChangePercent: floatPtr(frame.Get("P").Float()),
		High:          floatPtr(frame.Get("h").Float()),
		Low:           floatPtr(frame.Get("l").Float()),
		Open:          floatPtr(frame.Get("o").Float()),
		PreviousClose: floatPtr(frame.Get("x").Float()),
	}, true
}

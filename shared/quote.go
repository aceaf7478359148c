package shared

import (
	"github.com/shopspring/decimal"
)

// Quote represents a point-in-time price snapshot for a symbol.
type Quote struct {
	Symbol        string     `json:"symbol" yaml:"symbol"`
	Name          string     `json:"name" yaml:"name"`
	Price         float64    `json:"price" yaml:"price"`
	Change        float64    `json:"change" yaml:"change"`
	ChangePercent float64    `json:"changePercent" yaml:"changePercent"`
	Volume        int64      `json:"volume" yaml:"volume"`
	High          float64    `json:"high,omitempty" yaml:"high"`
	Low           float64    `json:"low,omitempty" yaml:"low"`
	Open          float64    `json:"open,omitempty" yaml:"open"`
	PreviousClose float64    `json:"previousClose,omitempty" yaml:"previousClose"`
	MarketType    MarketType `json:"marketType" yaml:"marketType"`
	Currency      string     `json:"currency" yaml:"currency"`
}

// NormalizeChange derives the change percent from the change and previous close.
func (q *Quote) NormalizeChange() {
	if q.PreviousClose == 0 {
		q.ChangePercent = 0
		return
	}

	q.ChangePercent = Round2(q.Change / q.PreviousClose * 100)
}

// Merge applies the provided partial update to the quote. Fields absent from the
// update keep their previously known values.
func (q *Quote) Merge(u QuoteUpdate) {
	if q.Symbol == "" {
		q.Symbol = u.Symbol
	}
	if q.Name == "" {
		q.Name = u.Symbol
	}
	if q.MarketType == "" {
		q.MarketType = u.MarketType
		q.Currency = u.MarketType.Currency()
	}

	q.Price = u.Price
	if u.Volume > 0 {
		q.Volume = u.Volume
	}
	if u.Change != nil {
		q.Change = *u.Change
	}
	if u.ChangePercent != nil {
		q.ChangePercent = *u.ChangePercent
	}
	if u.High != nil {
		q.High = *u.High
	}
	if u.Low != nil {
		q.Low = *u.Low
	}
	if u.Open != nil {
		q.Open = *u.Open
	}
	if u.PreviousClose != nil {
		q.PreviousClose = *u.PreviousClose
	}
}

// QuoteUpdate represents a partial quote pushed by a streaming provider. Nil
// fields were not part of the pushed frame.
type QuoteUpdate struct {
	Symbol        string
	MarketType    MarketType
	Price         float64
	Volume        int64
	Change        *float64
	ChangePercent *float64
	High          *float64
	Low           *float64
	Open          *float64
	PreviousClose *float64
}

// SearchResult represents a symbol search match.
type SearchResult struct {
	Symbol     string     `json:"symbol"`
	Name       string     `json:"name"`
	Type       string     `json:"type,omitempty"`
	MarketType MarketType `json:"marketType"`
	Currency   string     `json:"currency"`
}

// Round2 rounds the provided monetary value to 2 decimal places.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

package shared

import (
	"context"
)

// QuoteSource defines the requirements for fetching live quotes from a provider.
type QuoteSource interface {
	// FetchQuote fetches the current quote for the provided symbol.
	FetchQuote(ctx context.Context, symbol string) (Quote, error)
}

// SeriesSource defines the requirements for fetching historical series from a provider.
type SeriesSource interface {
	// FetchSeries fetches the historical series for the provided symbol and interval.
	FetchSeries(ctx context.Context, symbol string, interval Interval) ([]ChartPoint, error)
}

// SymbolSearcher defines the requirements for searching provider symbols.
type SymbolSearcher interface {
	// Search returns symbols matching the provided query.
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// QuoteStorer defines the requirements for recording quote snapshots.
type QuoteStorer interface {
	// PersistQuote stores the provided quote snapshot.
	PersistQuote(ctx context.Context, quote *Quote) error
}

// QuoteSourceFunc adapts an ordinary function to a QuoteSource.
type QuoteSourceFunc func(ctx context.Context, symbol string) (Quote, error)

// FetchQuote calls f(ctx, symbol).
func (f QuoteSourceFunc) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	return f(ctx, symbol)
}

// SeriesSourceFunc adapts an ordinary function to a SeriesSource.
type SeriesSourceFunc func(ctx context.Context, symbol string, interval Interval) ([]ChartPoint, error)

// FetchSeries calls f(ctx, symbol, interval).
func (f SeriesSourceFunc) FetchSeries(ctx context.Context, symbol string, interval Interval) ([]ChartPoint, error) {
	return f(ctx, symbol, interval)
}

// SymbolSearcherFunc adapts an ordinary function to a SymbolSearcher.
type SymbolSearcherFunc func(ctx context.Context, query string) ([]SearchResult, error)

// Search calls f(ctx, query).
func (f SymbolSearcherFunc) Search(ctx context.Context, query string) ([]SearchResult, error) {
	return f(ctx, query)
}

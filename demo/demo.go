package demo

import (
	"embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dnldd/finboard/shared"
	"gopkg.in/yaml.v3"
)

//go:embed data/quotes.yaml
var dataFS embed.FS

const (
	// quotesFile is the embedded snapshot table path.
	quotesFile = "data/quotes.yaml"
)

var (
	defaultTable    *Table
	defaultTableErr error
	defaultOnce     sync.Once
)

// Table represents a read-only set of static quote snapshots keyed by symbol.
type Table struct {
	quotes map[string]shared.Quote
	order  []string
}

// Parse builds a table from the provided yaml encoded snapshot list.
func Parse(data []byte) (*Table, error) {
	var quotes []shared.Quote
	err := yaml.Unmarshal(data, &quotes)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling demo quotes: %w", err)
	}

	tbl := &Table{
		quotes: make(map[string]shared.Quote, len(quotes)),
		order:  make([]string, 0, len(quotes)),
	}

	for idx := range quotes {
		q := quotes[idx]
		switch {
		case q.Symbol == "":
			return nil, fmt.Errorf("demo quote at index %d has no symbol", idx)
		case !q.MarketType.Valid():
			return nil, fmt.Errorf("demo quote %s has unknown market type %q", q.Symbol, q.MarketType)
		}

		if _, ok := tbl.quotes[q.Symbol]; ok {
			return nil, fmt.Errorf("duplicate demo quote for %s", q.Symbol)
		}

		if q.Currency == "" {
			q.Currency = q.MarketType.Currency()
		}
		q.NormalizeChange()

		tbl.quotes[q.Symbol] = q
		tbl.order = append(tbl.order, q.Symbol)
	}

	return tbl, nil
}

// Load parses the embedded snapshot table.
func Load() (*Table, error) {
	data, err := dataFS.ReadFile(quotesFile)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", quotesFile, err)
	}

	return Parse(data)
}

// Default returns the process-wide snapshot table, loading it on first use. It
// panics if the embedded table is malformed.
func Default() *Table {
	defaultOnce.Do(func() {
		defaultTable, defaultTableErr = Load()
	})

	if defaultTableErr != nil {
		panic(defaultTableErr)
	}

	return defaultTable
}

// Lookup returns the snapshot for the provided symbol.
func (t *Table) Lookup(symbol string) (shared.Quote, bool) {
	q, ok := t.quotes[symbol]
	return q, ok
}

// LookupMarket returns the snapshot for the provided symbol only if it belongs
// to the provided market.
func (t *Table) LookupMarket(symbol string, market shared.MarketType) (shared.Quote, bool) {
	q, ok := t.quotes[symbol]
	if !ok || q.MarketType != market {
		return shared.Quote{}, false
	}

	return q, true
}

// Symbols returns the symbols held for the provided market in table order.
func (t *Table) Symbols(market shared.MarketType) []string {
	var symbols []string
	for _, sym := range t.order {
		if t.quotes[sym].MarketType == market {
			symbols = append(symbols, sym)
		}
	}

	return symbols
}

// Search returns up to limit snapshots of the provided market whose symbol or
// name contains the query, case insensitively.
func (t *Table) Search(query string, market shared.MarketType, limit int) []shared.SearchResult {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var results []shared.SearchResult
	for _, sym := range t.order {
		if limit > 0 && len(results) == limit {
			break
		}

		q := t.quotes[sym]
		if q.MarketType != market {
			continue
		}

		if strings.Contains(strings.ToLower(q.Symbol), query) ||
			strings.Contains(strings.ToLower(q.Name), query) {
			results = append(results, shared.SearchResult{
				Symbol:     q.Symbol,
				Name:       q.Name,
				MarketType: q.MarketType,
				Currency:   q.Currency,
			})
		}
	}

	return results
}

// Len returns the number of snapshots in the table.
func (t *Table) Len() int {
	return len(t.order)
}

// All returns every snapshot in table order.
func (t *Table) All() []shared.Quote {
	quotes := make([]shared.Quote, 0, len(t.order))
	for _, sym := range t.order {
		quotes = append(quotes, t.quotes[sym])
	}

	return slices.Clip(quotes)
}

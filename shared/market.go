package shared

import (
	"fmt"
	"strings"
)

// MarketType represents the routing discriminator for market data providers.
type MarketType string

const (
	US              MarketType = "us"
	India           MarketType = "india"
	Crypto          MarketType = "crypto"
	USMutualFund    MarketType = "us-mf"
	IndiaMutualFund MarketType = "india-mf"
)

const (
	// Currency codes.
	USD = "USD"
	INR = "INR"
)

// MarketTypes lists all supported market types.
var MarketTypes = []MarketType{US, India, Crypto, USMutualFund, IndiaMutualFund}

// ParseMarketType parses the provided string into a market type.
func ParseMarketType(s string) (MarketType, error) {
	mt := MarketType(strings.ToLower(strings.TrimSpace(s)))
	if !mt.Valid() {
		return "", fmt.Errorf("unknown market type provided: %q", s)
	}

	return mt, nil
}

// Valid asserts the market type is a known one.
func (m MarketType) Valid() bool {
	switch m {
	case US, India, Crypto, USMutualFund, IndiaMutualFund:
		return true
	default:
		return false
	}
}

// String stringifies the market type.
func (m MarketType) String() string {
	return string(m)
}

// Currency returns the quote currency for the market type.
func (m MarketType) Currency() string {
	switch m {
	case India, IndiaMutualFund:
		return INR
	default:
		return USD
	}
}

// Streamable returns whether push updates are available for the market type.
func (m MarketType) Streamable() bool {
	return m == US || m == Crypto
}

// DefaultSymbols returns the default symbol set for the market type.
func (m MarketType) DefaultSymbols() []string {
	switch m {
	case US:
		return []string{"GOOGL", "AAPL", "MSFT", "AMZN", "TSLA"}
	case India:
		return []string{"RELIANCE", "TCS", "INFY", "HDFCBANK"}
	case Crypto:
		return []string{"BTC", "ETH", "BNB", "SOL", "XRP"}
	case USMutualFund:
		return []string{"VFIAX", "VTSAX", "FXAIX"}
	case IndiaMutualFund:
		return []string{"AXISELIQUID", "ICICIPRULIFE", "HDFCTOP100"}
	default:
		return nil
	}
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dnldd/finboard/cache"
	"github.com/dnldd/finboard/shared"
	"github.com/tidwall/gjson"
)

const (
	// MFAPIURL is the mfapi.in endpoint.
	MFAPIURL = "https://api.mfapi.in"
	// mfapiSchemePath prefixes the NAV history path of a scheme.
	mfapiSchemePath = "/mf/"
	// mfapiListPath is the scheme list path.
	mfapiListPath = "/mf"
	// schemeListKey is the cache key of the scheme list.
	schemeListKey = "schemes"
	// schemeListTTL is the duration the scheme list is cached for.
	schemeListTTL = time.Hour * 24
	// maxSchemeSearchResults is the maximum number of scheme matches returned.
	maxSchemeSearchResults = 50
	// mutualFundType is the search result type of mutual funds.
	mutualFundType = "Mutual Fund"
)

// MFAPIConfig represents the configuration for the mfapi.in client.
type MFAPIConfig struct {
	// BaseURL is the mfapi.in endpoint.
	BaseURL string
	// HTTPClient is the http client used for requests. Defaults to a client with a timeout.
	HTTPClient *http.Client
	// Now returns the current time for scheme list expiry. Defaults to time.Now when nil.
	Now func() time.Time
}

// Validate asserts the config sane inputs.
func (cfg *MFAPIConfig) Validate() error {
	var errs error

	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("mfapi base url cannot be an empty string"))
	}

	return errs
}

// scheme represents an indian mutual fund scheme listing.
type scheme struct {
	code string
	name string
}

// MFAPIClient represents the mfapi.in client used for indian mutual funds.
type MFAPIClient struct {
	cfg     *MFAPIConfig
	httpc   *http.Client
	schemes *cache.Cache[[]scheme]
}

// NewMFAPIClient instantiates a new mfapi.in client.
func NewMFAPIClient(cfg *MFAPIConfig) (*MFAPIClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating mfapi config: %w", err)
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = newHTTPClient()
	}

	return &MFAPIClient{
		cfg:     cfg,
		httpc:   httpc,
		schemes: cache.New[[]scheme](&cache.Config{Now: cfg.Now}),
	}, nil
}

// fetch requests the provided path and classifies errors.
func (c *MFAPIClient) fetch(ctx context.Context, path string, symbol string) ([]byte, error) {
	body, status, err := get(ctx, c.httpc, strings.TrimSuffix(c.cfg.BaseURL, "/")+path, symbol, nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		err = statusError(status, symbol, body)
		if status >= http.StatusBadRequest && status < http.StatusInternalServerError &&
			status != http.StatusTooManyRequests {
			err = shared.NewFetchError(shared.ErrNoData, symbol, "mutual fund not found", nil)
		}
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, shared.NewFetchError(shared.ErrNoData, symbol, "malformed payload", nil)
	}

	return body, nil
}

// FetchQuote fetches the latest NAV of the provided scheme code as a quote.
func (c *MFAPIClient) FetchQuote(ctx context.Context, code string) (shared.Quote, error) {
	body, err := c.fetch(ctx, mfapiSchemePath+url.PathEscape(code), code)
	if err != nil {
		return shared.Quote{}, err
	}

	return ParseNAVHistory(body, code)
}

// ParseNAVHistory parses a scheme NAV history, newest first, into a quote. The
// change is derived from the two latest NAVs.
func ParseNAVHistory(body []byte, code string) (shared.Quote, error) {
	payload := gjson.ParseBytes(body)
	navs := payload.Get("data").Array()
	if payload.Get("status").String() == "ERROR" || len(navs) == 0 {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, code, "no data available", nil)
	}

	current := parseFloat(navs[0].Get("nav"))
	previous := current
	if len(navs) > 1 {
		previous = parseFloat(navs[1].Get("nav"))
	}

	if current <= 0 {
		return shared.Quote{}, shared.NewFetchError(shared.ErrNoData, code, "scheme has no nav", nil)
	}

	name := payload.Get("meta.scheme_name").String()
	if name == "" {
		name = code
	}

	change := current - previous
	var changePercent float64
	if previous != 0 {
		changePercent = change / previous * 100
	}

	return shared.Quote{
		Symbol:        code,
		Name:          name,
		Price:         shared.Round2(current),
		Change:        shared.Round2(change),
		ChangePercent: shared.Round2(changePercent),
		High:          current,
		Low:           current,
		Open:          current,
		PreviousClose: shared.Round2(previous),
		MarketType:    shared.IndiaMutualFund,
		Currency:      shared.INR,
	}, nil
}

// schemeList returns the scheme list, refreshing it once the cached copy expires.
func (c *MFAPIClient) schemeList(ctx context.Context) ([]scheme, error) {
	list, ok := c.schemes.Get(schemeListKey)
	if ok {
		return list, nil
	}

	body, err := c.fetch(ctx, mfapiListPath, "")
	if err != nil {
		return nil, err
	}

	entries := gjson.ParseBytes(body).Array()
	list = make([]scheme, 0, len(entries))
	for idx := range entries {
		code := entries[idx].Get("schemeCode").String()
		if code == "" {
			continue
		}
		list = append(list, scheme{code: code, name: entries[idx].Get("schemeName").String()})
	}

	c.schemes.Set(schemeListKey, list, schemeListTTL)

	return list, nil
}

// Search returns schemes whose name or code contains the provided query.
func (c *MFAPIClient) Search(ctx context.Context, query string) ([]shared.SearchResult, error) {
	list, err := c.schemeList(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	results := make([]shared.SearchResult, 0)
	for _, s := range list {
		if !strings.Contains(strings.ToLower(s.name), query) && !strings.Contains(s.code, query) {
			continue
		}

		results = append(results, shared.SearchResult{
			Symbol:     s.code,
			Name:       s.name,
			Type:       mutualFundType,
			MarketType: shared.IndiaMutualFund,
			Currency:   shared.INR,
		})
		if len(results) == maxSchemeSearchResults {
			break
		}
	}

	return results, nil
}

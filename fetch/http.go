package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dnldd/finboard/shared"
	"github.com/tidwall/gjson"
)

const (
	// requestTimeout is the default timeout for provider requests.
	requestTimeout = time.Second * 10
	// maxBodySize is the maximum provider response body size read.
	maxBodySize = 8 << 20
)

// newHTTPClient returns the default http client used by provider clients.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// get performs a GET request against the provided url and returns the response
// body and status code. Transport failures are classified as network failures.
func get(ctx context.Context, httpc *http.Client, url string, symbol string, header http.Header) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, shared.NewFetchError(shared.ErrNetworkFailure, symbol, "request failed", err)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, shared.NewFetchError(shared.ErrNetworkFailure, symbol, "reading response body", err)
	}

	return body, resp.StatusCode, nil
}

// statusError classifies non-success http status codes. It returns nil for
// success codes.
func statusError(status int, symbol string, body []byte) error {
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = strings.TrimSpace(http.StatusText(status))
	}

	switch status {
	case http.StatusTooManyRequests:
		return shared.NewFetchError(shared.ErrRateLimited, symbol, msg, nil)
	case http.StatusNotFound:
		return shared.NewFetchError(shared.ErrNoData, symbol, msg, nil)
	case http.StatusBadRequest:
		return shared.NewFetchError(shared.ErrInvalidSymbol, symbol, msg, nil)
	default:
		return shared.NewFetchError(shared.ErrNetworkFailure, symbol,
			fmt.Sprintf("unexpected status %d: %s", status, msg), nil)
	}
}

// parseNumber parses a provider number, textual or not, tolerating a
// trailing percent sign.
func parseNumber(res gjson.Result) (float64, error) {
	switch res.Type {
	case gjson.Number:
		return res.Num, nil
	case gjson.String:
		return strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(res.Str), "%"), 64)
	default:
		return 0, fmt.Errorf("%q is not a number", res.Raw)
	}
}

// parseFloat coerces a provider number, yielding zero when it is absent or malformed.
func parseFloat(res gjson.Result) float64 {
	v, err := parseNumber(res)
	if err != nil {
		return 0
	}

	return v
}

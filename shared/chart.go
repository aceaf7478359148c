package shared

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// DateLayout is the format layout for chart point dates.
	DateLayout = "2006-01-02"
)

// Interval represents the chart series sampling interval.
type Interval int

const (
	Daily Interval = iota
	Weekly
	Monthly
)

// ParseInterval parses the provided string into an interval.
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	default:
		return Daily, fmt.Errorf("unknown interval provided: %q", s)
	}
}

// String stringifies the provided interval.
func (i Interval) String() string {
	switch i {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// Valid asserts the interval is a known one.
func (i Interval) Valid() bool {
	return i >= Daily && i <= Monthly
}

// ChartPoint represents a single day of a historical OHLCV series.
type ChartPoint struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// FormatDate formats the provided time as a chart point date.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// IsDate reports whether the provided string is a chart point date.
func IsDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// SortSeries orders the provided points by ascending date and drops duplicate
// dates, keeping the first occurrence.
func SortSeries(points []ChartPoint) []ChartPoint {
	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(a, b ChartPoint) int {
		return strings.Compare(a.Date, b.Date)
	})

	return slices.CompactFunc(sorted, func(a, b ChartPoint) bool {
		return a.Date == b.Date
	})
}

// ValidateSeries asserts the series dates are well formed and strictly increasing.
func ValidateSeries(points []ChartPoint) error {
	for idx := range points {
		_, err := time.Parse(DateLayout, points[idx].Date)
		if err != nil {
			return fmt.Errorf("parsing chart point date %q: %w", points[idx].Date, err)
		}
		if idx > 0 && points[idx].Date <= points[idx-1].Date {
			return fmt.Errorf("chart point %s does not follow %s", points[idx].Date, points[idx-1].Date)
		}
	}

	return nil
}

package shared

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Interval
		wantErr bool
	}{
		{"daily", "daily", Daily, false},
		{"empty defaults to daily", "", Daily, false},
		{"weekly mixed case", "Weekly", Weekly, false},
		{"monthly", "monthly", Monthly, false},
		{"unknown", "hourly", Daily, true},
	}

	for _, test := range tests {
		got, err := ParseInterval(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("%s: expected error %v, got %v", test.name, test.wantErr, err)
		}
		if got != test.want {
			t.Errorf("%s: expected %v, got %v", test.name, test.want, got)
		}
	}

	assert.Equal(t, Weekly.String(), "weekly")
	assert.Equal(t, Interval(9).String(), "unknown")
	assert.False(t, Interval(9).Valid())
}

func TestSortSeries(t *testing.T) {
	points := []ChartPoint{
		{Date: "2025-01-03", Close: 3},
		{Date: "2025-01-01", Close: 1},
		{Date: "2025-01-02", Close: 2},
		{Date: "2025-01-01", Close: 9},
	}

	sorted := SortSeries(points)
	assert.Equal(t, len(sorted), 3)
	assert.Equal(t, sorted[0].Date, "2025-01-01")
	assert.Equal(t, sorted[0].Close, float64(1))
	assert.Equal(t, sorted[2].Date, "2025-01-03")
	assert.NoError(t, ValidateSeries(sorted))

	// Ensure the input is left untouched.
	assert.Equal(t, points[0].Date, "2025-01-03")
}

func TestValidateSeries(t *testing.T) {
	assert.NoError(t, ValidateSeries(nil))
	assert.Error(t, ValidateSeries([]ChartPoint{{Date: "2025-01-02"}, {Date: "2025-01-02"}}))
	assert.Error(t, ValidateSeries([]ChartPoint{{Date: "2025-01-02"}, {Date: "2025-01-01"}}))
	assert.Error(t, ValidateSeries([]ChartPoint{{Date: "2025-01-02T10:00:00"}}))

	assert.True(t, IsDate("2025-02-04"))
	assert.False(t, IsDate("2025-02-04 15:05:00"))

	now := time.Date(2025, time.February, 4, 15, 5, 0, 0, time.UTC)
	assert.Equal(t, FormatDate(now), "2025-02-04")
}

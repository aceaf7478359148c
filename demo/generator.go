package demo

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dnldd/finboard/shared"
)

const (
	// SeriesLength is the number of daily points in a generated series.
	SeriesLength = 365
	// DefaultBasePrice is the base price used when none is known for a symbol.
	DefaultBasePrice = 100.0
	// DefaultBaseVolume is the base volume used when none is known for a symbol.
	DefaultBaseVolume = 10_000_000
	// maxPriceVariation is the maximum relative deviation of a close from the base price.
	maxPriceVariation = 0.03
)

// GeneratorConfig represents the configuration for the series generator.
type GeneratorConfig struct {
	// Table is the snapshot table base prices and volumes are drawn from.
	// Defaults to the embedded table.
	Table *Table
	// Rand is the source of randomness. Defaults to a randomly seeded source.
	Rand *rand.Rand
	// Now returns the current time. Defaults to time.Now when nil.
	Now func() time.Time
}

// Generator produces synthetic daily series for symbols without a historical
// data provider.
type Generator struct {
	cfg *GeneratorConfig
	mtx sync.Mutex
}

// NewGenerator initializes a new series generator.
func NewGenerator(cfg *GeneratorConfig) *Generator {
	if cfg == nil {
		cfg = &GeneratorConfig{}
	}
	if cfg.Table == nil {
		cfg.Table = Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Generator{cfg: cfg}
}

// float64 returns a random value in [0, 1).
func (g *Generator) float64() float64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	return g.cfg.Rand.Float64()
}

// Generate returns 365 daily points ending today for the provided symbol. The
// base price comes from the snapshot table, else defaultPrice, else 100.
func (g *Generator) Generate(symbol string, defaultPrice float64) []shared.ChartPoint {
	basePrice := DefaultBasePrice
	if defaultPrice > 0 {
		basePrice = defaultPrice
	}

	baseVolume := float64(DefaultBaseVolume)
	if q, ok := g.cfg.Table.Lookup(symbol); ok {
		if q.Price > 0 {
			basePrice = q.Price
		}
		if q.Volume > 0 {
			baseVolume = float64(q.Volume)
		}
	}

	now := g.cfg.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	points := make([]shared.ChartPoint, 0, SeriesLength)
	for i := SeriesLength - 1; i >= 0; i-- {
		variation := (g.float64()*2 - 1) * maxPriceVariation
		dayPrice := basePrice * (1 + variation)

		points = append(points, shared.ChartPoint{
			Date:   shared.FormatDate(today.AddDate(0, 0, -i)),
			Open:   shared.Round2(dayPrice * 0.995),
			High:   shared.Round2(dayPrice * 1.02),
			Low:    shared.Round2(dayPrice * 0.98),
			Close:  shared.Round2(dayPrice),
			Volume: int64(math.Floor(baseVolume * (0.8 + g.float64()*0.4))),
		})
	}

	return points
}

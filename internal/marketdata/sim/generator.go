// Package sim generates synthetic klines and serves them with the exchange's
// wire formats, so the recorder can run end to end without market access.
package sim

import (
	"math"
	"math/rand"
	"time"

	"kline-recorder/internal/model"
)

// GeneratorConfig configures the random walk.
type GeneratorConfig struct {
	Interval   model.Interval
	StartPrice float64   // defaults to 25660
	Start      time.Time // open time of the first candle
	Seed       int64     // 0 means time-based
	Steps      int       // price moves per candle, defaults to 20
}

// Generator produces consecutive closed candles.
type Generator struct {
	step  time.Duration
	steps int
	rng   *rand.Rand
	price float64
	next  time.Time
}

// NewGenerator creates a generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 25660
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 20
	}
	step := cfg.Interval.Duration()
	return &Generator{
		step:  step,
		steps: cfg.Steps,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		price: cfg.StartPrice,
		next:  cfg.Start.Truncate(step).UTC(),
	}
}

// NextOpen returns the open time of the candle Next will produce.
func (g *Generator) NextOpen() time.Time { return g.next }

// Next returns the next closed candle and advances the clock by one interval.
func (g *Generator) Next() model.Candle {
	c := model.Candle{
		OpenTime: g.next,
		Open:     g.price,
		High:     g.price,
		Low:      g.price,
		Closed:   true,
	}
	for i := 0; i < g.steps; i++ {
		g.price = g.walk(g.price)
		c.High = math.Max(c.High, g.price)
		c.Low = math.Min(c.Low, g.price)
		qty := float64(g.rng.Intn(100) + 1)
		c.Volume += qty
		c.Trades += int64(g.rng.Intn(5) + 1)
	}
	c.Close = g.price
	g.next = g.next.Add(g.step)
	return c
}

// History returns n consecutive candles.
func (g *Generator) History(n int) []model.Candle {
	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Next())
	}
	return out
}

// walk applies a small random move (±0.1%), rounded to cents.
func (g *Generator) walk(price float64) float64 {
	pct := (g.rng.Float64()*0.2 - 0.1) / 100.0
	p := math.Round(price*(1+pct)*100) / 100
	if p < 0.01 {
		p = 0.01
	}
	return p
}

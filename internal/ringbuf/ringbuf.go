// Package ringbuf provides the bounded rolling window of OHLCV observations that
// indicators are computed from. Five parallel series share one ring index, so
// they always hold the same number of elements.
//
// A Window is not goroutine-safe: it has a single owner that both writes and reads.
package ringbuf

// Series is a chronological copy of the window contents, oldest first.
type Series struct {
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// Len returns the number of observations in the series.
func (s Series) Len() int {
	return len(s.Close)
}

// Window is a fixed-capacity FIFO of observations. Pushing beyond capacity
// overwrites the oldest observation.
type Window struct {
	open, high, low, close, volume []float64

	head  int // next write position
	count int // valid entries, <= capacity
}

// New creates a window holding at most capacity observations.
// Capacities below 1 are clamped to 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		open:   make([]float64, capacity),
		high:   make([]float64, capacity),
		low:    make([]float64, capacity),
		close:  make([]float64, capacity),
		volume: make([]float64, capacity),
	}
}

// Push appends one observation, evicting the oldest when full.
// Values are stored as given; NaN or negative volume are the caller's concern.
func (w *Window) Push(open, high, low, close, volume float64) {
	w.open[w.head] = open
	w.high[w.head] = high
	w.low[w.head] = low
	w.close[w.head] = close
	w.volume[w.head] = volume

	w.head = (w.head + 1) % len(w.close)
	if w.count < len(w.close) {
		w.count++
	}
}

// Snapshot copies the five series out in insertion order.
func (w *Window) Snapshot() Series {
	return Series{
		Open:   w.ordered(w.open),
		High:   w.ordered(w.high),
		Low:    w.ordered(w.low),
		Close:  w.ordered(w.close),
		Volume: w.ordered(w.volume),
	}
}

// ordered unrolls one ring into a fresh slice, oldest first.
func (w *Window) ordered(ring []float64) []float64 {
	out := make([]float64, w.count)
	start := w.head - w.count
	if start < 0 {
		start += len(ring)
	}
	for i := 0; i < w.count; i++ {
		out[i] = ring[(start+i)%len(ring)]
	}
	return out
}

// Len returns the current number of observations.
func (w *Window) Len() int {
	return w.count
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.close)
}

// Reset empties the window without releasing its storage.
func (w *Window) Reset() {
	w.head = 0
	w.count = 0
}

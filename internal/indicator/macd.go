package indicator

// macd returns the newest MACD line, signal and histogram the way TA-Lib seeds
// them. Both price EMAs start at index slow-1, each from the SMA of its own
// period ending there, and the signal EMA runs only over the defined part of
// the MACD line. go-talib's Macd seeds the fast EMA earlier and averages the
// zero-padded prefix into the signal, which skews every value until the
// window is several hundred points long.
//
// The caller guarantees len(closes) >= slow+signal-1.
func macd(closes []float64, fast, slow, signal int) (line, sig, hist float64) {
	if fast > slow {
		fast, slow = slow, fast
	}
	start := slow - 1
	slowEMA := seededEMA(closes, slow, start)
	fastEMA := seededEMA(closes, fast, start)

	m := make([]float64, len(closes)-start)
	for i := range m {
		m[i] = fastEMA[start+i] - slowEMA[start+i]
	}
	s := seededEMA(m, signal, signal-1)

	k := len(m) - 1
	return m[k], s[k], m[k] - s[k]
}

// seededEMA fills out[start:] with an EMA whose first value is the SMA of
// vals[start-period+1 : start+1]. Entries before start are left at zero.
func seededEMA(vals []float64, period, start int) []float64 {
	out := make([]float64, len(vals))
	var sum float64
	for i := start - period + 1; i <= start; i++ {
		sum += vals[i]
	}
	prev := sum / float64(period)
	out[start] = prev

	k := 2 / float64(period+1)
	for i := start + 1; i < len(vals); i++ {
		prev = (vals[i]-prev)*k + prev
		out[i] = prev
	}
	return out
}

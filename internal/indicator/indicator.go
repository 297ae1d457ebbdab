// Package indicator implements side-effect-free technical indicators over
// float64 series. Every function returns a new slice aligned with its input;
// entries that are not yet defined (warm-up) are NaN and never imputed.
package indicator

import "math"

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA returns the simple moving average over window bars. An output entry is
// NaN when its window is incomplete or contains NaN.
func SMA(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	if window <= 0 {
		return out
	}
	var sum float64
	bad := 0
	for i, v := range x {
		if math.IsNaN(v) {
			bad++
		} else {
			sum += v
		}
		if i >= window {
			old := x[i-window]
			if math.IsNaN(old) {
				bad--
			} else {
				sum -= old
			}
		}
		if i >= window-1 && bad == 0 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// RollingStd returns the sample standard deviation (n-1) over window bars.
func RollingStd(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	if window < 2 {
		return out
	}
	mean := SMA(x, window)
	for i := window - 1; i < len(x); i++ {
		if math.IsNaN(mean[i]) {
			continue
		}
		var ss float64
		for _, v := range x[i-window+1 : i+1] {
			d := v - mean[i]
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(window-1))
	}
	return out
}

// RollingMax returns the maximum over window bars, NaN until the window is
// complete.
func RollingMax(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	if window <= 0 {
		return out
	}
	for i := window - 1; i < len(x); i++ {
		m := math.Inf(-1)
		ok := true
		for _, v := range x[i-window+1 : i+1] {
			if math.IsNaN(v) {
				ok = false
				break
			}
			m = max(m, v)
		}
		if ok {
			out[i] = m
		}
	}
	return out
}

// EMA returns the exponential moving average with smoothing 2/(span+1). The
// first defined value is the SMA of the first span non-NaN inputs, so leading
// NaNs (for example a MACD line still warming up) are skipped.
func EMA(x []float64, span int) []float64 {
	out := nanSlice(len(x))
	if span <= 0 {
		return out
	}
	first := -1
	for i, v := range x {
		if !math.IsNaN(v) {
			first = i
			break
		}
	}
	if first < 0 || first+span > len(x) {
		return out
	}
	alpha := 2 / float64(span+1)
	var seed float64
	for _, v := range x[first : first+span] {
		seed += v
	}
	prev := seed / float64(span)
	if math.IsNaN(prev) {
		return out
	}
	out[first+span-1] = prev
	for i := first + span; i < len(x); i++ {
		if math.IsNaN(x[i]) {
			continue
		}
		prev = alpha*x[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// RSI returns the Wilder relative strength index. The first window entries
// are NaN. A window with gains and no losses reads 100; a window with
// neither is undefined.
func RSI(close []float64, window int) []float64 {
	out := nanSlice(len(close))
	if window <= 0 || len(close) <= window {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= window; i++ {
		g, l := gainLoss(close[i] - close[i-1])
		avgGain += g
		avgLoss += l
	}
	avgGain /= float64(window)
	avgLoss /= float64(window)
	out[window] = rsiValue(avgGain, avgLoss)

	w := float64(window)
	for i := window + 1; i < len(close); i++ {
		g, l := gainLoss(close[i] - close[i-1])
		avgGain = (avgGain*(w-1) + g) / w
		avgLoss = (avgLoss*(w-1) + l) / w
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func gainLoss(d float64) (float64, float64) {
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func rsiValue(gain, loss float64) float64 {
	switch {
	case math.IsNaN(gain) || math.IsNaN(loss):
		return math.NaN()
	case loss == 0 && gain == 0:
		return math.NaN()
	case loss == 0:
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// MACD returns the MACD line (EMA fast minus EMA slow), its signal EMA and
// the histogram.
func MACD(close []float64, fast, slow, signal int) (line, sig, hist []float64) {
	f := EMA(close, fast)
	s := EMA(close, slow)
	line = make([]float64, len(close))
	for i := range close {
		line[i] = f[i] - s[i]
	}
	sig = EMA(line, signal)
	hist = make([]float64, len(close))
	for i := range close {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// Bollinger returns the upper, middle and lower bands: SMA(window) plus and
// minus k sample standard deviations.
func Bollinger(close []float64, window int, k float64) (upper, middle, lower []float64) {
	middle = SMA(close, window)
	sd := RollingStd(close, window)
	upper = make([]float64, len(close))
	lower = make([]float64, len(close))
	for i := range close {
		upper[i] = middle[i] + k*sd[i]
		lower[i] = middle[i] - k*sd[i]
	}
	return upper, middle, lower
}

// ATR returns the Wilder average true range. True range needs the previous
// close, so the first defined value is at index window.
func ATR(high, low, close []float64, window int) []float64 {
	n := len(close)
	out := nanSlice(n)
	if window <= 0 || n <= window || len(high) != n || len(low) != n {
		return out
	}
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = max(high[i]-low[i], math.Abs(high[i]-close[i-1]), math.Abs(low[i]-close[i-1]))
	}
	var avg float64
	for i := 1; i <= window; i++ {
		avg += tr[i]
	}
	avg /= float64(window)
	out[window] = avg
	w := float64(window)
	for i := window + 1; i < n; i++ {
		avg = (avg*(w-1) + tr[i]) / w
		out[i] = avg
	}
	return out
}

// VolumeRatio returns volume over its rolling mean (current bar included).
func VolumeRatio(volume []float64, window int) []float64 {
	mean := SMA(volume, window)
	out := nanSlice(len(volume))
	for i, m := range mean {
		if math.IsNaN(m) || m == 0 {
			continue
		}
		out[i] = volume[i] / m
	}
	return out
}

// Diff returns x[i] - x[i-1]; the first entry is NaN.
func Diff(x []float64) []float64 {
	out := nanSlice(len(x))
	for i := 1; i < len(x); i++ {
		out[i] = x[i] - x[i-1]
	}
	return out
}

// PctChange returns x[i]/x[i-1] - 1; the first entry is NaN, as is any entry
// whose previous value is zero.
func PctChange(x []float64) []float64 {
	out := nanSlice(len(x))
	for i := 1; i < len(x); i++ {
		if x[i-1] == 0 {
			continue
		}
		out[i] = x[i]/x[i-1] - 1
	}
	return out
}

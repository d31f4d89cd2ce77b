package indicators

import "math"

// ATR returns the average true range over period, using an SMA of the
// true range series (Wilder's original uses a smoothed average; this
// engine follows the simple-average variant, consistent with the rest
// of the package's SMA-based indicators).
func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) < period+1 || len(lows) < period+1 || len(closes) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		tr := math.Max(
			highs[i]-lows[i],
			math.Max(
				math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1]),
			),
		)
		trs = append(trs, tr)
	}

	return SMA(trs, period)
}

// ATRCandles is ATR over a candle slice.
func ATRCandles(c []Candle, period int) float64 {
	highs := make([]float64, len(c))
	lows := make([]float64, len(c))
	cl := make([]float64, len(c))
	for i, k := range c {
		highs[i] = k.High
		lows[i] = k.Low
		cl[i] = k.Close
	}
	return ATR(highs, lows, cl, period)
}

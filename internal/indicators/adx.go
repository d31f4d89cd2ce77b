package indicators

import "math"

// ADX returns the Wilder average directional index over period. It
// needs at least 2*period+1 candles to produce a smoothed value; with
// fewer it returns 0, which callers treat as "gate not satisfied"
// rather than a false pass.
func ADX(c []Candle, period int) float64 {
	n := len(c)
	if n < 2*period+1 {
		return 0
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)

	for i := 1; i < n; i++ {
		upMove := c[i].High - c[i-1].High
		downMove := c[i-1].Low - c[i].Low

		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}

		tr[i] = math.Max(
			c[i].High-c[i].Low,
			math.Max(
				math.Abs(c[i].High-c[i-1].Close),
				math.Abs(c[i].Low-c[i-1].Close),
			),
		)
	}

	smoothedTR := wilderSmooth(tr, period)
	smoothedPlusDM := wilderSmooth(plusDM, period)
	smoothedMinusDM := wilderSmooth(minusDM, period)

	dx := make([]float64, 0, len(smoothedTR))
	for i := range smoothedTR {
		if smoothedTR[i] == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * smoothedPlusDM[i] / smoothedTR[i]
		minusDI := 100 * smoothedMinusDM[i] / smoothedTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*math.Abs(plusDI-minusDI)/sum)
	}

	return wilderSmoothLast(dx, period)
}

// wilderSmooth applies Wilder's running smoothing to series (first
// `period` values summed as the seed, then recurrence
// smoothed[i] = smoothed[i-1] - smoothed[i-1]/period + v[i]), skipping
// the leading zero-index element which has no prior bar to diff against.
func wilderSmooth(series []float64, period int) []float64 {
	if len(series) <= period {
		return nil
	}

	var seed float64
	for i := 1; i <= period; i++ {
		seed += series[i]
	}

	out := make([]float64, 0, len(series)-period)
	out = append(out, seed)
	prev := seed
	for i := period + 1; i < len(series); i++ {
		prev = prev - prev/float64(period) + series[i]
		out = append(out, prev)
	}
	return out
}

// wilderSmoothLast smooths dx the same way and returns only the final
// (most recent) ADX value.
func wilderSmoothLast(dx []float64, period int) float64 {
	if len(dx) < period {
		return 0
	}
	adx := average(dx[:period])
	for i := period; i < len(dx); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}
	return adx
}

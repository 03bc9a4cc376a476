package strategy

import "github.com/kpLEE-HYU/krader/internal/schema"

type series struct {
	open, high, low, close []float64
}

func seriesOf(candles []schema.Candle) series {
	s := series{
		open:  make([]float64, len(candles)),
		high:  make([]float64, len(candles)),
		low:   make([]float64, len(candles)),
		close: make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.open[i] = c.Open.InexactFloat64()
		s.high[i] = c.High.InexactFloat64()
		s.low[i] = c.Low.InexactFloat64()
		s.close[i] = c.Close.InexactFloat64()
	}
	return s
}

// ema is seeded with the simple average of the first period values; earlier
// entries are zero.
func ema(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	out := make([]float64, len(values))
	k := 2.0 / float64(period+1)
	var sum, cur float64
	for i, v := range values {
		switch {
		case i < period-1:
			sum += v
		case i == period-1:
			sum += v
			cur = sum / float64(period)
			out[i] = cur
		default:
			cur = (v-cur)*k + cur
			out[i] = cur
		}
	}
	return out
}

// rsi uses Wilder's smoothing; entries without enough data read 50.
func rsi(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = 50
	}
	if len(values) < period+1 {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)

	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(period-1) + up) / float64(period)
		loss = (loss*float64(period-1) + down) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

func last(values []float64, def float64) float64 {
	if len(values) == 0 {
		return def
	}
	return values[len(values)-1]
}

package scanner

import (
	"math"

	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/indicators"
	"binance-signal-engine/internal/signal"
)

// Weights of the quality score components
type Weights struct {
	Trend       float64
	Volume      float64
	Momentum    float64
	Pattern     float64
	Correlation float64
}

// DefaultWeights returns trend 2.0, volume 1.0, momentum 1.0, pattern 1.5, correlation 0.5
func DefaultWeights() Weights {
	return Weights{Trend: 2.0, Volume: 1.0, Momentum: 1.0, Pattern: 1.5, Correlation: 0.5}
}

func (w Weights) total() float64 {
	return w.Trend + w.Volume + w.Momentum + w.Pattern + w.Correlation
}

// Volume ratio range mapped onto [0,1]
const (
	volumeFloor = 0.8
	volumeFull  = 1.5
)

// minTrendVotes of the six trend checks must agree for a direction
const minTrendVotes = 4

// QualityScore is the normalized weighted sum of the factors, in [0,100]
func QualityScore(f Factors, w Weights) float64 {
	total := w.total()
	if total <= 0 {
		return 0
	}
	sum := w.Trend*f.Trend + w.Volume*f.Volume + w.Momentum*f.Momentum +
		w.Pattern*f.Pattern + w.Correlation*f.Correlation
	return clamp(sum/total*100, 0, 100)
}

// trendVotes counts EMA stack, price over EMA20 and MACD flag on both timeframes
func trendVotes(h1, h4 indicators.Bundle) (bull, bear int) {
	for _, b := range []indicators.Bundle{h1, h4} {
		switch {
		case b.EMA20 > b.EMA50:
			bull++
		case b.EMA20 < b.EMA50:
			bear++
		}
		switch {
		case b.Close > b.EMA20:
			bull++
		case b.Close < b.EMA20:
			bear++
		}
		if b.MACD.Bullish {
			bull++
		}
		if b.MACD.Bearish {
			bear++
		}
	}
	return bull, bear
}

// TrendDirection derives the side from trend alignment; ok is false when neither
// side holds a clear majority of the checks.
func TrendDirection(h1, h4 indicators.Bundle) (dir signal.Direction, trend float64, ok bool) {
	bull, bear := trendVotes(h1, h4)
	switch {
	case bull >= minTrendVotes && bull > bear:
		return signal.Buy, float64(bull) / 6, true
	case bear >= minTrendVotes && bear > bull:
		return signal.Sell, float64(bear) / 6, true
	}
	return "", 0, false
}

func volumeFactor(h1 indicators.Bundle) float64 {
	ratio := h1.VolumeRatio()
	if !indicators.Known(ratio) {
		return 0
	}
	return clamp((ratio-volumeFloor)/(volumeFull-volumeFloor), 0, 1)
}

// momentumFactor rewards RSI in the trend zone without being stretched and a
// histogram on the signal's side.
func momentumFactor(h1 indicators.Bundle, dir signal.Direction) float64 {
	rsi := h1.RSI
	if dir == signal.Sell {
		rsi = 100 - rsi
	}
	var r float64
	switch {
	case !indicators.Known(rsi):
	case rsi >= 50 && rsi <= 70:
		r = 1
	case rsi > 70 && rsi <= 80:
		r = 0.5
	}
	var h float64
	if indicators.Known(h1.MACD.Histogram) && h1.MACD.Histogram*dir.Sign() > 0 {
		h = 1
	}
	return (r + h) / 2
}

// patternFactor scores where the close sits against the pivot levels and
// whether the last bar closed in the signal's direction.
func patternFactor(h1 indicators.Bundle, last binance.Kline, dir signal.Direction) float64 {
	var level float64
	p := h1.Pivot
	if indicators.Known(p.P) {
		switch dir {
		case signal.Buy:
			if h1.Close > p.R1 {
				level = 1
			} else if h1.Close > p.P {
				level = 0.6
			}
		case signal.Sell:
			if h1.Close < p.S1 {
				level = 1
			} else if h1.Close < p.P {
				level = 0.6
			}
		}
	}
	var bar float64
	if (last.Close-last.Open)*dir.Sign() > 0 {
		bar = 1
	}
	return (level + bar) / 2
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

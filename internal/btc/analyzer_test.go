package btc

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/indicators"
	"binance-signal-engine/internal/signal"
)

var barEnd = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func rising(n int, base float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base * math.Pow(1.01, float64(i))
	}
	return out
}

func falling(n int, base float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base - 2000*math.Pow(1.02, float64(i))
	}
	return out
}

func walk(n int, base float64) []float64 {
	out := make([]float64, n)
	out[0] = base
	for i := 1; i < n; i++ {
		out[i] = out[i-1] * (1 + 0.01*math.Sin(float64(i)*1.7))
	}
	return out
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *binance.MockClient, *clock.Fake) {
	t.Helper()
	mock := binance.NewMockClient()
	clk := clock.NewFake(barEnd.Add(30 * time.Second))
	return NewAnalyzer(mock, clk, DefaultConfig(), nil, nil), mock, clk
}

func TestCurrentBullishWhenTimeframesAgree(t *testing.T) {
	a, mock, _ := newTestAnalyzer(t)
	mock.SetKlines("BTCUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, rising(120, 60000), 100))
	mock.SetKlines("BTCUSDT", TF4h, binance.BuildCloseSeries(barEnd, TF4h, rising(120, 50000), 400))

	cur, err := a.Current(context.Background())
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur.Trend != signal.TrendBullish {
		t.Errorf("Expected BULLISH, got %s", cur.Trend)
	}
	if cur.H1.Alignment != AlignmentBullish || cur.H4.Alignment != AlignmentBullish {
		t.Errorf("Expected bullish EMA alignment, got %s/%s", cur.H1.Alignment, cur.H4.Alignment)
	}
	if !cur.MomentumAligned {
		t.Error("Expected momentum aligned across timeframes")
	}
	if cur.Strength <= 0 || cur.Strength > 100 {
		t.Errorf("Expected strength in (0,100], got %v", cur.Strength)
	}
	if !cur.H1.BarClose.Equal(barEnd) {
		t.Errorf("Expected bar close %v, got %v", barEnd, cur.H1.BarClose)
	}
}

func TestCurrentNeutralWhenTimeframesDisagree(t *testing.T) {
	a, mock, _ := newTestAnalyzer(t)
	mock.SetKlines("BTCUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, falling(120, 40000), 100))
	mock.SetKlines("BTCUSDT", TF4h, binance.BuildCloseSeries(barEnd, TF4h, rising(120, 50000), 400))

	cur, err := a.Current(context.Background())
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur.H1.Trend != signal.TrendBearish {
		t.Errorf("Expected 1h BEARISH, got %s", cur.H1.Trend)
	}
	if cur.H4.Trend != signal.TrendBullish {
		t.Errorf("Expected 4h BULLISH, got %s", cur.H4.Trend)
	}
	if cur.Trend != signal.TrendNeutral {
		t.Errorf("Expected NEUTRAL on disagreement, got %s", cur.Trend)
	}
	if cur.MomentumAligned {
		t.Error("Expected momentum not aligned")
	}
	want := 0.6*cur.H4.Strength + 0.4*cur.H1.Strength
	if math.Abs(cur.Strength-want) > 1e-9 {
		t.Errorf("Expected weighted strength %v, got %v", want, cur.Strength)
	}
}

func TestAnalysisCachedUntilNextBar(t *testing.T) {
	a, mock, clk := newTestAnalyzer(t)
	mock.SetKlines("BTCUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, rising(120, 60000), 100))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.Analysis(ctx, TF1h); err != nil {
			t.Fatalf("Analysis failed: %v", err)
		}
	}
	if got := mock.Calls("klines", "BTCUSDT"); got != 1 {
		t.Errorf("Expected 1 fetch while cached, got %d", got)
	}

	clk.Advance(time.Hour)
	if _, err := a.Analysis(ctx, TF1h); err != nil {
		t.Fatalf("Analysis failed: %v", err)
	}
	if got := mock.Calls("klines", "BTCUSDT"); got != 2 {
		t.Errorf("Expected refetch after the next bar closed, got %d fetches", got)
	}
}

func TestAnalysisInsufficientBars(t *testing.T) {
	a, mock, _ := newTestAnalyzer(t)
	mock.SetKlines("BTCUSDT", TF4h, binance.BuildCloseSeries(barEnd, TF4h, rising(30, 50000), 400))

	_, err := a.Analysis(context.Background(), TF4h)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
	if _, err := a.Analysis(context.Background(), "15m"); err == nil {
		t.Error("Expected error for unsupported timeframe")
	}
}

func TestCorrelation(t *testing.T) {
	a, mock, _ := newTestAnalyzer(t)
	btcCloses := walk(101, 60000)
	mock.SetKlines("BTCUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, btcCloses, 100))

	follower := make([]float64, len(btcCloses))
	inverse := make([]float64, len(btcCloses))
	for i, c := range btcCloses {
		follower[i] = c / 1000
		inverse[i] = 1e9 / c
	}
	mock.SetKlines("ETHUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, follower, 100))
	mock.SetKlines("INVUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, inverse, 100))

	ctx := context.Background()
	eth, err := a.Correlation(ctx, "ETHUSDT")
	if err != nil {
		t.Fatalf("Correlation failed: %v", err)
	}
	if math.Abs(eth.R-1) > 1e-9 {
		t.Errorf("Expected r=1 for a scaled copy, got %v", eth.R)
	}
	if eth.Samples != 99 {
		t.Errorf("Expected 99 returns from 100 bars, got %d", eth.Samples)
	}

	inv, err := a.Correlation(ctx, "INVUSDT")
	if err != nil {
		t.Fatalf("Correlation failed: %v", err)
	}
	if math.Abs(inv.R+1) > 1e-9 {
		t.Errorf("Expected r=-1 for an inverse series, got %v", inv.R)
	}

	self, _ := a.Correlation(ctx, "BTCUSDT")
	if self.R != 1 {
		t.Errorf("Expected BTC self correlation 1, got %v", self.R)
	}
}

func TestCorrelationCachedForTTL(t *testing.T) {
	a, mock, clk := newTestAnalyzer(t)
	closes := walk(101, 60000)
	mock.SetKlines("BTCUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, closes, 100))
	mock.SetKlines("SOLUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, closes, 100))

	ctx := context.Background()
	a.Correlation(ctx, "SOLUSDT")
	clk.Advance(59 * time.Minute)
	a.Correlation(ctx, "SOLUSDT")
	if got := mock.Calls("klines", "SOLUSDT"); got != 1 {
		t.Errorf("Expected cached correlation, got %d fetches", got)
	}

	clk.Advance(2 * time.Minute)
	a.Correlation(ctx, "SOLUSDT")
	if got := mock.Calls("klines", "SOLUSDT"); got != 2 {
		t.Errorf("Expected recompute after TTL, got %d fetches", got)
	}
}

func TestCorrelationInsufficientData(t *testing.T) {
	a, mock, _ := newTestAnalyzer(t)
	mock.SetKlines("BTCUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, walk(101, 60000), 100))
	mock.SetKlines("NEWUSDT", TF1h, binance.BuildCloseSeries(barEnd, TF1h, []float64{1, 1.1}, 100))

	if _, err := a.Correlation(context.Background(), "NEWUSDT"); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestClassifyCorrelationStrength(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	tests := []struct {
		r    float64
		want CorrelationStrength
	}{
		{0.85, CorrelationStrong},
		{0.7, CorrelationStrong},
		{-0.75, CorrelationStrong},
		{0.5, CorrelationModerate},
		{0.4, CorrelationModerate},
		{-0.45, CorrelationModerate},
		{0.39, CorrelationWeak},
		{0, CorrelationWeak},
	}
	for _, tt := range tests {
		if got := a.ClassifyCorrelationStrength(tt.r); got != tt.want {
			t.Errorf("ClassifyCorrelationStrength(%v): expected %s, got %s", tt.r, tt.want, got)
		}
	}
}

func TestFilter(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	bearish := Consolidated{Trend: signal.TrendBearish, Strength: 70}

	if !a.filter(0.85, bearish, signal.Buy) {
		t.Error("Expected BUY filtered when strongly correlated and BTC strongly bearish")
	}
	if a.filter(0.85, bearish, signal.Sell) {
		t.Error("Expected SELL to pass when BTC is bearish")
	}
	if a.filter(0.5, bearish, signal.Buy) {
		t.Error("Expected moderate correlation to pass")
	}
	weak := bearish
	weak.Strength = 59
	if a.filter(0.85, weak, signal.Buy) {
		t.Error("Expected weak BTC trend to pass")
	}
	if a.filter(0.9, Consolidated{Trend: signal.TrendNeutral, Strength: 90}, signal.Buy) {
		t.Error("Expected neutral BTC to pass")
	}
}

func TestScore(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	bull := Consolidated{Trend: signal.TrendBullish, Strength: 80, MomentumAligned: true}
	bear := Consolidated{Trend: signal.TrendBearish, Strength: 80, MomentumAligned: true}
	neutral := Consolidated{Trend: signal.TrendNeutral}

	tests := []struct {
		name string
		r    float64
		cur  Consolidated
		dir  signal.Direction
		want float64
	}{
		{"aligned and correlated clamps to 30", 0.85, bull, signal.Buy, 30},
		{"opposed and correlated clamps to 0", 0.85, bear, signal.Buy, 0},
		{"neutral stays at base", 0.9, neutral, signal.Buy, 15},
		{"negative correlation benefits from opposition", -0.6, bear, signal.Buy, 5},
		{"weak correlation ignores correlation term", 0.1, bull, signal.Buy, 30},
		{"sell aligned with bearish btc", 0.5, bear, signal.Sell, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.score(tt.r, tt.cur, tt.dir); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestConsolidatePivotBroken(t *testing.T) {
	h1 := Snapshot{Price: 101, PrevClose: 99, Pivot: indicators.Pivot{P: 100, R1: 102, S1: 98}}
	h4 := Snapshot{}
	if !Consolidate(h1, h4).PivotBroken {
		t.Error("Expected pivot broken when closes straddle P")
	}
	h1.PrevClose = 100.5
	if Consolidate(h1, h4).PivotBroken {
		t.Error("Expected pivot intact when both closes are above P")
	}
}

func TestPearsonConstantSample(t *testing.T) {
	if r := Pearson([]float64{1, 1, 1}, []float64{1, 2, 3}); r != 0 {
		t.Errorf("Expected 0 for a constant sample, got %v", r)
	}
}

package confirmation

import (
	"testing"
	"time"

	"binance-signal-engine/internal/btc"
	"binance-signal-engine/internal/signal"
)

func pendingBuy(now time.Time) *signal.Signal {
	return &signal.Signal{
		ID:           "sig",
		Symbol:       "ETHUSDT",
		Direction:    signal.Buy,
		EntryPrice:   2000,
		TargetPrice:  2060,
		QualityScore: 85,
		CreatedAt:    now.Add(-time.Hour),
		ExpiresAt:    now.Add(3 * time.Hour),
		Status:       signal.StatusPending,
	}
}

func TestBreakoutBoundary(t *testing.T) {
	now := barEnd.Add(time.Minute)
	th := DefaultThresholds()

	tests := []struct {
		price float64
		want  bool
	}{
		{2010, true},   // exactly 0.5 %
		{2009.9, false},
		{2020, true},
	}
	for _, tt := range tests {
		c := Assess(pendingBuy(now), Market{Price: tt.price, Klines: bars(0, 100), Now: now}, th)
		got := len(c.Confirmations) > 0 && c.Confirmations[0] == signal.BreakoutConfirmed
		if got != tt.want {
			t.Errorf("Price %v: expected breakout=%v, got %v", tt.price, tt.want, c.Confirmations)
		}
	}
}

func TestReversalBoundary(t *testing.T) {
	now := barEnd.Add(time.Minute)
	c := Assess(pendingBuy(now), Market{Price: 1980, Klines: bars(0, 100), Now: now}, DefaultThresholds())
	if len(c.Rejections) != 1 || c.Rejections[0] != signal.ReversalDetected {
		t.Errorf("Expected reversal at exactly 1%%, got %v", c.Rejections)
	}
}

func TestVolumeCriteria(t *testing.T) {
	now := barEnd.Add(time.Minute)
	th := DefaultThresholds()

	high := Assess(pendingBuy(now), Market{Price: 2000, Klines: bars(0, 200), Now: now}, th)
	if len(high.Confirmations) != 1 || high.Confirmations[0] != signal.VolumeConfirmed {
		t.Errorf("Expected VOLUME_CONFIRMED, got %v", high.Confirmations)
	}
	low := Assess(pendingBuy(now), Market{Price: 2000, Klines: bars(0, 10), Now: now}, th)
	if len(low.Rejections) != 1 || low.Rejections[0] != signal.VolumeInsufficient {
		t.Errorf("Expected VOLUME_INSUFFICIENT, got %v", low.Rejections)
	}
	none := Assess(pendingBuy(now), Market{Price: 2000, Now: now}, th)
	if len(none.Confirmations) != 0 || len(none.Rejections) != 0 {
		t.Errorf("Expected no volume verdict without bars, got %+v", none)
	}
}

func TestBTCNeutralNeedsEliteScore(t *testing.T) {
	now := barEnd.Add(time.Minute)
	th := DefaultThresholds()
	m := Market{Price: 2000, Klines: bars(0, 100), BTC: btc.Consolidated{Trend: signal.TrendNeutral}, Now: now}

	sig := pendingBuy(now)
	if c := Assess(sig, m, th); len(c.Confirmations) != 0 {
		t.Errorf("Expected no alignment for score 85, got %v", c.Confirmations)
	}
	sig.QualityScore = 90
	if c := Assess(sig, m, th); len(c.Confirmations) != 1 || c.Confirmations[0] != signal.BTCAligned {
		t.Errorf("Expected BTC_ALIGNED for an elite score, got %v", c.Confirmations)
	}
}

func TestBTCOppositeNeedsStrength(t *testing.T) {
	now := barEnd.Add(time.Minute)
	th := DefaultThresholds()
	m := Market{Price: 2000, Klines: bars(0, 100), BTC: btc.Consolidated{Trend: signal.TrendBearish, Strength: 59.9}, Now: now}
	if c := Assess(pendingBuy(now), m, th); len(c.Rejections) != 0 {
		t.Errorf("Expected weak opposing BTC ignored, got %v", c.Rejections)
	}
	m.BTC.Strength = 60
	if c := Assess(pendingBuy(now), m, th); len(c.Rejections) != 1 || c.Rejections[0] != signal.BTCOpposite {
		t.Errorf("Expected BTC_OPPOSITE at strength 60, got %v", c.Rejections)
	}
}

func TestMomentumSustained(t *testing.T) {
	up := bars(1, 100)
	if !momentumSustained(up, signal.Buy) || momentumSustained(up, signal.Sell) {
		t.Error("Expected rising bars to sustain BUY only")
	}
	mixed := bars(0, 100)
	mixed[len(mixed)-1].Close = 2001
	if momentumSustained(mixed, signal.Buy) {
		t.Error("Expected one rising bar out of three to be insufficient")
	}
	if momentumSustained(up[:2], signal.Buy) {
		t.Error("Expected fewer than three bars to be insufficient")
	}
}

func TestDecide(t *testing.T) {
	th := DefaultThresholds()
	conf3 := []signal.Criterion{signal.BreakoutConfirmed, signal.VolumeConfirmed, signal.BTCAligned}

	tests := []struct {
		name       string
		c          Criteria
		wantStatus signal.Status
		wantReason signal.Criterion
	}{
		{"nothing", Criteria{}, signal.StatusPending, ""},
		{"two confirmations", Criteria{Confirmations: conf3[:2]}, signal.StatusPending, ""},
		{"three confirmations", Criteria{Confirmations: conf3}, signal.StatusConfirmed, ""},
		{
			"confirmation wins over rejection",
			Criteria{Confirmations: conf3, Rejections: []signal.Criterion{signal.VolumeInsufficient, signal.BTCOpposite}},
			signal.StatusConfirmed, "",
		},
		{
			"two rejections",
			Criteria{Rejections: []signal.Criterion{signal.VolumeInsufficient, signal.BTCOpposite}},
			signal.StatusRejected, signal.VolumeInsufficient,
		},
		{
			"timeout alone",
			Criteria{Rejections: []signal.Criterion{signal.TimeoutExpired}, Timeout: true},
			signal.StatusExpired, signal.TimeoutExpired,
		},
		{
			"timeout beats confirmation",
			Criteria{Confirmations: conf3, Rejections: []signal.Criterion{signal.TimeoutExpired}, Timeout: true},
			signal.StatusExpired, signal.TimeoutExpired,
		},
		{
			"timeout with another rejection",
			Criteria{Rejections: []signal.Criterion{signal.ReversalDetected, signal.TimeoutExpired}, Timeout: true},
			signal.StatusRejected, signal.ReversalDetected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.c, th)
			if d.Status != tt.wantStatus || d.TerminalReason != tt.wantReason {
				t.Errorf("Expected %s/%s, got %s/%s", tt.wantStatus, tt.wantReason, d.Status, d.TerminalReason)
			}
		})
	}
}

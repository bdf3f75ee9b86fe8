package signal

import (
	"errors"
	"testing"
	"time"
)

func validBuy() *Signal {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return &Signal{
		ID:           "sig-1",
		Symbol:       "ETHUSDT",
		Direction:    Buy,
		EntryPrice:   2000,
		TargetPrice:  2060,
		StopLoss:     1970,
		QualityScore: 85,
		Class:        ClassPremium,
		Timeframe:    "1h",
		CreatedAt:    created,
		ExpiresAt:    created.Add(4 * time.Hour),
		Status:       StatusPending,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Signal)
		ok     bool
	}{
		{"valid buy", func(s *Signal) {}, true},
		{"valid sell", func(s *Signal) { s.Direction = Sell; s.TargetPrice = 1940 }, true},
		{"buy target below entry", func(s *Signal) { s.TargetPrice = 1990 }, false},
		{"sell target above entry", func(s *Signal) { s.Direction = Sell }, false},
		{"score above 100", func(s *Signal) { s.QualityScore = 100.5 }, false},
		{"score exactly 100", func(s *Signal) { s.QualityScore = 100 }, true},
		{"negative score", func(s *Signal) { s.QualityScore = -1 }, false},
		{"bad direction", func(s *Signal) { s.Direction = "HOLD" }, false},
		{"correlation out of range", func(s *Signal) { s.BTCCorrelation = 1.2 }, false},
		{"expiry before creation", func(s *Signal) { s.ExpiresAt = s.CreatedAt }, false},
		{"empty id", func(s *Signal) { s.ID = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validBuy()
			tt.mutate(s)
			err := s.Validate()
			if tt.ok && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.IsTerminal() {
		t.Error("PENDING must not be terminal")
	}
	for _, s := range []Status{StatusConfirmed, StatusRejected, StatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	if _, err := ParseStatus("ARCHIVED"); err == nil {
		t.Error("Expected unknown status to fail parsing")
	}
}

func TestTrendDirection(t *testing.T) {
	if !TrendBullish.Matches(Buy) || !TrendBearish.Opposes(Buy) || !TrendBullish.Opposes(Sell) {
		t.Error("Unexpected trend/direction relation")
	}
	if TrendNeutral.Matches(Buy) || TrendNeutral.Opposes(Sell) {
		t.Error("NEUTRAL neither matches nor opposes")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := validBuy()
	now := s.CreatedAt
	s.ConfirmedAt = &now
	s.ConfirmationReasons = []Criterion{BreakoutConfirmed}

	c := s.Clone()
	c.ConfirmationReasons[0] = VolumeConfirmed
	*c.ConfirmedAt = now.Add(time.Hour)

	if s.ConfirmationReasons[0] != BreakoutConfirmed || !s.ConfirmedAt.Equal(now) {
		t.Error("Clone shares memory with original")
	}
}

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/signal"
)

type stubNotifier struct {
	name    string
	enabled bool
	err     error
	got     []*Notification
}

func (s *stubNotifier) Send(ctx context.Context, n *Notification) error {
	s.got = append(s.got, n)
	return s.err
}
func (s *stubNotifier) Name() string    { return s.name }
func (s *stubNotifier) IsEnabled() bool { return s.enabled }

func TestManagerSkipsDisabledAndJoinsErrors(t *testing.T) {
	m := NewManager(nil, nil)
	ok := &stubNotifier{name: "ok", enabled: true}
	off := &stubNotifier{name: "off"}
	bad := &stubNotifier{name: "bad", enabled: true, err: errors.New("boom")}
	m.AddNotifier(ok)
	m.AddNotifier(off)
	m.AddNotifier(bad)

	err := m.Send(context.Background(), "title", "body", SeverityWarning)
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Errorf("Expected joined provider error, got %v", err)
	}
	if len(ok.got) != 1 || ok.got[0].Severity != SeverityWarning {
		t.Errorf("Expected delivery to enabled provider, got %+v", ok.got)
	}
	if len(off.got) != 0 {
		t.Error("Expected disabled provider skipped")
	}
	if names := m.Enabled(); len(names) != 2 {
		t.Errorf("Expected 2 enabled providers, got %v", names)
	}
}

func confirmedSignal() *signal.Signal {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return &signal.Signal{
		ID:                  "sig-1",
		Symbol:              "ETHUSDT",
		Direction:           signal.Buy,
		EntryPrice:          2000,
		TargetPrice:         2060,
		StopLoss:            1970,
		QualityScore:        88,
		BTCTrend:            signal.TrendBullish,
		BTCCorrelation:      0.82,
		Status:              signal.StatusConfirmed,
		ConfirmationReasons: []signal.Criterion{signal.BreakoutConfirmed, signal.VolumeConfirmed, signal.BTCAligned},
		ConfirmedAt:         &at,
	}
}

func TestConfirmedNotification(t *testing.T) {
	n := ConfirmedNotification(confirmedSignal())
	if n.Title != "ETHUSDT BUY confirmed" {
		t.Errorf("Unexpected title %q", n.Title)
	}
	if !strings.Contains(n.Body, "BREAKOUT_CONFIRMED, VOLUME_CONFIRMED, BTC_ALIGNED") {
		t.Errorf("Expected reasons in body, got %q", n.Body)
	}
	if n.Data["signal_id"] != "sig-1" {
		t.Errorf("Expected signal id in data, got %v", n.Data)
	}
}

func TestDiscordNotifier(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(config.DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	if err := d.Send(context.Background(), ConfirmedNotification(confirmedSignal())); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	embeds, _ := payload["embeds"].([]interface{})
	if len(embeds) != 1 {
		t.Fatalf("Expected 1 embed, got %v", payload)
	}
	embed := embeds[0].(map[string]interface{})
	if embed["title"] != "ETHUSDT BUY confirmed" {
		t.Errorf("Unexpected embed title %v", embed["title"])
	}
}

func TestDiscordNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(config.DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	if err := d.Send(context.Background(), &Notification{Title: "x"}); err == nil {
		t.Error("Expected error on 429")
	}
	if NewDiscordNotifier(config.DiscordConfig{Enabled: true}).IsEnabled() {
		t.Error("Expected notifier without webhook to be disabled")
	}
}

type fakeBot struct {
	sent []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifier(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegramNotifier(bot, 4242)
	if err := tg.Send(context.Background(), &Notification{Title: "BTC_USDT", Body: "body", Severity: SeverityCritical}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(bot.sent))
	}
	msg := bot.sent[0].(tgbotapi.MessageConfig)
	if msg.ChatID != 4242 {
		t.Errorf("Expected chat 4242, got %d", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "BTC\\_USDT") {
		t.Errorf("Expected escaped markdown, got %q", msg.Text)
	}

	disabled, err := NewTelegramNotifier(config.TelegramConfig{})
	if err != nil || disabled.IsEnabled() {
		t.Errorf("Expected disabled notifier without error, got %v", err)
	}
}

type fakeMessaging struct {
	sent []*messaging.Message
}

func (f *fakeMessaging) Send(ctx context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m)
	return "projects/x/messages/1", nil
}

func TestFCMNotifier(t *testing.T) {
	client := &fakeMessaging{}
	f := &FCMNotifier{client: client, topic: "confirmed-signals"}
	if err := f.Send(context.Background(), ConfirmedNotification(confirmedSignal())); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(client.sent))
	}
	m := client.sent[0]
	if m.Topic != "confirmed-signals" || m.Data["symbol"] != "ETHUSDT" || m.Data["severity"] != "info" {
		t.Errorf("Unexpected message %+v", m)
	}
}

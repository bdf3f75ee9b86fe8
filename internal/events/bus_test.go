package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"binance-signal-engine/internal/signal"
)

func TestPublishReachesTypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	var wg sync.WaitGroup
	wg.Add(2)

	var typed, all Event
	bus.Subscribe(EventSignalConfirmed, func(e Event) { typed = e; wg.Done() })
	bus.SubscribeAll(func(e Event) { all = e; wg.Done() })
	bus.Subscribe(EventSignalRejected, func(e Event) { t.Errorf("Unexpected delivery of %s", e.Type) })

	sig := &signal.Signal{ID: "sig-1", Symbol: "ETHUSDT", Status: signal.StatusConfirmed}
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	bus.PublishSignal(EventSignalConfirmed, sig, at)
	wg.Wait()

	if typed.Signal == nil || typed.Signal.ID != "sig-1" {
		t.Errorf("Expected typed subscriber to receive sig-1, got %+v", typed)
	}
	if !all.Timestamp.Equal(at) {
		t.Errorf("Expected timestamp %v, got %v", at, all.Timestamp)
	}
	if typed.Signal == sig {
		t.Error("Expected published signal to be a copy")
	}
}

func TestTypeForStatus(t *testing.T) {
	tests := map[signal.Status]EventType{
		signal.StatusConfirmed: EventSignalConfirmed,
		signal.StatusRejected:  EventSignalRejected,
		signal.StatusExpired:   EventSignalExpired,
		signal.StatusPending:   EventSignalCreated,
	}
	for status, want := range tests {
		if got := TypeForStatus(status); got != want {
			t.Errorf("TypeForStatus(%s): expected %s, got %s", status, want, got)
		}
	}
}

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaSinkWrite(t *testing.T) {
	w := &recordingWriter{}
	sink := NewKafkaSinkWithWriter(w, "signal-decisions", nil)

	e := Event{
		Type:      EventSignalExpired,
		Timestamp: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Signal:    &signal.Signal{ID: "sig-2", Symbol: "SOLUSDT", Status: signal.StatusExpired},
	}
	if err := sink.Write(context.Background(), e); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "signal-decisions" || string(msg.Key) != "SOLUSDT" {
		t.Errorf("Unexpected topic/key %s/%s", msg.Topic, msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Invalid payload: %v", err)
	}
	if decoded.Type != EventSignalExpired || decoded.Signal.ID != "sig-2" {
		t.Errorf("Unexpected payload %+v", decoded)
	}
}

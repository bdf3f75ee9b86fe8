package notification

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"binance-signal-engine/config"
)

// messagingClient is the subset of *messaging.Client used here
type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier pushes to a Firebase Cloud Messaging topic
type FCMNotifier struct {
	client messagingClient
	topic  string
}

// NewFCMNotifier initializes the Firebase app from a service account file
func NewFCMNotifier(ctx context.Context, cfg config.FCMConfig) (*FCMNotifier, error) {
	if !cfg.Enabled {
		return &FCMNotifier{}, nil
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return &FCMNotifier{client: client, topic: cfg.Topic}, nil
}

func (f *FCMNotifier) Name() string {
	return "fcm"
}

func (f *FCMNotifier) IsEnabled() bool {
	return f.client != nil && f.topic != ""
}

func (f *FCMNotifier) Send(ctx context.Context, n *Notification) error {
	if !f.IsEnabled() {
		return nil
	}

	priority := "normal"
	if n.Severity != SeverityInfo {
		priority = "high"
	}
	data := make(map[string]string, len(n.Data)+1)
	for k, v := range n.Data {
		data[k] = v
	}
	data["severity"] = string(n.Severity)

	message := &messaging.Message{
		Topic: f.topic,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: priority,
			Notification: &messaging.AndroidNotification{
				ChannelID: "signal_alerts",
			},
		},
	}
	if _, err := f.client.Send(ctx, message); err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	return nil
}

// Package notifier
package notifier

import "context"

// Notifier interface for sending operator alerts (e.g., Telegram).
type Notifier interface {
	Send(ctx context.Context, msg string) error
	SendWithRetry(ctx context.Context, msg string) error
}

// Noop drops every message.
type Noop struct{}

func (Noop) Send(context.Context, string) error          { return nil }
func (Noop) SendWithRetry(context.Context, string) error { return nil }

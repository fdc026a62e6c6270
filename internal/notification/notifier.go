// Package notification delivers human-readable feed events to external
// channels (Telegram, webhooks, the log).
package notification

import (
	"context"
	"errors"
	"log"
)

// Channel is a logical notification destination.
type Channel string

const (
	ChannelLogs   Channel = "logs"   // lifecycle and data-added messages
	ChannelErrors Channel = "errors" // failures
)

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Notify delivers text to ch. Returns error if delivery fails.
	Notify(ctx context.Context, text string, ch Channel) error
}

// LogNotifier writes notifications to the log (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, text string, ch Channel) error {
	log.Printf("[notify] [%s] %s", ch, text)
	return nil
}

// MultiNotifier fans a notification out to every backend.
type MultiNotifier struct {
	backends []Notifier
}

// NewMultiNotifier combines backends. Nil entries are skipped.
func NewMultiNotifier(backends ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, b := range backends {
		if b != nil {
			m.backends = append(m.backends, b)
		}
	}
	return m
}

// Notify delivers to all backends and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, text string, ch Channel) error {
	var errs []error
	for _, b := range m.backends {
		if err := b.Notify(ctx, text, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of backends.
func (m *MultiNotifier) Len() int { return len(m.backends) }

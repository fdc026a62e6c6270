package notification

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrQueueFull is returned by Dispatcher.Notify when the message was dropped.
var ErrQueueFull = errors.New("notification queue full")

// ErrDispatcherClosed is returned by Dispatcher.Notify after Close.
var ErrDispatcherClosed = errors.New("notification dispatcher closed")

type message struct {
	text string
	ch   Channel
}

// Dispatcher delivers notifications from a single background worker so a slow
// or failing backend never stalls the caller. Messages keep their order; when
// the queue is full new messages are dropped.
type Dispatcher struct {
	next        Notifier
	queue       chan message
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	// OnDrop is called when a message is dropped because the queue is full.
	OnDrop func(ch Channel)
	// OnError is called when the backend fails to deliver a message.
	OnError func(ch Channel, err error)
}

// NewDispatcher starts a dispatcher in front of next with a queue of size messages.
func NewDispatcher(next Notifier, size int) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		next:        next,
		queue:       make(chan message, size),
		sendTimeout: 15 * time.Second,
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues text for delivery and returns immediately.
// ctx is not used for delivery: a message accepted here is sent even if the
// caller's context is cancelled afterwards.
func (d *Dispatcher) Notify(_ context.Context, text string, ch Channel) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- message{text: text, ch: ch}:
		return nil
	default:
		if d.OnDrop != nil {
			d.OnDrop(ch)
		} else {
			log.Printf("[notify] queue full, dropping %s message", ch)
		}
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for m := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := d.next.Notify(ctx, m.text, m.ch)
		cancel()
		if err == nil {
			continue
		}
		if d.OnError != nil {
			d.OnError(m.ch, err)
		} else {
			log.Printf("[notify] %s delivery failed: %v", m.ch, err)
		}
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Close stops accepting messages and waits for the queue to drain or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		log.Printf("[notify] close deadline hit with %d messages pending", len(d.queue))
		return ctx.Err()
	}
}

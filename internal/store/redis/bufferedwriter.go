package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"kline-recorder/internal/model"
)

// RecordWriter is the sink wrapped by BufferedWriter. *Writer implements it.
type RecordWriter interface {
	WriteRecord(ctx context.Context, rec model.Record) error
}

// ErrWriterClosed is returned by Close when called twice.
var ErrWriterClosed = errors.New("buffered writer closed")

const publishQueueSize = 256

// BufferedWriter publishes records from a single background worker through a
// circuit breaker. Publish only enqueues, so a slow or unreachable Redis never
// holds up the caller. Records that cannot be written wait in a bounded backlog
// and are retried in order, ahead of anything newer. Nothing is reported back
// to the caller; Redis is a side channel and SQLite stays the source of truth.
type BufferedWriter struct {
	writer RecordWriter
	cb     *CircuitBreaker
	ctx    context.Context

	queue      chan model.Record
	maxBuf     int // max backlog before dropping oldest (default: 10000)
	retryEvery time.Duration
	pending    atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	// Callbacks, invoked from the worker except OnDrop on a full queue.
	OnBuffer func()          // a record could not be written and is waiting
	OnDrop   func()          // a record was discarded
	OnFlush  func(count int) // waiting records were written
}

// NewBufferedWriter starts a BufferedWriter in front of w. ctx is used for the
// writes themselves. The backlog is retried whenever a record arrives and
// every breaker reset timeout.
func NewBufferedWriter(ctx context.Context, w RecordWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	retry := cb.resetTimeout
	if retry <= 0 {
		retry = time.Second
	}
	bw := &BufferedWriter{
		writer:     w,
		cb:         cb,
		ctx:        ctx,
		queue:      make(chan model.Record, publishQueueSize),
		maxBuf:     maxBufferSize,
		retryEvery: retry,
		done:       make(chan struct{}),
	}
	go bw.run()
	return bw
}

// Publish hands rec to the worker and returns immediately. When the queue is
// full the record is dropped.
func (bw *BufferedWriter) Publish(rec model.Record) {
	bw.mu.RLock()
	defer bw.mu.RUnlock()
	if bw.closed {
		return
	}

	bw.pending.Add(1)
	select {
	case bw.queue <- rec:
	default:
		bw.pending.Add(-1)
		log.Printf("[buffered-writer] queue full, dropping ts=%d", rec.Timestamp())
		if bw.OnDrop != nil {
			bw.OnDrop()
		}
	}
}

func (bw *BufferedWriter) run() {
	defer close(bw.done)
	ticker := time.NewTicker(bw.retryEvery)
	defer ticker.Stop()

	var backlog []model.Record
	for {
		select {
		case rec, ok := <-bw.queue:
			if !ok {
				if len(backlog) > 0 {
					log.Printf("[buffered-writer] stopped with %d unsent records", len(backlog))
				}
				return
			}
			backlog = bw.add(backlog, rec)
			replay := len(backlog) > 1

			var sent int
			backlog, sent = bw.flush(backlog)
			if replay {
				bw.flushed(sent)
			}
			if len(backlog) > 0 && bw.OnBuffer != nil {
				bw.OnBuffer()
			}
		case <-ticker.C:
			if len(backlog) == 0 {
				continue
			}
			var sent int
			backlog, sent = bw.flush(backlog)
			bw.flushed(sent)
		}
	}
}

func (bw *BufferedWriter) add(backlog []model.Record, rec model.Record) []model.Record {
	if len(backlog) >= bw.maxBuf {
		// Backlog full, drop oldest
		backlog = backlog[1:]
		bw.pending.Add(-1)
		if bw.OnDrop != nil {
			bw.OnDrop()
		}
	}
	return append(backlog, rec)
}

// flush writes backlog in order through the breaker and returns what is left.
// It stops at the first failure so no record overtakes an older one.
func (bw *BufferedWriter) flush(backlog []model.Record) ([]model.Record, int) {
	sent := 0
	for _, rec := range backlog {
		err := bw.cb.Execute(func() error {
			return bw.writer.WriteRecord(bw.ctx, rec)
		})
		if err != nil {
			if !errors.Is(err, ErrCircuitOpen) {
				log.Printf("[buffered-writer] publish ts=%d failed: %v", rec.Timestamp(), err)
			}
			break
		}
		sent++
	}
	if sent == 0 {
		return backlog, 0
	}
	bw.pending.Add(-int64(sent))
	return append(backlog[:0], backlog[sent:]...), sent
}

func (bw *BufferedWriter) flushed(n int) {
	if n == 0 {
		return
	}
	log.Printf("[buffered-writer] flushed %d buffered records", n)
	if bw.OnFlush != nil {
		bw.OnFlush(n)
	}
}

// PendingCount returns the number of accepted records not yet written.
func (bw *BufferedWriter) PendingCount() int {
	return int(bw.pending.Load())
}

// Close stops accepting records, lets the worker make one pass over the queue
// and waits for it to finish or for ctx to expire. Records still failing after
// that pass are discarded.
func (bw *BufferedWriter) Close(ctx context.Context) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	bw.closed = true
	close(bw.queue)
	bw.mu.Unlock()

	select {
	case <-bw.done:
		return nil
	case <-ctx.Done():
		log.Printf("[buffered-writer] close deadline hit with %d records pending", bw.PendingCount())
		return ctx.Err()
	}
}

package feed

import "errors"

// State is the feed lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateBackfilling
	StateLive
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrTransport wraps connection failures, stream drops and backfill failures.
	ErrTransport = errors.New("transport failure")

	// ErrOutOfOrder marks a closed candle older than the window head.
	ErrOutOfOrder = errors.New("out-of-order candle")

	// ErrAppendFailed ends Run when a record could not be persisted after retries.
	ErrAppendFailed = errors.New("record append failed")

	// ErrReconnectLimit ends Run after too many consecutive failed sessions.
	ErrReconnectLimit = errors.New("reconnect limit reached")
)

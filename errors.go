package digitizer

import (
	"fmt"
	"sync"
)

// ErrorKind labels the broad category of a reported error, mirroring
// gr-digitizers' digitizer_block_errc enum so driver and engine failures
// can be told apart without string matching.
type ErrorKind int

const (
	// ErrStopped reports a cooperative end of stream: WaitReady on a chunk
	// pool closed by Block.Disarm, or a rapid-block run whose trigger_once
	// trigger has already fired.
	ErrStopped ErrorKind = iota
	// ErrInterrupted is returned when a blocking wait was cancelled via
	// context, not because data became ready or an error was posted.
	ErrInterrupted
	// ErrWatchdog reports the observed sample rate dropped below the
	// 0.75x threshold of the configured rate.
	ErrWatchdog
	// ErrDriver wraps a driver-supplied failure code and message.
	ErrDriver
	// ErrInvalidConfig is returned by Configure when settings fail
	// validation.
	ErrInvalidConfig
	// ErrInvalidState is returned when a lifecycle method is called out
	// of its required order.
	ErrInvalidState
	// ErrOutOfRange is returned for channel/port ids outside the
	// supported hardware limits.
	ErrOutOfRange
)

func (k ErrorKind) String() string {
	switch k {
	case ErrStopped:
		return "stopped"
	case ErrInterrupted:
		return "interrupted"
	case ErrWatchdog:
		return "watchdog"
	case ErrDriver:
		return "driver"
	case ErrInvalidConfig:
		return "invalid_config"
	case ErrInvalidState:
		return "invalid_state"
	case ErrOutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned throughout the package. It
// carries an ErrorKind so callers can switch on category, and an optional
// wrapped cause for driver errors.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("digitizer: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("digitizer: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds an *Error of the given kind.
func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// newDriverError wraps a driver failure, grounded on error_buffer_t's role
// in digitizer_block_impl.h of surfacing driver error codes to the caller.
func newDriverError(msg string, cause error) *Error {
	return &Error{Kind: ErrDriver, Message: msg, Cause: cause}
}

// ErrorRecord pairs a reported error with the UTC nanosecond timestamp it
// was observed at.
type ErrorRecord struct {
	TimestampNS int64
	Err         error
}

// ErrorRing is a mutex-guarded, fixed-capacity ring of ErrorRecords,
// grounded on original_source's error_buffer_t (boost::circular_buffer +
// mutex, push/get-and-clear semantics).
type ErrorRing struct {
	mu   sync.Mutex
	ring *Ring[ErrorRecord]
}

// defaultErrorRingCapacity matches spec.md §4.H's 128-entry ring.
const defaultErrorRingCapacity = 128

// NewErrorRing constructs a ring at the default 128-entry capacity.
func NewErrorRing() *ErrorRing {
	return &ErrorRing{ring: NewRing[ErrorRecord](defaultErrorRingCapacity)}
}

// Push appends one error record, overwriting the oldest if the ring is
// full.
func (r *ErrorRing) Push(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.PushBack(ErrorRecord{TimestampNS: nowNanoUTC(), Err: err})
}

// Drain removes and returns every currently buffered record, oldest
// first, clearing the ring.
func (r *ErrorRing) Drain() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorRecord, 0, r.ring.Len())
	for r.ring.Len() > 0 {
		out = append(out, r.ring.PopFront())
	}
	return out
}

// Len reports how many records are currently buffered.
func (r *ErrorRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Len()
}

package digitizer

import "testing"

func TestErrorRingPushDrain(t *testing.T) {
	r := NewErrorRing()
	r.Push(newError(ErrDriver, "one"))
	r.Push(newError(ErrWatchdog, "two"))
	if r.Len() != 2 {
		t.Fatalf("expected 2 buffered errors, got %d", r.Len())
	}
	records := r.Drain()
	if len(records) != 2 {
		t.Fatalf("expected 2 drained records, got %d", len(records))
	}
	if r.Len() != 0 {
		t.Errorf("expected ring empty after Drain, got %d", r.Len())
	}
}

func TestErrorRingOverwritesOldestBeyondCapacity(t *testing.T) {
	r := NewErrorRing()
	for i := 0; i < defaultErrorRingCapacity+10; i++ {
		r.Push(newError(ErrInvalidConfig, "x"))
	}
	if r.Len() != defaultErrorRingCapacity {
		t.Errorf("expected ring capped at %d, got %d", defaultErrorRingCapacity, r.Len())
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrStopped:       "stopped",
		ErrInterrupted:   "interrupted",
		ErrWatchdog:      "watchdog",
		ErrDriver:        "driver",
		ErrInvalidConfig: "invalid_config",
		ErrInvalidState:  "invalid_state",
		ErrOutOfRange:    "out_of_range",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

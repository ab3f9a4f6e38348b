package digitizer

import "testing"

func TestTimeRealignmentMatchWithinTolerance(t *testing.T) {
	tr := NewTimeRealignment(0.001, 1.0) // 1ms tolerance, 1s max buffer
	if err := tr.AddTimingEvent("ev0", 1000, 1_000_000_500); err != nil {
		t.Fatalf("AddTimingEvent failed: %v", err)
	}
	corrected, status, forward := tr.Apply(1_000_000_000)
	if !forward {
		t.Fatalf("expected forward=true once an event is queued")
	}
	if status != ChannelStatusOK {
		t.Errorf("expected clean match status, got %d", status)
	}
	if corrected != 1000 {
		t.Errorf("expected corrected timestamp to be the event's corrected stamp 1000, got %d", corrected)
	}
}

func TestTimeRealignmentOutOfToleranceAdvancesAndFlagsStatus(t *testing.T) {
	tr := NewTimeRealignment(0.0000001, 1.0) // 100ns tolerance: first event won't match
	tr.AddTimingEvent("ev0", 1, 5_000_000_000)
	tr.AddTimingEvent("ev1", 2, 1_000_000_000)
	corrected, status, forward := tr.Apply(1_000_000_000)
	if !forward {
		t.Fatalf("expected forward=true")
	}
	if status&ChannelStatusWRTimeout == 0 {
		t.Errorf("expected timeout status bit set after skipping mismatched event")
	}
	if corrected != 2 {
		t.Errorf("expected match against second event's corrected stamp 2, got %d", corrected)
	}
}

func TestTimeRealignmentNoEventBuffersThenTimesOut(t *testing.T) {
	tr := NewTimeRealignment(0.001, 0) // max_buffer_time=0 -> any elapsed wait times out
	_, _, forward := tr.Apply(123456)
	if forward {
		t.Fatalf("expected first call with no queued event to buffer, not forward")
	}
	// A second call, any measurable time later, exceeds the zero buffer budget.
	_, status, forward := tr.Apply(123456)
	if !forward {
		t.Fatalf("expected second call to time out and forward")
	}
	if status&ChannelStatusWRTimeout == 0 {
		t.Errorf("expected timeout status bit set")
	}
}

func TestTimeRealignmentRingFullReturnsError(t *testing.T) {
	tr := NewTimeRealignment(0.001, 1.0)
	for i := 0; i < wrRealignmentRingCapacity; i++ {
		if err := tr.AddTimingEvent("ev", int64(i), int64(i)); err != nil {
			t.Fatalf("unexpected error filling ring: %v", err)
		}
	}
	if err := tr.AddTimingEvent("overflow", 99, 99); err == nil {
		t.Errorf("expected error once the ring is full (writer caught up to reader)")
	}
}

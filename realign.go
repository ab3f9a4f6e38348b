package digitizer

import (
	"sync"

	"go.uber.org/atomic"
)

// wrRealignmentRingCapacity matches time_realignment_cpu's
// d_wr_events_size(10): "Maximum buffer of 10 WR-Events".
const wrRealignmentRingCapacity = 10

// TimeRealignment matches incoming trigger timestamps against a bounded
// queue of external timing events (e.g. White Rabbit), correcting the
// trigger's timestamp to the matched event's and OR-ing in status bits
// when no match is found — grounded verbatim on
// original_source/blocklib/digitizers/time_realignment/time_realignment_cpu.cc's
// fill_wr_stamp/add_timing_event.
//
// The original's single combined read/write iterator (which aliases
// "buffer empty" with "write caught up to read") is inverted here into
// two independent atomic cursors over a fixed array, per SPEC_FULL.md
// §4.G/§5: the read side (Apply) never takes a lock, only AddTimingEvent
// does.
type TimeRealignment struct {
	events [wrRealignmentRingCapacity]TimingEvent

	writeMu    sync.Mutex
	writeCount atomic.Uint64
	readCount  atomic.Uint64

	notFoundStampUTCNS atomic.Int64

	toleranceNS int64
	maxBufferNS int64
}

// NewTimeRealignment builds a realignment stage with the given
// matching tolerance and max-buffer-time, both in seconds (spec.md §4.G's
// matching_tolerance_s/max_buffer_time_s), converted to nanoseconds to
// match the original's *_ns members.
func NewTimeRealignment(matchingToleranceS, maxBufferTimeS float64) *TimeRealignment {
	return &TimeRealignment{
		toleranceNS: int64(matchingToleranceS * 1e9),
		maxBufferNS: int64(maxBufferTimeS * 1e9),
	}
}

// AddTimingEvent enqueues one external timing event. Returns an error if
// the ring is full (the writer has caught up to the reader, meaning too
// few triggers have been matched to keep up — "to few trigger tags" in
// the original's own error text).
func (t *TimeRealignment) AddTimingEvent(eventID string, triggerStampNS, triggerStampUTCNS int64) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	w := t.writeCount.Load()
	r := t.readCount.Load()
	if w-r >= wrRealignmentRingCapacity {
		return newError(ErrOutOfRange, "time realignment: write iter reached read iter, too few trigger tags")
	}
	t.events[w%wrRealignmentRingCapacity] = TimingEvent{
		EventID:           eventID,
		TriggerStampNS:    triggerStampNS,
		TriggerStampUTCNS: triggerStampUTCNS,
	}
	t.writeCount.Add(1)
	return nil
}

// Apply attempts to match triggerTimestampUTCNS against the queued
// timing events. forward reports whether the trigger tag should be
// emitted now: false means no event is queued yet and the tag should be
// buffered for a later retry (unless/until the max-buffer-time timeout
// elapses). When forward is true, correctedNS is the timestamp to use
// (replaced by the matched event's corrected stamp on a clean match, or
// left as the input when no event matched) and status carries the
// ChannelStatusWRTimeout bit if the wait timed out or any queued event
// was discarded for falling outside the matching tolerance.
func (t *TimeRealignment) Apply(triggerTimestampUTCNS int64) (correctedNS int64, status ChannelStatus, forward bool) {
	for {
		w := t.writeCount.Load()
		r := t.readCount.Load()
		if w == r {
			// No WR event queued yet for this trigger.
			now := nowNanoUTC()
			notFound := t.notFoundStampUTCNS.Load()
			if notFound == 0 {
				notFound = now
				t.notFoundStampUTCNS.Store(now)
			}
			if abs64(now-notFound) > t.maxBufferNS {
				t.notFoundStampUTCNS.Store(0)
				return triggerTimestampUTCNS, ChannelStatusWRTimeout, true
			}
			return 0, 0, false
		}

		ev := t.events[r%wrRealignmentRingCapacity]
		delta := abs64(triggerTimestampUTCNS - ev.TriggerStampUTCNS)
		if delta > t.toleranceNS {
			status |= ChannelStatusWRTimeout
			t.readCount.Add(1)
			if t.writeCount.Load() == t.readCount.Load() {
				// Write caught up to read: forward with bad status, no match found.
				return triggerTimestampUTCNS, status, true
			}
			continue
		}

		t.notFoundStampUTCNS.Store(0)
		t.readCount.Add(1)
		return ev.TriggerStampNS, status, true
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

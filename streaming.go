package digitizer

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PollerState tracks the streaming poll goroutine's lifecycle, grounded
// verbatim on original_source/blocklib/digitizers/lib/digitizer_block_impl.h's
// poller_state_t (IDLE/RUNNING/EXIT/PEND_EXIT/PEND_IDLE).
type PollerState int32

const (
	PollerIdle PollerState = iota
	PollerRunning
	PollerPendIdle
	PollerPendExit
	PollerExit
)

func (s PollerState) String() string {
	switch s {
	case PollerIdle:
		return "idle"
	case PollerRunning:
		return "running"
	case PollerPendIdle:
		return "pend_idle"
	case PollerPendExit:
		return "pend_exit"
	case PollerExit:
		return "exit"
	default:
		return "unknown"
	}
}

// watchdogRateThreshold matches WATCHDOG_SAMPLE_RATE_THRESHOLD = 0.75
// from digitizer_block_impl.h: the observed rate must stay at or above
// 75% of the configured rate.
const watchdogRateThreshold = 0.75

// pollStateReloadEvery matches digitizer_block_impl.cc's poll_work_function,
// which reloads the poller state under its mutex only once every 10 loop
// iterations rather than on every pass.
const pollStateReloadEvery = 10

// pollTeardownTimeout bounds how long stop() waits for the poll loop's
// PendExit -> Exit acknowledgement, per spec.md §5: "a 5-second timeout;
// exceeding it proceeds with join regardless."
const pollTeardownTimeout = 5 * time.Second

// pendingChunk holds one filled chunk whose trigger offsets have been
// detected but not yet emitted, because too few timing messages were
// queued to pair with them 1:1 (spec.md §4.E step 5).
type pendingChunk struct {
	handle         ChunkHandle
	offsets        []uint64
	triggerEnabled bool
	lost           int
}

// streamingEngine drives one Driver in streaming mode: a poll goroutine
// pumps the driver (paced by a rate.Limiter per SPEC_FULL.md §3), the
// driver's own goroutine invokes the streaming callback which fills and
// publishes pool chunks, and a work-step goroutine drains the pool,
// running trigger detection, time realignment, and watchdog tracking.
// Grounded on digitizer_block_impl.cc's poll_work_function/work_stream.
type streamingEngine struct {
	driver  Driver
	pool    *ChunkPool
	cfg     BlockConfig
	sink    Sink
	errs    *ErrorRing
	realign *TimeRealignment
	pending *ConcurrentQueue[PendingTimingMessage]

	channels []ChannelSetting
	ports    []PortSetting
	layout   ChunkLayout

	analogDetectors  map[int]*AnalogTriggerDetector // keyed by enabled-channel index
	digitalDetectors []*DigitalTriggerDetector

	state atomic.Int32 // PollerState

	pollMu   sync.Mutex
	pollCond *sync.Cond

	rateFilter       *AverageFilter
	lastRateSampleNS atomic.Int64

	samplesWritten uint64
	timebaseSent   bool

	carry *pendingChunk
}

func newStreamingEngine(driver Driver, pool *ChunkPool, cfg BlockConfig, sink Sink, errs *ErrorRing, realign *TimeRealignment, pending *ConcurrentQueue[PendingTimingMessage]) *streamingEngine {
	e := &streamingEngine{
		driver:          driver,
		pool:            pool,
		cfg:             cfg,
		sink:            sink,
		errs:            errs,
		realign:         realign,
		pending:         pending,
		rateFilter:      NewAverageFilter(16),
		analogDetectors: make(map[int]*AnalogTriggerDetector),
		layout:          ChunkLayout{ChunkSamples: cfg.DriverBufferSize},
	}
	e.pollCond = sync.NewCond(&e.pollMu)
	return e
}

// configureTriggers records the configured channels/ports (for chunk
// dissection and tag routing) and installs one hysteresis detector for
// whichever single trigger source is configured, matching
// find_analog_triggers/find_digital_triggers being invoked for the one
// configured trigger source.
func (e *streamingEngine) configureTriggers(channels []ChannelSetting, ports []PortSetting, trigger TriggerSetting) {
	e.channels = channels
	e.ports = ports
	e.layout = ChunkLayout{
		NAI:          countEnabledChannels(channels),
		NDI:          countEnabledPorts(ports),
		ChunkSamples: e.cfg.DriverBufferSize,
	}

	if !trigger.IsEnabled() {
		return
	}
	if trigger.IsDigital() {
		e.digitalDetectors = append(e.digitalDetectors, NewDigitalTriggerDetector(trigger))
		return
	}
	if trigger.IsAnalog() {
		enabledIdx := 0
		for _, c := range channels {
			if !c.Enabled {
				continue
			}
			if c.Name == string(trigger.Source) {
				e.analogDetectors[enabledIdx] = NewAnalogTriggerDetector(trigger, c.Range)
			}
			enabledIdx++
		}
	}
}

// enabledPortIndex maps a digital detector's absolute port number
// (pin_number/8) to its position among enabled ports in the chunk
// layout, since disabled ports occupy no span.
func (e *streamingEngine) enabledPortIndex(absolute int) (int, bool) {
	idx := 0
	for i, p := range e.ports {
		if !p.Enabled {
			continue
		}
		if i == absolute {
			return idx, true
		}
		idx++
	}
	return 0, false
}

// start runs the poll loop and the work-step loop under one errgroup,
// returning once ctx is cancelled or either loop reports a fatal error.
func (e *streamingEngine) start(ctx context.Context) error {
	e.state.Store(int32(PollerRunning))
	e.sendTimebaseTag()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.pollLoop(gctx) })
	g.Go(func() error { return e.workLoop(gctx) })

	err := g.Wait()
	return err
}

// sendTimebaseTag emits TimebaseInfoTag once per run, to every enabled
// output, before any data flows, per spec.md §6.
func (e *streamingEngine) sendTimebaseTag() {
	if e.timebaseSent || e.sink == nil {
		return
	}
	tag := TimebaseInfoTag{TimebaseS: e.cfg.TimebaseWithDownsampling()}
	for i, c := range e.channels {
		if c.Enabled {
			e.sink.AddTag(i, tag)
			e.sink.AddTag(len(e.channels)+i, tag)
		}
	}
	digitalBase := 2 * len(e.channels)
	for i, p := range e.ports {
		if p.Enabled {
			e.sink.AddTag(digitalBase+i, tag)
		}
	}
	e.timebaseSent = true
}

// pollLoop pumps driver.Poll at cfg.PollPeriod cadence, replacing the
// original's bare sleep_for with a rate.Limiter (SPEC_FULL.md §3). The
// watchdog does not use this limiter; updateWatchdog measures the rate
// from chunk timestamps. Every 10
// iterations it reloads the poller state under the poll mutex, matching
// poll_work_function's PendIdle/PendExit acknowledgement cadence.
func (e *streamingEngine) pollLoop(ctx context.Context) error {
	period := e.cfg.PollPeriod
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(period), 1)
	iterations := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil // context cancelled: clean shutdown, not an error
		}
		iterations++
		if iterations%pollStateReloadEvery == 0 {
			if exit := e.reloadPollerState(); exit {
				return nil
			}
		}
		if PollerState(e.state.Load()) != PollerRunning {
			continue
		}
		if err := e.driver.Poll(ctx); err != nil {
			e.errs.Push(newDriverError("poll failed", err))
		}
	}
}

// reloadPollerState implements the PendIdle/PendExit handshake: under the
// poll mutex, a pending transition is acknowledged (state flips to the
// settled value) and any waiter blocked in stop()/requestIdle is woken.
func (e *streamingEngine) reloadPollerState() (exit bool) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	switch PollerState(e.state.Load()) {
	case PollerPendIdle:
		e.state.Store(int32(PollerIdle))
		e.pollCond.Broadcast()
	case PollerPendExit:
		e.state.Store(int32(PollerExit))
		e.pollCond.Broadcast()
		return true
	}
	return false
}

// waitForState blocks (via the poll condvar) until the poller reaches
// want, or until timeout elapses, whichever comes first. A timeout
// leaves one goroutine parked in Cond.Wait; it wakes on the next
// Broadcast and exits quietly, which is an acceptable cost for a
// teardown path that only fires once per block lifetime.
func (e *streamingEngine) waitForState(want PollerState, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.pollMu.Lock()
		for PollerState(e.state.Load()) != want {
			e.pollCond.Wait()
		}
		e.pollMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// workLoop drains the chunk pool, running trigger detection and time
// realignment on each chunk before forwarding it (and its tags) to the
// Sink, and updating the watchdog's observed-rate estimate. Grounded on
// work_stream's dissect/trigger-search/tag-emission sequence.
func (e *streamingEngine) workLoop(ctx context.Context) error {
	for {
		if e.carry == nil {
			err := e.pool.WaitReady(ctx)
			if err != nil {
				if de, ok := err.(*Error); ok {
					switch de.Kind {
					case ErrInterrupted, ErrStopped:
						return nil
					case ErrWatchdog:
						e.errs.Push(err)
						e.rearmAfterWatchdog(ctx)
						continue
					}
				}
				e.errs.Push(err)
				continue
			}
			handle := e.pool.TakeFilledHandle()
			chunk := handle.Chunk()
			e.updateWatchdog(chunk)
			offsets, triggerEnabled := e.detectOffsets(chunk)
			e.carry = &pendingChunk{handle: handle, offsets: offsets, triggerEnabled: triggerEnabled, lost: chunk.LostCount}
		}

		if e.carry.triggerEnabled && len(e.carry.offsets) > e.pending.Len() {
			// spec.md §4.E step 5: too few timing messages queued to pair
			// every detected trigger 1:1. Stash and retry.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
				continue
			}
		}

		e.emit(e.carry)
		e.carry.handle.Release()
		e.carry = nil
	}
}

// rearmAfterWatchdog implements spec.md §4.E step 2's watchdog recovery:
// disarm, re-arm, yield this cycle.
func (e *streamingEngine) rearmAfterWatchdog(ctx context.Context) {
	if err := e.driver.Disarm(ctx); err != nil {
		e.errs.Push(newDriverError("watchdog disarm failed", err))
	}
	if err := e.driver.Arm(ctx); err != nil {
		e.errs.Push(newDriverError("watchdog re-arm failed", err))
	}
}

// detectOffsets dissects chunk per ChunkLayout and runs whichever
// detector (at most one of analog/digital is ever configured, since a
// TriggerSetting names exactly one source) against its own channel/port
// span, returning offsets sorted ascending.
func (e *streamingEngine) detectOffsets(chunk *DataChunk) (offsets []uint64, enabled bool) {
	for chIdx, det := range e.analogDetectors {
		enabled = true
		values := bytesToFloat64(e.layout.ChannelValues(chunk.Data, chIdx))
		offsets = append(offsets, det.Detect(values)...)
	}
	for _, det := range e.digitalDetectors {
		enabled = true
		portIdx, ok := e.enabledPortIndex(det.PortIndex())
		if !ok {
			continue
		}
		offsets = append(offsets, det.Detect(e.layout.PortValues(chunk.Data, portIdx))...)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, enabled
}

// emit implements spec.md §4.E steps 6-9: pair each offset with the
// oldest pending timing message (or, with triggers disabled, tag the
// first sample using the most recently queued message, which stays
// queued), attach an AcqInfoTag per enabled channel, and advance the
// stream-offset counter. The chunk's sample data is not copied to any
// output; the Sink receives only tags and the produced-sample count.
func (e *streamingEngine) emit(c *pendingChunk) {
	chunk := c.handle.Chunk()

	var tags []TriggerTag
	if c.triggerEnabled {
		for _, off := range c.offsets {
			msg, ok := e.pending.Pop()
			if !ok {
				break
			}
			tags = append(tags, e.buildTag(msg, e.samplesWritten+off))
		}
	} else {
		e.pending.mu.Lock()
		n := len(e.pending.data)
		var latest PendingTimingMessage
		if n > 0 {
			latest = e.pending.data[n-1]
		}
		e.pending.mu.Unlock()
		if n > 0 {
			tags = append(tags, e.buildTag(latest, e.samplesWritten))
		}
	}

	digitalBase := 2 * len(e.channels)
	enabledIdx := 0
	for i, ch := range e.channels {
		if !ch.Enabled {
			continue
		}
		for _, tag := range tags {
			e.sink.AddTag(i, tag)
		}
		status := ChannelStatus(0)
		if enabledIdx < len(chunk.Status) {
			status = chunk.Status[enabledIdx]
		}
		if c.lost > 0 {
			status |= ChannelStatusBuffersLost
		}
		e.sink.AddTag(i, AcqInfoTag{
			TimestampNS: chunk.LocalTimestampNS,
			TimebaseS:   e.cfg.TimebaseWithDownsampling(),
			Status:      status,
		})
		enabledIdx++
	}
	for i, p := range e.ports {
		if !p.Enabled {
			continue
		}
		for _, tag := range tags {
			e.sink.AddTag(digitalBase+i, tag)
		}
	}

	if c.lost > 0 {
		log.Printf("digitizer: streaming: %d buffers lost since previous delivery", c.lost)
	}

	e.samplesWritten += uint64(e.layout.ChunkSamples)
	e.sink.ProduceEach(e.layout.ChunkSamples)
}

// buildTag constructs a TriggerTag from a paired pending timing message
// and runs it through the realignment stage, if configured.
func (e *streamingEngine) buildTag(msg PendingTimingMessage, streamOffset uint64) TriggerTag {
	tag := TriggerTag{
		Name:         msg.Name,
		TimestampNS:  msg.TimestampNS,
		OffsetNS:     msg.OffsetNS,
		StreamOffset: streamOffset,
	}
	if e.realign != nil {
		if corrected, status, ok := e.realign.Apply(tag.TimestampNS); ok {
			tag.TimestampNS = corrected
			tag.Status |= status
		}
	}
	return tag
}

// updateWatchdog feeds the observed sample rate (samples/elapsed-time
// since the previous chunk) into the running-average filter and posts
// ErrWatchdog to the pool once it drops below 75% of the configured
// rate, matching digitizer_block_impl.h's WATCHDOG_SAMPLE_RATE_THRESHOLD.
// Posted (not pushed directly to errs) so the work step's next iteration
// picks it up via WaitReady and runs the disarm/re-arm recovery of
// spec.md §4.E step 2.
func (e *streamingEngine) updateWatchdog(chunk *DataChunk) {
	now := chunk.LocalTimestampNS
	prev := e.lastRateSampleNS.Swap(now)
	if prev == 0 {
		return
	}
	elapsed := float64(now-prev) / 1e9
	if elapsed <= 0 {
		return
	}
	nSamples := e.layout.ChunkSamples
	observedRate := float64(nSamples) / elapsed
	avg := e.rateFilter.Add(observedRate)
	if e.cfg.SampleRate > 0 && avg < watchdogRateThreshold*e.cfg.SampleRate {
		e.pool.PostError(newError(ErrWatchdog, "observed sample rate below 75% of configured rate"))
		log.Printf("digitizer: watchdog: observed rate %.1f below threshold %.1f", avg, watchdogRateThreshold*e.cfg.SampleRate)
	}
}

// stop requests the poll loop to exit via PendExit and blocks (up to
// pollTeardownTimeout) for its acknowledgement, matching spec.md §5's
// poll-thread teardown: "a 5-second timeout; exceeding it proceeds with
// join regardless."
func (e *streamingEngine) stop() {
	e.pollMu.Lock()
	e.state.Store(int32(PollerPendExit))
	e.pollMu.Unlock()
	if !e.waitForState(PollerExit, pollTeardownTimeout) {
		log.Printf("digitizer: poll-thread teardown exceeded %s timeout, proceeding regardless", pollTeardownTimeout)
	}
}

func bytesToFloat64(b []byte) []float64 {
	n := len(b) / 4
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = float64(math.Float32frombits(bits))
	}
	return out
}

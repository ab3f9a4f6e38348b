package digitizer

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
)

// RapidBlockState tracks progress through reading one capture's worth of
// rapid-block data, which may not fit in a single pool chunk and so is
// read back in parts. Grounded verbatim on
// original_source/blocklib/digitizers/lib/digitizer_block_impl.h's
// rapid_block_state_t (WAITING/READING_PART1/READING_THE_REST).
type RapidBlockState int

const (
	RapidBlockWaiting RapidBlockState = iota
	RapidBlockReadingPart1
	RapidBlockReadingRest
)

func (s RapidBlockState) String() string {
	switch s {
	case RapidBlockWaiting:
		return "waiting"
	case RapidBlockReadingPart1:
		return "reading_part1"
	case RapidBlockReadingRest:
		return "reading_rest"
	default:
		return "unknown"
	}
}

// rapidBlockStateMachine mirrors rapid_block_state_t's four methods
// exactly: to_wait, initialize(nr_waveforms), set_waveform_params, and
// update_state(nsamples).
type rapidBlockStateMachine struct {
	state              RapidBlockState
	waveformsRemaining int
	offsetSamples       int
	samplesToRead       int
}

func (m *rapidBlockStateMachine) toWait() { m.state = RapidBlockWaiting }

func (m *rapidBlockStateMachine) initialize(nrWaveforms int) {
	m.waveformsRemaining = nrWaveforms
	m.state = RapidBlockReadingPart1
}

func (m *rapidBlockStateMachine) setWaveformParams(offsetSamples, samplesToRead int) {
	m.offsetSamples = offsetSamples
	m.samplesToRead = samplesToRead
}

func (m *rapidBlockStateMachine) updateState(nSamples int) {
	m.samplesToRead -= nSamples
	m.offsetSamples += nSamples
	if m.samplesToRead <= 0 {
		m.waveformsRemaining--
		if m.waveformsRemaining <= 0 {
			m.state = RapidBlockWaiting
		} else {
			m.state = RapidBlockReadingPart1
		}
	} else {
		m.state = RapidBlockReadingRest
	}
}

// PreSamplesWithDownsampling and PostSamplesWithDownsampling apply the
// configured downsampling factor to the requested pre/post sample
// counts, grounded on digitizer_block_impl.cc's
// get_pre/post_trigger_samples_with_downsampling.
func (c BlockConfig) PreSamplesWithDownsampling() int {
	if c.DownsamplingEnabled && c.DownsamplingFactor >= 2 {
		return c.PreSamples / c.DownsamplingFactor
	}
	return c.PreSamples
}

func (c BlockConfig) PostSamplesWithDownsampling() int {
	if c.DownsamplingEnabled && c.DownsamplingFactor >= 2 {
		return c.PostSamples / c.DownsamplingFactor
	}
	return c.PostSamples
}

// BlockSizeWithDownsampling is the total capture length in samples,
// grounded on get_block_size_with_downsampling (pre+post).
func (c BlockConfig) BlockSizeWithDownsampling() int {
	return c.PreSamplesWithDownsampling() + c.PostSamplesWithDownsampling()
}

// TimebaseWithDownsampling is the effective seconds-per-sample,
// grounded on get_timebase_with_downsampling.
func (c BlockConfig) TimebaseWithDownsampling() float64 {
	if c.DownsamplingEnabled && c.DownsamplingFactor >= 2 {
		return float64(c.DownsamplingFactor) / c.SampleRate
	}
	return 1.0 / c.SampleRate
}

// rapidBlockEngine drives one Driver through repeated arm/prefetch/read
// cycles, publishing each capture's data through the chunk pool and
// emitting a TriggerTag at the start of each waveform's post-trigger
// data. Grounded on digitizer_block_impl.cc's work_rapid_block and the
// driver_arm/driver_prefetch_block/driver_get_rapid_block_data call
// sequence.
type rapidBlockEngine struct {
	driver Driver
	pool   *ChunkPool
	cfg    BlockConfig
	sm     rapidBlockStateMachine

	sink     Sink
	channels []ChannelSetting
	ports    []PortSetting
	pending  *ConcurrentQueue[PendingTimingMessage]

	// alreadyTriggered lives on Block, not the engine, since it must
	// persist across repeated Work() calls for trigger_once to mean
	// "over the lifetime of the block" rather than "per capture".
	alreadyTriggered *atomic.Bool
}

func newRapidBlockEngine(driver Driver, pool *ChunkPool, cfg BlockConfig, sink Sink, pending *ConcurrentQueue[PendingTimingMessage], channels []ChannelSetting, ports []PortSetting, alreadyTriggered *atomic.Bool) *rapidBlockEngine {
	return &rapidBlockEngine{
		driver:           driver,
		pool:             pool,
		cfg:              cfg,
		sink:             sink,
		pending:          pending,
		channels:         channels,
		ports:            ports,
		alreadyTriggered: alreadyTriggered,
	}
}

// run executes the rapid-block acquisition loop: one capture without
// auto_arm, otherwise repeated captures until ctx is cancelled or
// trigger_once ends the stream. Step 1 of spec.md §4.D's Waiting state: if trigger_once and a trigger
// has already fired once over this block's lifetime, end the stream.
// Step 2: when auto_arm, disarm then re-arm (retrying indefinitely on
// error) before every capture; when auto_arm is false, the single arm
// Block.Arm already performed stands for the whole run.
func (e *rapidBlockEngine) run(ctx context.Context) error {
	for {
		if e.cfg.TriggerOnce && e.alreadyTriggered != nil && e.alreadyTriggered.Load() {
			return newError(ErrStopped, "trigger_once: already triggered, end of stream")
		}
		if e.cfg.AutoArm {
			if err := e.armWithRetry(ctx); err != nil {
				return err
			}
		}
		if err := e.captureOnce(ctx); err != nil {
			e.pool.PostError(err)
			log.Printf("digitizer: rapid-block capture failed: %v", err)
		}
		if !e.cfg.AutoArm {
			return nil
		}
		select {
		case <-ctx.Done():
			return newError(ErrInterrupted, "rapid-block loop cancelled")
		default:
		}
	}
}

// armWithRetry disarms then arms the driver, retrying indefinitely on
// error (spec.md §4.D step 2: "If auto_arm: disarm, then arm"). Disarm
// failures are logged, not fatal — a driver that was never armed, or
// already disarmed, must still tolerate a redundant disarm.
func (e *rapidBlockEngine) armWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry indefinitely, matching the original's while(true)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := e.driver.Disarm(ctx); err != nil {
			log.Printf("digitizer: auto-arm disarm failed, arming anyway: %v", err)
		}
		return e.driver.Arm(ctx)
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		return newDriverError("arm failed", err)
	}
	return nil
}

// captureOnce runs one full rapid-block capture (cfg.RapidBlockNrCaptures
// waveforms). Each waveform re-prefetches and resets the state machine's
// offset/samples_left, per spec.md §4.D's ReadingPart1 step 1-2; the
// first chunk read of each waveform's Part1 emits that waveform's
// TriggerTag (step 4).
func (e *rapidBlockEngine) captureOnce(ctx context.Context) error {
	preDS := e.cfg.PreSamplesWithDownsampling()
	postDS := e.cfg.PostSamplesWithDownsampling()
	blockSize := preDS + postDS
	e.sm.initialize(e.cfg.RapidBlockNrCaptures)

	for e.sm.state != RapidBlockWaiting {
		e.sm.setWaveformParams(0, blockSize)

		ready := make(chan error, 1)
		if err := e.driver.PrefetchBlock(ctx, func(err error) { ready <- err }); err != nil {
			return newDriverError("prefetch failed", err)
		}
		select {
		case err := <-ready:
			if err != nil {
				return newDriverError("prefetch callback reported error", err)
			}
		case <-ctx.Done():
			return newError(ErrInterrupted, "capture cancelled waiting for prefetch")
		}

		firstReadOfWaveform := true
		for {
			idx, ok := e.pool.TakeFree()
			if !ok {
				select {
				case <-time.After(time.Millisecond):
				case <-ctx.Done():
					return newError(ErrInterrupted, "capture cancelled waiting for free chunk")
				}
				continue
			}
			chunk := e.pool.Chunk(idx)
			n, err := e.driver.GetRapidBlockData(ctx, chunk.Data, chunk.Status)
			if err != nil {
				e.pool.ReturnChunk(idx)
				return newDriverError("get rapid block data failed", err)
			}

			if firstReadOfWaveform && e.sm.state == RapidBlockReadingPart1 {
				e.emitTriggerTag(preDS, postDS, uint64(e.sm.offsetSamples))
				firstReadOfWaveform = false
			}

			e.pool.Publish(idx, 0)
			e.sm.updateState(n)
			if e.sm.state != RapidBlockReadingRest {
				break
			}
		}
	}
	return nil
}

// emitTriggerTag implements spec.md §4.D step 4: pop the oldest pending
// timing message, compute trigger_sample/adjusted_timestamp, and emit a
// TriggerTag to every enabled analog value output and enabled digital
// port output — never to error outputs.
func (e *rapidBlockEngine) emitTriggerTag(preDS, postDS int, streamOffsetBase uint64) {
	if e.pending == nil {
		return
	}
	msg, ok := e.pending.Pop()
	if !ok {
		return
	}
	adjustedOffsetS := float64(preDS) * e.cfg.TimebaseWithDownsampling()
	tag := TriggerTag{
		Name:         msg.Name,
		TimestampNS:  msg.TimestampNS + int64(adjustedOffsetS*1e9),
		OffsetNS:     msg.OffsetNS,
		StreamOffset: streamOffsetBase + uint64(preDS),
		PreSamples:   uint32(preDS),
		PostSamples:  uint32(postDS),
	}
	if e.alreadyTriggered != nil {
		e.alreadyTriggered.Store(true)
	}
	if e.sink == nil {
		return
	}
	for i, c := range e.channels {
		if c.Enabled {
			e.sink.AddTag(i, tag)
		}
	}
	// Sink port numbering (shared with streaming.go): value ports are the
	// channel's own slice index, error ports follow at +len(channels),
	// digital ports follow those at +len(channels) again. TriggerTags only
	// ever go to value and digital ports, never error ports.
	digitalBase := 2 * len(e.channels)
	for i, p := range e.ports {
		if p.Enabled {
			e.sink.AddTag(digitalBase+i, tag)
		}
	}
}

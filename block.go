package digitizer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/atomic"
)

// disarmTeardownTimeout bounds how long Disarm waits for the background
// engine goroutine to exit before proceeding regardless, matching
// spec.md §5's "a 5-second timeout; exceeding it proceeds with join
// regardless."
const disarmTeardownTimeout = 5 * time.Second

// BlockState is the Block lifecycle state machine, grounded on spec.md
// §4.F and on dastard's own "Sample -> PrepareRun -> StartRun -> read
// loop -> Stop" sequencing in data_source.go's Start function.
type BlockState int

const (
	StateNew BlockState = iota
	StateInitialized
	StateConfigured
	StateArmed
	StateDataFlow
	StateDisarmed
	StateClosed
)

func (s BlockState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateConfigured:
		return "configured"
	case StateArmed:
		return "armed"
	case StateDataFlow:
		return "data_flow"
	case StateDisarmed:
		return "disarmed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BlockSnapshot is a point-in-time status report, in the shape of
// dastard's ServerStatus/Heartbeat atomic snapshots (rpc_server.go).
type BlockSnapshot struct {
	State      BlockState
	Mode       AcquisitionMode
	NChannels  int
	NPorts     int
	LostChunks uint64
	Pool       ChunkPoolStats
}

// Block is the driver-agnostic digitizer engine: it owns a chunk pool,
// one Driver, the time-realignment stage, and the error ring, and walks
// through the New -> Initialized -> Configured -> Armed -> DataFlow ->
// Disarmed -> Closed lifecycle of spec.md §4.F.
type Block struct {
	mu    sync.Mutex
	state BlockState

	driver Driver
	sink   Sink
	cfg    BlockConfig

	channels []ChannelSetting
	ports    []PortSetting
	trigger  TriggerSetting

	pool    *ChunkPool
	errs    *ErrorRing
	realign *TimeRealignment
	pending *ConcurrentQueue[PendingTimingMessage]

	triggerOnceFired atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}

	streamEngine *streamingEngine
}

// NewBlock constructs a Block in state New, wired to the given driver
// and dataflow Sink, matching spec.md §4.F's construction-time
// validation (channel/port counts are validated once Configure supplies
// them).
func NewBlock(driver Driver, sink Sink) *Block {
	return &Block{
		state:   StateNew,
		driver:  driver,
		sink:    sink,
		errs:    NewErrorRing(),
		pending: NewConcurrentQueue[PendingTimingMessage](),
	}
}

// ParseChannelID maps a channel identifier ('A'..'P') to its zero-based
// index, matching the Picoscope-family convention
// ({"A",0},...,{"H",7},...) generalized up to MaxSupportedAIChannels.
func ParseChannelID(id string) (int, error) {
	if len(id) != 1 {
		return 0, newError(ErrOutOfRange, fmt.Sprintf("channel id %q must be a single letter", id))
	}
	c := id[0]
	if c < 'A' || c > 'A'+MaxSupportedAIChannels-1 {
		return 0, newError(ErrOutOfRange, fmt.Sprintf("channel id %q out of supported range", id))
	}
	return int(c - 'A'), nil
}

// ParsePortID maps a port identifier ("port0".."port7") to its
// zero-based index.
func ParsePortID(id string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(id, "port%d", &idx); err != nil {
		return 0, newError(ErrOutOfRange, fmt.Sprintf("port id %q malformed", id))
	}
	if idx < 0 || idx >= MaxSupportedPorts {
		return 0, newError(ErrOutOfRange, fmt.Sprintf("port id %q out of supported range", id))
	}
	return idx, nil
}

// Initialize opens the underlying driver, transitioning New -> Initialized.
func (b *Block) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateNew {
		return newError(ErrInvalidState, fmt.Sprintf("Initialize called in state %s", b.state))
	}
	if err := b.driver.Initialize(ctx); err != nil {
		return newDriverError("initialize failed", err)
	}
	b.state = StateInitialized
	return nil
}

// Configure validates and applies channel/port/trigger/acquisition-mode
// settings, transitioning Initialized -> Configured (or re-running from
// Configured/Disarmed, matching app_buffer_t's re-initializable pool).
func (b *Block) Configure(ctx context.Context, cfg BlockConfig, channels []ChannelSetting, ports []PortSetting, trigger TriggerSetting) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateInitialized, StateConfigured, StateDisarmed:
	default:
		return newError(ErrInvalidState, fmt.Sprintf("Configure called in state %s", b.state))
	}

	if err := validateBlockConfig(cfg, channels, ports); err != nil {
		return err
	}

	if err := b.driver.Configure(ctx, cfg, channels, ports, trigger); err != nil {
		return newDriverError("configure failed", err)
	}

	b.cfg = cfg
	b.channels = channels
	b.ports = ports
	b.trigger = trigger

	chunkSize := cfg.BlockSizeWithDownsampling()
	if cfg.Mode == ModeStreaming {
		chunkSize = cfg.DriverBufferSize
	}
	nrBuffers := cfg.NrBuffers
	if nrBuffers <= 0 {
		nrBuffers = 4
	}
	// Pool chunks are sized per ChunkLayout, which only carves out spans
	// for *enabled* channels/ports (spec.md §3/§8) — matching the byte
	// layout every Driver implementation writes.
	nAI := countEnabledChannels(channels)
	nDI := countEnabledPorts(ports)
	if b.pool == nil {
		b.pool = NewChunkPool(nAI, nDI, chunkSize, nrBuffers)
	} else {
		b.pool.Reinitialize(nAI, nDI, chunkSize, nrBuffers)
	}
	b.realign = NewTimeRealignment(cfg.TriggerstampMatchingToleranceS, cfg.MaxBufferTimeS)
	b.pending.Clear()
	b.triggerOnceFired.Store(false)

	b.state = StateConfigured
	return nil
}

func validateBlockConfig(cfg BlockConfig, channels []ChannelSetting, ports []PortSetting) error {
	if len(channels) > MaxSupportedAIChannels {
		return newError(ErrInvalidConfig, "too many analog channels configured")
	}
	if len(ports) > MaxSupportedPorts {
		return newError(ErrInvalidConfig, "too many digital ports configured")
	}
	if cfg.SampleRate <= 0 {
		return newError(ErrInvalidConfig, "sample_rate must be positive")
	}
	if cfg.NrBuffers < 1 || cfg.NrBuffers > MaxChunks {
		return newError(ErrInvalidConfig, "nr_buffers must be between 1 and 8192")
	}
	if cfg.DriverBufferSize < 1 {
		return newError(ErrInvalidConfig, "driver_buffer_size must be >= 1")
	}
	if cfg.DownsamplingEnabled && cfg.DownsamplingFactor < 2 {
		return newError(ErrInvalidConfig, "downsampling_factor must be >= 2 when downsampling is enabled")
	}
	if cfg.Mode == ModeRapidBlock {
		if cfg.PostSamples < 1 {
			return newError(ErrInvalidConfig, "post_samples must be >= 1 in rapid block mode")
		}
		if cfg.RapidBlockNrCaptures < 1 {
			return newError(ErrInvalidConfig, "rapid_block_nr_captures must be >= 1")
		}
	}
	return nil
}

// Arm prepares the driver and, in streaming mode, starts the poll/work
// goroutines; transitions Configured -> Armed, and on to DataFlow in
// streaming mode (rapid block reaches DataFlow in Work).
func (b *Block) Arm(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateConfigured {
		b.mu.Unlock()
		return newError(ErrInvalidState, fmt.Sprintf("Arm called in state %s", b.state))
	}
	cfg := b.cfg
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	if cfg.Mode == ModeStreaming {
		engine := newStreamingEngine(b.driver, b.pool, cfg, b.sink, b.errs, b.realign, b.pending)
		engine.configureTriggers(b.channels, b.ports, b.trigger)
		lost := 0
		b.driver.SetStreamingCallback(func(raw []byte, status []ChannelStatus, timestampNS int64, nSamples int) {
			idx, ok := b.pool.TakeFree()
			if !ok {
				lost++
				return
			}
			chunk := b.pool.Chunk(idx)
			copy(chunk.Data, raw)
			copy(chunk.Status, status)
			b.pool.Publish(idx, lost)
			lost = 0
		})

		if err := b.driver.Arm(runCtx); err != nil {
			cancel()
			return newDriverError("arm failed", err)
		}

		b.mu.Lock()
		b.state = StateArmed
		b.cancel = cancel
		b.done = make(chan struct{})
		b.streamEngine = engine
		b.mu.Unlock()

		go func() {
			defer close(b.done)
			if err := engine.start(runCtx); err != nil {
				b.errs.Push(err)
			}
		}()

		b.mu.Lock()
		b.state = StateDataFlow
		b.mu.Unlock()
		return nil
	}

	// Rapid block: when auto_arm is set, the engine disarms+re-arms before
	// every capture in Work(); otherwise this single arm stands for the
	// whole run (spec.md §4.D step 2).
	if !cfg.AutoArm {
		if err := b.driver.Arm(runCtx); err != nil {
			cancel()
			return newDriverError("arm failed", err)
		}
	}
	b.mu.Lock()
	b.state = StateArmed
	b.cancel = cancel
	b.mu.Unlock()
	return nil
}

// Work drives one cycle of rapid-block acquisition. In streaming mode
// data flows via the background goroutines started in Arm, so Work is a
// no-op once DataFlow has been reached.
func (b *Block) Work(ctx context.Context) error {
	b.mu.Lock()
	state := b.state
	cfg := b.cfg
	driver := b.driver
	pool := b.pool
	sink := b.sink
	channels := b.channels
	ports := b.ports
	pending := b.pending
	b.mu.Unlock()

	if cfg.Mode == ModeStreaming {
		return nil
	}
	if state != StateArmed && state != StateDataFlow {
		return newError(ErrInvalidState, fmt.Sprintf("Work called in state %s", state))
	}

	b.mu.Lock()
	b.state = StateDataFlow
	b.mu.Unlock()

	engine := newRapidBlockEngine(driver, pool, cfg, sink, pending, channels, ports, &b.triggerOnceFired)
	return engine.run(ctx)
}

// AddTimingMessage feeds one external timing message (spec.md §6's
// trigger_name/trigger_time/trigger_offset input port) into the pending
// queue the rapid-block and streaming engines pair 1:1 against detected
// trigger edges.
func (b *Block) AddTimingMessage(name string, timestampNS, offsetNS int64) {
	b.pending.Push(PendingTimingMessage{Name: name, TimestampNS: timestampNS, OffsetNS: offsetNS})
}

// AddWREvent feeds one external White Rabbit (or equivalent) timing
// event into the realignment stage, which corrects already-emitted
// TriggerTag timestamps against it (spec.md §4.G).
func (b *Block) AddWREvent(eventID string, correctedNS, utcNS int64) error {
	b.mu.Lock()
	realign := b.realign
	b.mu.Unlock()
	if realign == nil {
		return newError(ErrInvalidState, "AddWREvent called before Configure")
	}
	return realign.AddTimingEvent(eventID, correctedNS, utcNS)
}

// Disarm halts data flow, transitioning (Armed|DataFlow) -> Disarmed.
func (b *Block) Disarm(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateArmed && b.state != StateDataFlow {
		b.mu.Unlock()
		return newError(ErrInvalidState, fmt.Sprintf("Disarm called in state %s", b.state))
	}
	cancel := b.cancel
	done := b.done
	engine := b.streamEngine
	b.mu.Unlock()

	if engine != nil {
		engine.stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(disarmTeardownTimeout):
			log.Printf("digitizer: Disarm: engine goroutine teardown exceeded %s, proceeding regardless", disarmTeardownTimeout)
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}

	if err := b.driver.Disarm(ctx); err != nil {
		return newDriverError("disarm failed", err)
	}

	b.mu.Lock()
	b.state = StateDisarmed
	b.cancel = nil
	b.done = nil
	b.streamEngine = nil
	b.mu.Unlock()
	return nil
}

// Close releases the underlying driver, transitioning Initialized,
// Configured or Disarmed -> Closed.
func (b *Block) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateDisarmed && b.state != StateConfigured && b.state != StateInitialized {
		b.mu.Unlock()
		return newError(ErrInvalidState, fmt.Sprintf("Close called in state %s", b.state))
	}
	b.mu.Unlock()

	if err := b.driver.Close(ctx); err != nil {
		return newDriverError("close failed", err)
	}
	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	return nil
}

// Errors drains all currently buffered error records.
func (b *Block) Errors() []ErrorRecord { return b.errs.Drain() }

// Snapshot returns a point-in-time status report, grounded on dastard's
// ServerStatus/Heartbeat atomic-snapshot pattern in rpc_server.go.
func (b *Block) Snapshot() BlockSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BlockSnapshot{
		State:     b.state,
		Mode:      b.cfg.Mode,
		NChannels: len(b.channels),
		NPorts:    len(b.ports),
	}
	if b.pool != nil {
		stats := b.pool.Stats()
		snap.Pool = stats
		snap.LostChunks = stats.Lost
	}
	return snap
}

// String renders a diagnostic dump of the trigger setting, matching
// dastard's rpc_server.go use of spew.Sdump(state) in log lines.
func (b *Block) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return spew.Sdump(b.trigger)
}

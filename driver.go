package digitizer

import "context"

// Sink models the two dataflow-runtime operations this core consumes
// from its embedding scheduler (spec.md §6): advancing produced sample
// counts per output port, and attaching a tag to a port at the current
// offset. The scheduler itself is out of scope; only this narrow
// interface is.
type Sink interface {
	ProduceEach(n int)
	AddTag(port int, tag any)
}

// StreamingCallback is invoked by a Driver, on its own goroutine, each
// time a new block of streaming samples is available. impl must copy out
// of raw before returning; the slice is only valid for the call's
// duration.
type StreamingCallback func(raw []byte, status []ChannelStatus, timestampNS int64, nSamples int)

// RapidBlockReadyCallback is invoked once a rapid-block capture's data is
// available to be read via Driver.GetRapidBlockData.
type RapidBlockReadyCallback func(err error)

// Driver is the hardware abstraction this core programs against,
// grounded on original_source/blocklib/digitizers/lib/digitizer_block_impl.h's
// pure-virtual driver_* hooks — re-expressed as a Go interface per
// spec.md §9's redesign note replacing the original's virtual-inheritance
// driver contract.
type Driver interface {
	// DriverVersion and HardwareVersion report free-form identifying
	// strings for diagnostics.
	DriverVersion() string
	HardwareVersion() string

	// AIChannelIDs returns the driver's analog channel identifiers, in
	// hardware order (e.g. "A".."H" for an 8-channel scope).
	AIChannelIDs() []string
	// AIChannelRanges returns the set of voltage ranges the driver
	// supports for analog channels.
	AIChannelRanges() []float64

	// Initialize opens/resets the underlying hardware.
	Initialize(ctx context.Context) error
	// Configure applies channel, port, trigger, and acquisition-mode
	// settings. May be called again before Arm to reconfigure.
	Configure(ctx context.Context, cfg BlockConfig, channels []ChannelSetting, ports []PortSetting, trigger TriggerSetting) error
	// Arm prepares the driver for data flow (starts a rapid-block
	// capture, or begins streaming).
	Arm(ctx context.Context) error
	// Disarm halts data flow without closing the device.
	Disarm(ctx context.Context) error
	// Close releases the underlying hardware.
	Close(ctx context.Context) error

	// SetStreamingCallback registers the callback the driver invokes
	// with each new block of streaming samples. Only meaningful in
	// ModeStreaming.
	SetStreamingCallback(cb StreamingCallback)
	// Poll lets a poll-driven driver pump its callback; drivers that
	// deliver samples purely via their own goroutine may implement this
	// as a no-op.
	Poll(ctx context.Context) error

	// PrefetchBlock begins transferring a rapid-block capture's data
	// into driver-owned memory, invoking ready once available.
	PrefetchBlock(ctx context.Context, ready RapidBlockReadyCallback) error
	// GetRapidBlockData copies one capture's worth of samples for the
	// configured channels/ports into dst, returning the number of
	// samples written.
	GetRapidBlockData(ctx context.Context, dst []byte, status []ChannelStatus) (int, error)
}

package digitizer

import "time"

// MaxSupportedAIChannels and MaxSupportedPorts mirror gr-digitizers'
// digitizer_block_impl.h constants; channel/port ids beyond these are
// rejected at construction time.
const (
	MaxSupportedAIChannels = 16
	MaxSupportedPorts      = 8
)

// AcquisitionMode selects between the rapid-block and streaming engines
// of spec.md §4.D/§4.E.
type AcquisitionMode int

const (
	ModeRapidBlock AcquisitionMode = iota
	ModeStreaming
)

// CouplingType mirrors gr-digitizers' coupling_t (AC_1M/DC_1M/AC_50R/DC_50R).
type CouplingType int

const (
	CouplingAC1M CouplingType = iota
	CouplingDC1M
	CouplingAC50R
	CouplingDC50R
)

// TriggerDirection mirrors gr-digitizers' trigger_direction_t.
type TriggerDirection int

const (
	TriggerRising TriggerDirection = iota
	TriggerFalling
	TriggerLow
	TriggerHigh
)

// ChannelSetting is a single analog input channel's configuration,
// grounded on original_source/blocklib/digitizers/lib/digitizer_block_impl.h's
// channel_setting_t (defaults: range=2.0, offset=0.0, disabled, AC_1M).
type ChannelSetting struct {
	Name     string
	Range    float64
	Offset   float64
	Enabled  bool
	Coupling CouplingType
}

// DefaultChannelSetting returns a channel setting with the teacher's
// documented defaults.
func DefaultChannelSetting(name string) ChannelSetting {
	return ChannelSetting{Name: name, Range: 2.0, Offset: 0.0, Enabled: false, Coupling: CouplingAC1M}
}

// countEnabledChannels/countEnabledPorts report how many entries of a
// settings slice are enabled — i.e. how many spans a ChunkLayout carves
// out for it, since disabled channels/ports occupy no space in a
// DataChunk's byte layout (spec.md §3).
func countEnabledChannels(cs []ChannelSetting) int {
	n := 0
	for _, c := range cs {
		if c.Enabled {
			n++
		}
	}
	return n
}

func countEnabledPorts(ps []PortSetting) int {
	n := 0
	for _, p := range ps {
		if p.Enabled {
			n++
		}
	}
	return n
}

// PortSetting is a single digital port's configuration, grounded on
// port_setting_t (logic_level=1.5, disabled).
type PortSetting struct {
	Name       string
	LogicLevel float64
	Enabled    bool
}

// DefaultPortSetting returns a port setting with the teacher's documented
// defaults.
func DefaultPortSetting(name string) PortSetting {
	return PortSetting{Name: name, LogicLevel: 1.5, Enabled: false}
}

// TriggerSource names which channel or port a TriggerSetting watches.
// "NONE" disables triggering, "AUX" and "DI" name auxiliary/digital
// inputs whose validity is left to the concrete driver (spec.md §9 open
// question 2).
type TriggerSource string

const (
	TriggerSourceNone TriggerSource = "NONE"
)

// TriggerSetting configures edge/level triggering on one channel, port,
// or aux/digital input, grounded on trigger_setting_t.
type TriggerSetting struct {
	Source    TriggerSource
	Threshold float64
	Direction TriggerDirection
	PinNumber int
}

// IsEnabled reports whether this setting actually arms a trigger.
func (t TriggerSetting) IsEnabled() bool { return t.Source != TriggerSourceNone && t.Source != "" }

// IsDigital reports whether the trigger watches a digital port/pin.
func (t TriggerSetting) IsDigital() bool { return t.Source == "DI" }

// IsAnalog reports whether the trigger watches an analog channel.
func (t TriggerSetting) IsAnalog() bool {
	return t.IsEnabled() && !t.IsDigital() && t.Source != "AUX"
}

// DefaultTriggerSetting returns a disabled trigger, matching the
// teacher's source="NONE" default.
func DefaultTriggerSetting() TriggerSetting {
	return TriggerSetting{Source: TriggerSourceNone, Threshold: 0, Direction: TriggerRising}
}

// ChannelStatus is a bitfield of per-chunk/per-tag status flags. Bits are
// only ever OR'd in, never cleared, per spec.md §4.G's monotonic
// invariant. Values are spec.md §3's exact wire values, not
// iota-assigned, since they travel on the tag stream.
type ChannelStatus uint32

const (
	ChannelStatusOK ChannelStatus = 0
	// ChannelStatusOverflow marks a channel that railed against its
	// configured range during the chunk.
	ChannelStatusOverflow ChannelStatus = 0x01
	// ChannelStatusRealignmentError flags a realignment failure on the tag
	// stream. TimeRealignment does not set it; it marks unmatched triggers
	// with ChannelStatusWRTimeout.
	ChannelStatusRealignmentError ChannelStatus = 0x02
	// ChannelStatusBuffersLost marks a chunk delivered after one or more
	// buffers were dropped for want of a free chunk.
	ChannelStatusBuffersLost ChannelStatus = 0x04
	// ChannelStatusWRTimeout marks a trigger the realignment stage could
	// not cleanly match: no WR/timing event arrived within
	// max_buffer_time_s, or a queued event was discarded for falling
	// outside the matching tolerance.
	ChannelStatusWRTimeout ChannelStatus = 0x08
)

// DataChunk is one pool-owned buffer of interleaved analog/digital
// samples plus metadata, grounded on original_source's data_chunk_t.
// Data's byte layout is described by ChunkLayout (chunkpool.go): for
// each enabled analog channel, ChunkSamples f32 values then ChunkSamples
// f32 error-band values, then for each enabled digital port, ChunkSamples
// u8 words.
type DataChunk struct {
	Data             []byte
	Status           []ChannelStatus
	LocalTimestampNS int64
	LostCount        int
}

// TriggerTag marks the sample offset of a detected (and, once processed
// by the realignment stage, corrected) trigger event, grounded verbatim
// on spec.md §3's TriggerTag.
type TriggerTag struct {
	Name         string
	TimestampNS  int64
	OffsetNS     int64
	StreamOffset uint64
	Status       ChannelStatus
	PreSamples   uint32
	PostSamples  uint32
}

// AcqInfoTag carries per-chunk, per-channel acquisition metadata emitted
// alongside trigger tags, grounded on spec.md §3's AcqInfoTag.
type AcqInfoTag struct {
	TimestampNS  int64
	TimebaseS    float64
	UserDelayS   float64
	ActualDelayS float64
	Status       ChannelStatus
}

// TimebaseInfoTag reports the actual timebase (seconds per sample) in
// effect, which may differ from the requested sample rate once
// downsampling is applied. Emitted once per run on every output before
// the first data, per spec.md §6.
type TimebaseInfoTag struct {
	TimebaseS float64
}

// TimingEvent is one external white-rabbit (or equivalent) timing
// message: an event id plus its corrected and UTC timestamps, grounded
// on time_realignment_cpu's wr_event_t. Consumed exclusively by the
// realignment stage (realign.go).
type TimingEvent struct {
	EventID           string
	TriggerStampNS    int64
	TriggerStampUTCNS int64
}

// PendingTimingMessage is one message arriving on spec.md §6's timing
// input port (trigger_name/trigger_time/trigger_offset, offset already
// converted to nanoseconds). The rapid-block and streaming engines pair
// these 1:1, in FIFO order, against the trigger edges they detect — kept
// separate from the realignment stage's own WR-event matching
// (TimingEvent/TimeRealignment), which corrects a tag's timestamp after
// it has already been paired and emitted.
type PendingTimingMessage struct {
	Name        string
	TimestampNS int64
	OffsetNS    int64
}

// BlockConfig is the full set of scalar acquisition parameters, grounded
// on original_source's digitizer_args.
type BlockConfig struct {
	Mode AcquisitionMode

	SampleRate       float64
	DriverBufferSize int
	NrBuffers        int

	DownsamplingEnabled bool
	DownsamplingFactor  int

	// Rapid-block only.
	RapidBlockNrCaptures int
	PreSamples           int
	PostSamples          int
	AutoArm              bool
	// TriggerOnce, when set, limits the rapid-block engine to emitting at
	// most one TriggerTag over the lifetime of the block (spec.md §6/§8).
	TriggerOnce bool

	// Streaming only.
	PollPeriod time.Duration

	// Time realignment.
	TriggerstampMatchingToleranceS float64
	MaxBufferTimeS                 float64
}

// DefaultBlockConfig returns a config with the teacher's documented
// defaults (digitizer_args' field initializers).
func DefaultBlockConfig() BlockConfig {
	return BlockConfig{
		Mode:                           ModeRapidBlock,
		SampleRate:                     1_000_000,
		DriverBufferSize:               204800,
		NrBuffers:                      4,
		DownsamplingEnabled:            false,
		DownsamplingFactor:             1,
		RapidBlockNrCaptures:           1,
		PreSamples:                     1000,
		PostSamples:                    9000,
		AutoArm:                        false,
		TriggerOnce:                    false,
		PollPeriod:                     10 * time.Millisecond,
		TriggerstampMatchingToleranceS: 0.1,
		MaxBufferTimeS:                 2.0,
	}
}

package digitizer

import (
	"context"
	"math"
	"sync"
	"time"
)

// WaveformKind selects the synthetic signal a SimulatedDriver generates,
// grounded on original_source/blocklib/digitizers/simulation_source/simulation_source_cpu.cc's
// waveform selector.
type WaveformKind int

const (
	WaveformRamp WaveformKind = iota
	WaveformSine
	WaveformSquare
)

// SimulatedDriver is a Driver implementation generating deterministic
// waveforms with injectable trigger edges, standing in for real
// hardware the way dastard's SimPulseSource/TriangleSource stand in for
// a lancero digitizer card in rpc_server.go.
type SimulatedDriver struct {
	mu sync.Mutex

	waveform  WaveformKind
	amplitude float64
	frequency float64

	cfg      BlockConfig
	channels []ChannelSetting
	ports    []PortSetting
	trigger  TriggerSetting

	cb StreamingCallback

	sampleIdx uint64
	armed     bool
	closed    bool

	streamStop chan struct{}
	streamDone chan struct{}
}

// NewSimulatedDriver constructs a driver generating the given waveform
// kind at the given amplitude (volts) and frequency (Hz; for
// WaveformRamp, the ramp repetition rate).
func NewSimulatedDriver(kind WaveformKind, amplitude, frequency float64) *SimulatedDriver {
	return &SimulatedDriver{waveform: kind, amplitude: amplitude, frequency: frequency}
}

func (d *SimulatedDriver) DriverVersion() string   { return "simdriver-1.0" }
func (d *SimulatedDriver) HardwareVersion() string { return "simulated" }

func (d *SimulatedDriver) AIChannelIDs() []string {
	ids := make([]string, 0, MaxSupportedAIChannels)
	for i := 0; i < MaxSupportedAIChannels; i++ {
		ids = append(ids, string(rune('A'+i)))
	}
	return ids
}

func (d *SimulatedDriver) AIChannelRanges() []float64 {
	return []float64{0.2, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0}
}

func (d *SimulatedDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.sampleIdx = 0
	return nil
}

func (d *SimulatedDriver) Configure(ctx context.Context, cfg BlockConfig, channels []ChannelSetting, ports []PortSetting, trigger TriggerSetting) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.channels = channels
	d.ports = ports
	d.trigger = trigger
	return nil
}

func (d *SimulatedDriver) Arm(ctx context.Context) error {
	d.mu.Lock()
	d.armed = true
	cfg := d.cfg
	d.mu.Unlock()

	if cfg.Mode == ModeStreaming {
		d.startStreaming(cfg)
	}
	return nil
}

func (d *SimulatedDriver) Disarm(ctx context.Context) error {
	d.mu.Lock()
	d.armed = false
	stop := d.streamStop
	done := d.streamDone
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	d.mu.Lock()
	d.streamStop = nil
	d.streamDone = nil
	d.mu.Unlock()
	return nil
}

func (d *SimulatedDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *SimulatedDriver) SetStreamingCallback(cb StreamingCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

// Poll is a no-op: the simulated driver delivers streaming samples from
// its own goroutine started in Arm, rather than waiting to be pumped.
func (d *SimulatedDriver) Poll(ctx context.Context) error { return nil }

func (d *SimulatedDriver) startStreaming(cfg BlockConfig) {
	stop := make(chan struct{})
	done := make(chan struct{})
	d.mu.Lock()
	d.streamStop = stop
	d.streamDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		period := cfg.PollPeriod
		if period <= 0 {
			period = 10 * time.Millisecond
		}
		nPerTick := int(cfg.SampleRate * period.Seconds())
		if nPerTick <= 0 {
			nPerTick = 1
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				raw, status := d.synthesize(nPerTick)
				d.mu.Lock()
				cb := d.cb
				d.mu.Unlock()
				if cb != nil {
					cb(raw, status, nowNanoUTC(), nPerTick)
				}
			}
		}
	}()
}

// synthesize produces n samples laid out per ChunkLayout: for each
// enabled analog channel a values block (the waveform) then an
// error-band block (always zero — the simulated driver has no noise
// model), then for each enabled digital port a square-wave byte block,
// so trigger detection has something to find on digital inputs too.
func (d *SimulatedDriver) synthesize(n int) ([]byte, []ChannelStatus) {
	d.mu.Lock()
	channels := d.channels
	ports := d.ports
	cfg := d.cfg
	waveform := d.waveform
	amp := d.amplitude
	freq := d.frequency
	startIdx := d.sampleIdx
	d.sampleIdx += uint64(n)
	d.mu.Unlock()

	nAI := countEnabledChannels(channels)
	if nAI == 0 {
		nAI = 1
	}
	nDI := countEnabledPorts(ports)
	layout := ChunkLayout{NAI: nAI, NDI: nDI, ChunkSamples: n}
	buf := make([]byte, layout.TotalBytes())
	status := make([]ChannelStatus, nAI+nDI)

	dt := 1.0 / cfg.SampleRate
	if cfg.SampleRate <= 0 {
		dt = 1e-6
	}
	for ch := 0; ch < nAI; ch++ {
		values := layout.ChannelValues(buf, ch)
		errors := layout.ChannelErrors(buf, ch)
		for s := 0; s < n; s++ {
			t := float64(startIdx+uint64(s)) * dt
			v := sampleValue(waveform, amp, freq, t)
			putFloat32LE(values[s*4:], float32(v))
			putFloat32LE(errors[s*4:], 0)
		}
	}
	fillDigitalPorts(layout, buf, nDI, startIdx)
	return buf, status
}

// fillDigitalPorts writes a deterministic square wave into each enabled
// digital port's byte span, toggling roughly 4 times over n samples so
// edge-trigger tests have something to detect.
func fillDigitalPorts(layout ChunkLayout, buf []byte, nDI int, startIdx uint64) {
	if nDI == 0 {
		return
	}
	period := layout.ChunkSamples/4 + 1
	for p := 0; p < nDI; p++ {
		portBytes := layout.PortValues(buf, p)
		for s := range portBytes {
			if (int(startIdx)+s)/period%2 == 0 {
				portBytes[s] = 0xFF
			}
		}
	}
}

func sampleValue(kind WaveformKind, amp, freq, t float64) float64 {
	switch kind {
	case WaveformSine:
		return amp * math.Sin(2*math.Pi*freq*t)
	case WaveformSquare:
		phase := math.Mod(freq*t, 1.0)
		if phase < 0.5 {
			return amp
		}
		return -amp
	default: // WaveformRamp
		phase := math.Mod(freq*t, 1.0)
		return amp * (2*phase - 1)
	}
}

func putFloat32LE(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

// PrefetchBlock immediately reports readiness; the simulated driver has
// no asynchronous DMA transfer to emulate.
func (d *SimulatedDriver) PrefetchBlock(ctx context.Context, ready RapidBlockReadyCallback) error {
	ready(nil)
	return nil
}

// GetRapidBlockData synthesizes PreSamples+PostSamples (downsampled)
// worth of data for the configured waveform, laid out per ChunkLayout
// exactly like synthesize, including the error-band and digital-port
// spans dst must have room for.
func (d *SimulatedDriver) GetRapidBlockData(ctx context.Context, dst []byte, status []ChannelStatus) (int, error) {
	d.mu.Lock()
	cfg := d.cfg
	channels := d.channels
	ports := d.ports
	waveform := d.waveform
	amp := d.amplitude
	freq := d.frequency
	d.mu.Unlock()

	n := cfg.BlockSizeWithDownsampling()
	nAI := countEnabledChannels(channels)
	if nAI == 0 {
		nAI = 1
	}
	nDI := countEnabledPorts(ports)
	layout := ChunkLayout{NAI: nAI, NDI: nDI, ChunkSamples: n}
	need := layout.TotalBytes()
	if len(dst) < need {
		return 0, newDriverError("GetRapidBlockData: dst too small", nil)
	}

	dt := 1.0 / cfg.SampleRate
	if cfg.SampleRate <= 0 {
		dt = 1e-6
	}
	for ch := 0; ch < nAI; ch++ {
		values := layout.ChannelValues(dst, ch)
		errors := layout.ChannelErrors(dst, ch)
		for s := 0; s < n; s++ {
			v := sampleValue(waveform, amp, freq, float64(s)*dt)
			putFloat32LE(values[s*4:], float32(v))
			putFloat32LE(errors[s*4:], 0)
		}
	}
	fillDigitalPorts(layout, dst, nDI, 0)
	for i := range status {
		status[i] = ChannelStatusOK
	}
	return n, nil
}

package digitizer

// AnalogTriggerDetector implements hysteresis edge detection on one
// analog channel, grounded on
// original_source/blocklib/digitizers/lib/digitizer_block_impl.cc's
// find_analog_triggers: band = range/100.0; a rising trigger fires once
// when the sample crosses >= threshold while armed, and re-arms only
// once the sample falls back to <= threshold-band (and symmetrically for
// falling). State persists across calls so hysteresis holds across chunk
// boundaries.
type AnalogTriggerDetector struct {
	threshold float64
	direction TriggerDirection
	band      float64
	armed     bool
}

// NewAnalogTriggerDetector builds a detector for the given trigger
// setting, deriving the hysteresis band from the channel's configured
// voltage range (band = range/100.0, matching the teacher exactly).
func NewAnalogTriggerDetector(setting TriggerSetting, channelRange float64) *AnalogTriggerDetector {
	return &AnalogTriggerDetector{
		threshold: setting.Threshold,
		direction: setting.Direction,
		band:      channelRange / 100.0,
		armed:     true,
	}
}

// Detect scans samples for trigger edges, returning the in-chunk sample
// offsets where a trigger fired.
func (d *AnalogTriggerDetector) Detect(samples []float64) []uint64 {
	var offsets []uint64
	switch d.direction {
	case TriggerFalling, TriggerLow:
		hi := d.threshold + d.band
		for i, v := range samples {
			if d.armed && v <= d.threshold {
				offsets = append(offsets, uint64(i))
				d.armed = false
			} else if !d.armed && v >= hi {
				d.armed = true
			}
		}
	default: // TriggerRising, TriggerHigh
		lo := d.threshold - d.band
		for i, v := range samples {
			if d.armed && v >= d.threshold {
				offsets = append(offsets, uint64(i))
				d.armed = false
			} else if !d.armed && v <= lo {
				d.armed = true
			}
		}
	}
	return offsets
}

// DigitalTriggerDetector implements edge detection on one bit of one
// digital port, grounded on find_digital_triggers: the watched bit is
// 1 << (pin_number % 8) within port pin_number / 8.
type DigitalTriggerDetector struct {
	portIdx   int
	mask      byte
	direction TriggerDirection
	lastHigh  bool
	haveLast  bool
}

// NewDigitalTriggerDetector builds a detector for the given trigger
// setting's pin number.
func NewDigitalTriggerDetector(setting TriggerSetting) *DigitalTriggerDetector {
	return &DigitalTriggerDetector{
		portIdx:   setting.PinNumber / 8,
		mask:      1 << uint(setting.PinNumber%8),
		direction: setting.Direction,
	}
}

// PortIndex reports which port byte this detector watches.
func (d *DigitalTriggerDetector) PortIndex() int { return d.portIdx }

// Detect scans one port's byte stream for edges on the watched bit,
// returning in-chunk sample offsets where a trigger fired.
func (d *DigitalTriggerDetector) Detect(portBytes []byte) []uint64 {
	var offsets []uint64
	for i, b := range portBytes {
		high := b&d.mask != 0
		if d.haveLast {
			rising := !d.lastHigh && high
			falling := d.lastHigh && !high
			switch d.direction {
			case TriggerFalling, TriggerLow:
				if falling {
					offsets = append(offsets, uint64(i))
				}
			default:
				if rising {
					offsets = append(offsets, uint64(i))
				}
			}
		}
		d.lastHigh = high
		d.haveLast = true
	}
	return offsets
}

package digitizer

import "testing"

func TestAnalogTriggerRisingHysteresis(t *testing.T) {
	setting := TriggerSetting{Threshold: 1.0, Direction: TriggerRising}
	det := NewAnalogTriggerDetector(setting, 2.0) // range=2.0 -> band=0.02, lo=0.98

	samples := []float64{0.0, 0.5, 1.0, 1.5, 1.5, 0.9, 0.97, 0.5, 1.2}
	offsets := det.Detect(samples)
	// First crossing at index 2 (1.0 >= 1.0). Re-arms once sample <= 0.98
	// (index 5, 0.9), then fires again at index 8 (1.2).
	if len(offsets) != 2 {
		t.Fatalf("expected 2 trigger edges, got %d: %v", len(offsets), offsets)
	}
	if offsets[0] != 2 {
		t.Errorf("expected first edge at offset 2, got %d", offsets[0])
	}
	if offsets[1] != 8 {
		t.Errorf("expected second edge at offset 8, got %d", offsets[1])
	}
}

func TestAnalogTriggerDoesNotRefireWithoutRearm(t *testing.T) {
	setting := TriggerSetting{Threshold: 1.0, Direction: TriggerRising}
	det := NewAnalogTriggerDetector(setting, 2.0)
	samples := []float64{1.1, 1.2, 1.3, 1.4}
	offsets := det.Detect(samples)
	if len(offsets) != 1 {
		t.Errorf("expected single edge without rearm, got %d: %v", len(offsets), offsets)
	}
}

func TestAnalogTriggerFalling(t *testing.T) {
	setting := TriggerSetting{Threshold: 1.0, Direction: TriggerFalling}
	det := NewAnalogTriggerDetector(setting, 2.0) // band=0.02, hi=1.02
	samples := []float64{2.0, 1.5, 1.0, 0.5, 0.5, 1.1, 0.9}
	offsets := det.Detect(samples)
	if len(offsets) != 2 {
		t.Fatalf("expected 2 falling edges, got %d: %v", len(offsets), offsets)
	}
	if offsets[0] != 2 || offsets[1] != 6 {
		t.Errorf("unexpected edge offsets: %v", offsets)
	}
}

func TestDigitalTriggerRisingEdgeOnCorrectBit(t *testing.T) {
	// pin 3 -> port 0, mask 1<<3 = 0x08
	setting := TriggerSetting{PinNumber: 3, Direction: TriggerRising}
	det := NewDigitalTriggerDetector(setting)
	if det.PortIndex() != 0 {
		t.Fatalf("expected port index 0, got %d", det.PortIndex())
	}
	port := []byte{0x00, 0x08, 0x08, 0x00, 0x08}
	offsets := det.Detect(port)
	if len(offsets) != 2 {
		t.Fatalf("expected 2 rising edges, got %d: %v", len(offsets), offsets)
	}
	if offsets[0] != 1 || offsets[1] != 4 {
		t.Errorf("unexpected digital edge offsets: %v", offsets)
	}
}

func TestDigitalTriggerPinAcrossPortBoundary(t *testing.T) {
	// pin 10 -> port 1, mask 1<<2 = 0x04
	setting := TriggerSetting{PinNumber: 10, Direction: TriggerRising}
	det := NewDigitalTriggerDetector(setting)
	if det.PortIndex() != 1 {
		t.Errorf("expected port index 1 for pin 10, got %d", det.PortIndex())
	}
}

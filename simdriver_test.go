package digitizer

import (
	"context"
	"testing"
)

func TestSimulatedDriverRapidBlockRoundTrip(t *testing.T) {
	d := NewSimulatedDriver(WaveformRamp, 2.0, 5)
	ctx := context.Background()
	if err := d.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	cfg := DefaultBlockConfig()
	cfg.PreSamples = 10
	cfg.PostSamples = 10
	cfg.SampleRate = 100

	channels := []ChannelSetting{DefaultChannelSetting("A")}
	channels[0].Enabled = true

	if err := d.Configure(ctx, cfg, channels, nil, DefaultTriggerSetting()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := d.Arm(ctx); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	readyErrs := make(chan error, 1)
	if err := d.PrefetchBlock(ctx, func(err error) { readyErrs <- err }); err != nil {
		t.Fatalf("PrefetchBlock: %v", err)
	}
	if err := <-readyErrs; err != nil {
		t.Fatalf("prefetch callback reported error: %v", err)
	}

	dst := make([]byte, ChunkLayout{NAI: 1, NDI: 0, ChunkSamples: 20}.TotalBytes())
	status := make([]ChannelStatus, 1)
	n, err := d.GetRapidBlockData(ctx, dst, status)
	if err != nil {
		t.Fatalf("GetRapidBlockData: %v", err)
	}
	if n != 20 {
		t.Errorf("expected 20 samples, got %d", n)
	}
	for _, s := range status {
		if s != ChannelStatusOK {
			t.Errorf("expected clean status, got %d", s)
		}
	}
}

func TestSimulatedDriverRapidBlockRejectsUndersizedBuffer(t *testing.T) {
	d := NewSimulatedDriver(WaveformSine, 1.0, 1)
	ctx := context.Background()
	cfg := DefaultBlockConfig()
	cfg.PreSamples = 100
	cfg.PostSamples = 100
	channels := []ChannelSetting{DefaultChannelSetting("A")}
	channels[0].Enabled = true
	d.Configure(ctx, cfg, channels, nil, DefaultTriggerSetting())

	dst := make([]byte, 4) // far too small
	status := make([]ChannelStatus, 1)
	if _, err := d.GetRapidBlockData(ctx, dst, status); err == nil {
		t.Errorf("expected error for undersized destination buffer")
	}
}

func TestSimulatedDriverChannelIDs(t *testing.T) {
	d := NewSimulatedDriver(WaveformSine, 1, 1)
	ids := d.AIChannelIDs()
	if len(ids) != MaxSupportedAIChannels {
		t.Fatalf("expected %d channel ids, got %d", MaxSupportedAIChannels, len(ids))
	}
	if ids[0] != "A" {
		t.Errorf("expected first channel id A, got %s", ids[0])
	}
}

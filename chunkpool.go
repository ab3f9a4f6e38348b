package digitizer

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// MaxChunks bounds the pool size, matching app_buffer_t's MAX_NR_BUFFERS.
const MaxChunks = 8192

// ChunkPoolStats is a point-in-time snapshot of pool occupancy, in the
// shape of dastard's Heartbeat/ServerStatus status snapshots.
type ChunkPoolStats struct {
	Total  int
	Free   int
	Filled int
	Lost   uint64
}

// ChunkPool is a fixed array of DataChunks split into a free queue and a
// filled queue, with a condition-variable blocking wait for "filled
// became non-empty" and a sticky pending-error slot, grounded on
// original_source/blocklib/digitizers/lib/app_buffer.h's app_buffer_t.
//
// The pool has exactly one producer (the driver callback / poll loop)
// pushing onto free->filled, and one consumer (the work step) draining
// filled->free; this matches app_buffer_t's single spsc_queue pair.
type ChunkPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	chunks []DataChunk
	layout ChunkLayout

	free   []int
	filled []int

	pendingErr error
	lost       atomic.Uint64
	closed     bool
}

// ChunkLayout describes how one DataChunk's Data buffer is carved into
// per-channel value/error-band spans and per-port byte spans, grounded
// verbatim on spec.md §3/§8: for each enabled analog channel,
// ChunkSamples f32 values then ChunkSamples f32 error-band values; then
// for each enabled digital port, ChunkSamples u8 words. TotalBytes
// matches spec.md §8's exact invariant
// n_ai*chunk_samples*sizeof(f32)*2 + n_di*chunk_samples.
type ChunkLayout struct {
	NAI          int
	NDI          int
	ChunkSamples int
}

func (l ChunkLayout) channelBlockBytes() int { return l.ChunkSamples * 4 }

// TotalBytes is the exact byte length of one chunk under this layout.
func (l ChunkLayout) TotalBytes() int {
	return l.NAI*l.channelBlockBytes()*2 + l.NDI*l.ChunkSamples
}

// ChannelValues returns the f32 values span for the ch-th enabled
// analog channel (0-based, among enabled channels only).
func (l ChunkLayout) ChannelValues(data []byte, ch int) []byte {
	start := ch * 2 * l.channelBlockBytes()
	return data[start : start+l.channelBlockBytes()]
}

// ChannelErrors returns the f32 error-band span for the ch-th enabled
// analog channel, immediately following its values span.
func (l ChunkLayout) ChannelErrors(data []byte, ch int) []byte {
	start := ch*2*l.channelBlockBytes() + l.channelBlockBytes()
	return data[start : start+l.channelBlockBytes()]
}

// PortValues returns the u8 span for the p-th enabled digital port
// (0-based, among enabled ports only), following all analog spans.
func (l ChunkLayout) PortValues(data []byte, p int) []byte {
	base := l.NAI * 2 * l.channelBlockBytes()
	start := base + p*l.ChunkSamples
	return data[start : start+l.ChunkSamples]
}

// NewChunkPool allocates a pool of nrChunks chunks, each sized to hold
// chunkSize samples across nrChannels analog channels and nrPorts
// digital ports, matching app_buffer_t::initialize's byte-size formula —
// corrected here to spec.md §8's exact invariant, which reserves a
// parallel error-band array per analog channel alongside its values
// (nrChannels*chunkSize*sizeof(float)*2 + nrPorts*chunkSize).
func NewChunkPool(nrChannels, nrPorts, chunkSize, nrChunks int) *ChunkPool {
	if nrChunks <= 0 || nrChunks > MaxChunks {
		panic("digitizer: ChunkPool nrChunks out of range")
	}
	if chunkSize <= 0 {
		panic("digitizer: ChunkPool chunkSize must be positive")
	}
	layout := ChunkLayout{NAI: nrChannels, NDI: nrPorts, ChunkSamples: chunkSize}
	chunkSizeBytes := layout.TotalBytes()

	p := &ChunkPool{
		chunks: make([]DataChunk, nrChunks),
		layout: layout,
		free:   make([]int, 0, nrChunks),
		filled: make([]int, 0, nrChunks),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := range p.chunks {
		p.chunks[i] = DataChunk{
			Data:   make([]byte, chunkSizeBytes),
			Status: make([]ChannelStatus, nrChannels+nrPorts),
		}
		p.free = append(p.free, i)
	}
	return p
}

// Reinitialize reallocates the pool's backing chunks in place, matching
// app_buffer_t::initialize's documented support for re-initialization
// (SPEC_FULL.md §4.A). Any chunks currently filled or checked out are
// discarded; callers must only call this between Configure calls, never
// while data is flowing.
func (p *ChunkPool) Reinitialize(nrChannels, nrPorts, chunkSize, nrChunks int) {
	fresh := NewChunkPool(nrChannels, nrPorts, chunkSize, nrChunks)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = fresh.chunks
	p.layout = fresh.layout
	p.free = fresh.free
	p.filled = fresh.filled
	p.pendingErr = nil
	p.lost.Store(0)
	p.closed = false
}

// TakeFree pops one chunk index off the free queue for the producer to
// fill. ok is false if the free queue is currently empty (the consumer
// hasn't returned one yet); this is not an error, the producer should
// skip this cycle.
func (p *ChunkPool) TakeFree() (idx int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	idx = p.free[0]
	p.free = p.free[1:]
	return idx, true
}

// Publish moves a filled chunk index onto the filled queue and wakes any
// consumer blocked in WaitReady. lostCount is recorded on the chunk and
// added to the pool's running total.
func (p *ChunkPool) Publish(idx int, lostCount int) {
	p.mu.Lock()
	p.chunks[idx].LostCount = lostCount
	p.chunks[idx].LocalTimestampNS = nowNanoUTC()
	p.filled = append(p.filled, idx)
	if lostCount > 0 {
		p.lost.Add(uint64(lostCount))
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// PostError sets the sticky pending error and wakes any blocked
// consumer, matching app_buffer_t::notify_data_ready(ec).
func (p *ChunkPool) PostError(err error) {
	p.mu.Lock()
	p.pendingErr = err
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close wakes any blocked consumer with ErrStopped and marks the pool
// closed; further WaitReady calls return immediately.
func (p *ChunkPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// WaitReady blocks until the filled queue is non-empty, a pending error
// has been posted, the pool is closed, or ctx is cancelled — matching
// app_buffer_t::wait_data_ready's condvar wait on
// "!d_data_chunks.empty() || d_data_rdy_errc".
func (p *ChunkPool) WaitReady(ctx context.Context) error {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
		close(done)
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.filled) == 0 && p.pendingErr == nil && !p.closed {
		select {
		case <-ctx.Done():
			return newError(ErrInterrupted, "WaitReady cancelled")
		default:
		}
		p.cond.Wait()
	}
	if p.closed && len(p.filled) == 0 {
		return newError(ErrStopped, "chunk pool closed")
	}
	if p.pendingErr != nil {
		err := p.pendingErr
		p.pendingErr = nil
		return err
	}
	return nil
}

// TakeFilled pops the oldest filled chunk index for the consumer. Panics
// if called without a prior successful WaitReady, matching the teacher's
// contract of treating misuse of the chunk-pool API as a programmer
// error (SPEC_FULL.md §2).
func (p *ChunkPool) TakeFilled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.filled) == 0 {
		panic("digitizer: TakeFilled called with no filled chunk available")
	}
	idx := p.filled[0]
	p.filled = p.filled[1:]
	return idx
}

// ReturnChunk releases a consumed chunk index back to the free queue.
func (p *ChunkPool) ReturnChunk(idx int) {
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.mu.Unlock()
}

// Chunk returns the chunk at idx for direct read/write access by the
// producer (before Publish) or consumer (after TakeFilled, before
// ReturnChunk).
func (p *ChunkPool) Chunk(idx int) *DataChunk {
	return &p.chunks[idx]
}

// Layout reports the ChunkLayout every chunk in the pool was allocated
// with, so producers/consumers can dissect Data without recomputing it.
func (p *ChunkPool) Layout() ChunkLayout {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.layout
}

// Stats reports current pool occupancy.
func (p *ChunkPool) Stats() ChunkPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ChunkPoolStats{
		Total:  len(p.chunks),
		Free:   len(p.free),
		Filled: len(p.filled),
		Lost:   p.lost.Load(),
	}
}

// ChunkHandle is a checked-out filled chunk with a Release method that
// returns it to the free queue, standing in for app_buffer_t's
// unique_ptr-with-custom-deleter return-to-pool pattern (Go has no
// direct analogue, so Release must be called explicitly).
type ChunkHandle struct {
	pool *ChunkPool
	idx  int
}

// Chunk returns the underlying chunk data.
func (h ChunkHandle) Chunk() *DataChunk { return h.pool.Chunk(h.idx) }

// Release returns the chunk to the pool's free queue. Must be called
// exactly once per handle.
func (h ChunkHandle) Release() { h.pool.ReturnChunk(h.idx) }

// TakeFilledHandle is a convenience combining TakeFilled with handle
// construction.
func (p *ChunkPool) TakeFilledHandle() ChunkHandle {
	return ChunkHandle{pool: p, idx: p.TakeFilled()}
}

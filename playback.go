// playback.go - Synchronized timeline playback engine.
//
// Two halves share one SPSC ring of timeline records plus a single target
// scalar. Refill runs on the cooperative side and may block on storage; the
// real-time side is RenderBlock, which runs once per audio quantum and never
// blocks, allocates or logs. Cross-side state follows a single-writer
// discipline: the write cursor and EOF flag belong to Refill, the read cursor
// and position belong to RenderBlock, and the available count is the only
// field both sides touch (one adds, one subtracts).

package main

import (
	"io"
	"math"
	"sync/atomic"
)

const (
	// Ring capacity in records: ~93 ms at 44.1 kHz, enough to ride out
	// storage access latency.
	RING_RECORDS = 4096

	// Output quantum in sample frames.
	BLOCK_SAMPLES = 128

	// Refill skips top-ups smaller than this; tiny reads waste storage
	// round-trips.
	REFILL_MIN_RECORDS = 256
)

type PlaybackEngine struct {
	storage Storage
	header  TimelineHeader

	ring [RING_RECORDS * TIMELINE_RECORD_SIZE]byte

	readPos   atomic.Uint32 // record index, owned by RenderBlock
	writePos  atomic.Uint32 // record index, owned by Refill
	available atomic.Int32

	position  atomic.Uint64 // current output sample, owned by RenderBlock
	target    atomic.Uint64 // sync target, written only by the timing driver
	playing   atomic.Bool
	paused    atomic.Bool
	underruns atomic.Uint64
	gainBits  atomic.Uint32

	// Deferred-seek handshake: the cooperative side performs the storage
	// seek so it never happens inside the real-time path.
	seekPending atomic.Bool
	seekSample  atomic.Uint64

	// Loop handshake: the render side performs the cursor and position reset
	// at quantum start, so the cooperative side never writes read-side
	// fields. Refill holds off topping up until the reset has run.
	loopPending atomic.Bool
	loopSample  atomic.Uint64

	// Refill-side only.
	fileNext uint64
	atEOF    bool
	scratch  []byte
}

func NewPlaybackEngine() *PlaybackEngine {
	e := &PlaybackEngine{
		scratch: make([]byte, 1024*TIMELINE_RECORD_SIZE),
	}
	e.gainBits.Store(math.Float32bits(1.0))
	return e
}

// Load validates a timeline file and resets all playback state. The length
// invariant headerSize + 2*totalSamples == fileLength is checked here so the
// real-time path can trust every read.
func (e *PlaybackEngine) Load(st Storage) error {
	if _, err := st.Seek(0, io.SeekStart); err != nil {
		return storageError("seek", err)
	}
	buf := make([]byte, TIMELINE_HEADER_SIZE)
	if _, err := io.ReadFull(st, buf); err != nil {
		return formatErrorf("timeline header truncated")
	}
	header, err := parseTimelineHeader(buf)
	if err != nil {
		return err
	}
	size, err := st.Size()
	if err != nil {
		return err
	}
	want := int64(TIMELINE_HEADER_SIZE) + int64(header.TotalSamples)*TIMELINE_RECORD_SIZE
	if size != want {
		return formatErrorf("timeline length %d, want %d for %d samples",
			size, want, header.TotalSamples)
	}

	e.storage = st
	e.header = header
	e.readPos.Store(0)
	e.writePos.Store(0)
	e.available.Store(0)
	e.position.Store(0)
	e.target.Store(0)
	e.underruns.Store(0)
	e.gainBits.Store(math.Float32bits(1.0))
	e.playing.Store(false)
	e.paused.Store(false)
	e.seekPending.Store(false)
	e.loopPending.Store(false)
	e.fileNext = 0
	e.atEOF = false
	return nil
}

func (e *PlaybackEngine) Header() TimelineHeader { return e.header }

// Refill tops the ring up from storage. Cooperative side only; this is the
// one place storage seeks and reads happen.
func (e *PlaybackEngine) Refill() error {
	if e.storage == nil {
		return nil
	}
	if e.seekPending.Load() {
		sample := e.seekSample.Load()
		off := int64(TIMELINE_HEADER_SIZE) + int64(sample)*TIMELINE_RECORD_SIZE
		if _, err := e.storage.Seek(off, io.SeekStart); err != nil {
			return storageError("seek", err)
		}
		e.fileNext = sample
		e.atEOF = false
		e.seekPending.Store(false)
	}
	// Pre-loop records are still in the ring until the render side runs the
	// loop reset; topping up now would hand it post-loop data to discard.
	if e.loopPending.Load() {
		return nil
	}
	if e.atEOF {
		return nil
	}

	free := RING_RECORDS - int(e.available.Load())
	if free < REFILL_MIN_RECORDS {
		return nil
	}
	remaining := uint64(e.header.TotalSamples) - e.fileNext
	n := uint64(free)
	if n > remaining {
		n = remaining
	}
	if chunk := uint64(len(e.scratch) / TIMELINE_RECORD_SIZE); n > chunk {
		n = chunk
	}
	if n == 0 {
		e.atEOF = true
		return nil
	}

	buf := e.scratch[:n*TIMELINE_RECORD_SIZE]
	if _, err := io.ReadFull(e.storage, buf); err != nil {
		return storageError("read", err)
	}

	wp := e.writePos.Load()
	for i := uint64(0); i < n; i++ {
		idx := wp * TIMELINE_RECORD_SIZE
		e.ring[idx] = buf[i*2]
		e.ring[idx+1] = buf[i*2+1]
		wp = (wp + 1) % RING_RECORDS
	}
	e.writePos.Store(wp)
	e.available.Add(int32(n))
	e.fileNext += n
	return nil
}

// RenderBlock produces one quantum of interleaved stereo samples. Real-time
// side: runs unconditionally every quantum and must complete inside it, so
// it never blocks, allocates or takes a lock.
func (e *PlaybackEngine) RenderBlock(out []int16) {
	// Loop reset, requested by the cooperative side: drop whatever pre-loop
	// records are buffered and move position to the loop sample. Runs here
	// because readPos and position are owned by this side; the drop goes
	// through available.Add so a concurrent refill top-up is never lost.
	if e.loopPending.Load() {
		if drop := e.available.Load(); drop > 0 {
			e.readPos.Store((e.readPos.Load() + uint32(drop)) % RING_RECORDS)
			e.available.Add(-drop)
		}
		e.position.Store(e.loopSample.Load())
		e.loopPending.Store(false)
	}

	frames := len(out) / 2
	if !e.playing.Load() || e.paused.Load() {
		for i := range out {
			out[i] = 0
		}
		return
	}

	pos := e.position.Load()
	target := e.target.Load()
	rp := e.readPos.Load()

	// Catch-up: when lagging the target by more than half a block, drop
	// ring records to close the gap, bounded to one block per quantum.
	// The timeline already encodes exact output-rate timing, so this is
	// repositioning, never resampling.
	if target > pos {
		lag := target - pos
		if lag > uint64(frames)/2 {
			skip := lag
			if skip > uint64(frames) {
				skip = uint64(frames)
			}
			if avail := uint64(e.available.Load()); skip > avail {
				skip = avail
			}
			if skip > 0 {
				rp = uint32((uint64(rp) + skip) % RING_RECORDS)
				e.available.Add(-int32(skip))
				pos += skip
			}
		}
	}

	gain := math.Float32frombits(e.gainBits.Load())
	total := uint64(e.header.TotalSamples)
	underrun := false

	for i := 0; i < frames; i++ {
		// End of timeline: fill with silence, no auto-loop. Loop
		// re-entry is an explicit SeekToLoop from the owning driver.
		if pos >= total {
			out[i*2] = 0
			out[i*2+1] = 0
			continue
		}
		if e.available.Load() == 0 {
			out[i*2] = 0
			out[i*2+1] = 0
			// Running dry while ahead of the target is expected
			// (the driver hasn't caught up); only behind-target
			// starvation is a real underrun.
			if pos < e.target.Load() {
				underrun = true
			}
			continue
		}
		idx := rp * TIMELINE_RECORD_SIZE
		left, right := decodeTimelineRecord(e.ring[idx], e.ring[idx+1])
		out[i*2] = int16(float32(left) * gain)
		out[i*2+1] = int16(float32(right) * gain)
		rp = (rp + 1) % RING_RECORDS
		e.available.Add(-1)
		pos++
	}

	if underrun {
		e.underruns.Add(1)
	}
	e.readPos.Store(rp)
	e.position.Store(pos)
}

// SeekToLoop requests loop re-entry. Cooperative side only; the read-side
// fields belong to RenderBlock, so the actual cursor and position reset runs
// there at the next quantum, and the storage seek runs on the refill side.
func (e *PlaybackEngine) SeekToLoop() error {
	if !e.header.HasLoop() {
		return formatErrorf("timeline has no loop point")
	}
	loop := uint64(e.header.LoopSample)
	e.loopSample.Store(loop)
	e.loopPending.Store(true)
	e.seekSample.Store(loop)
	e.seekPending.Store(true)
	return nil
}

// SetTargetSample publishes the timing driver's master clock. Single-field
// write, once per driver tick.
func (e *PlaybackEngine) SetTargetSample(t uint64) {
	e.target.Store(t)
}

// GetSyncDrift returns current position minus target. Diagnostic only.
func (e *PlaybackEngine) GetSyncDrift() int64 {
	return int64(e.position.Load()) - int64(e.target.Load())
}

func (e *PlaybackEngine) SetGain(g float32) {
	if g < 0 {
		g = 0
	}
	e.gainBits.Store(math.Float32bits(g))
}

func (e *PlaybackEngine) Play() { e.playing.Store(true) }

func (e *PlaybackEngine) Pause(paused bool) {
	e.paused.Store(paused)
}

func (e *PlaybackEngine) Stop() {
	e.playing.Store(false)
	e.paused.Store(false)
}

func (e *PlaybackEngine) IsPlaying() bool { return e.playing.Load() }

func (e *PlaybackEngine) Position() uint64  { return e.position.Load() }
func (e *PlaybackEngine) Underruns() uint64 { return e.underruns.Load() }

func (e *PlaybackEngine) AtTimelineEnd() bool {
	return e.position.Load() >= uint64(e.header.TotalSamples)
}

// RingAvailable reports buffered records. Diagnostic only.
func (e *PlaybackEngine) RingAvailable() int {
	return int(e.available.Load())
}

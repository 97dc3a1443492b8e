//go:build !headless

// audio_backend_oto.go - OTO v3 audio output implementation.

package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

type OtoOutput struct {
	ctx     *oto.Context
	player  *oto.Player
	engine  atomic.Pointer[PlaybackEngine] // Atomic for lock-free Read()
	block   []int16                        // Pre-allocated quantum buffer
	started bool
	mutex   sync.Mutex // Only for setup/control operations
}

func NewOtoOutput(sampleRate int, engine *PlaybackEngine) (*OtoOutput, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   10 * time.Millisecond,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready

	o := &OtoOutput{
		ctx:   ctx,
		block: make([]int16, BLOCK_SAMPLES*2),
	}
	o.engine.Store(engine)
	o.player = ctx.NewPlayer(o)
	return o, nil
}

// Read is the real-time pull path: oto drains it once per device quantum.
// No locks, no allocation; the engine pointer is loaded atomically.
func (o *OtoOutput) Read(p []byte) (n int, err error) {
	engine := o.engine.Load()
	if engine == nil {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	frames := len(p) / 4 // 2 channels x int16
	off := 0
	for frames > 0 {
		chunk := BLOCK_SAMPLES
		if chunk > frames {
			chunk = frames
		}
		buf := o.block[:chunk*2]
		engine.RenderBlock(buf)
		for _, s := range buf {
			p[off] = byte(uint16(s))
			p[off+1] = byte(uint16(s) >> 8)
			off += 2
		}
		frames -= chunk
	}
	return len(p), nil
}

func (o *OtoOutput) Start() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if !o.started && o.player != nil {
		o.player.Play()
		o.started = true
	}
}

func (o *OtoOutput) Stop() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.started && o.player != nil {
		o.player.Pause()
		o.started = false
	}
}

func (o *OtoOutput) Close() {
	o.Stop()
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
}

func (o *OtoOutput) IsStarted() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.started
}

// driver.go - Command-log timing driver.
//
// A periodic timer replays the command log in real time, dispatching register
// writes to the active chip collaborators. The driver's running sampleCount
// is the master clock for the whole subsystem: it is published to the
// playback engine once per tick as the synchronization target, and nothing
// else crosses between the two clock domains.

package main

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ossrs/go-oryx-lib/logger"
)

const (
	DRIVER_TICK_SAMPLES = BLOCK_SAMPLES
	DRIVER_TICK_PERIOD  = DRIVER_TICK_SAMPLES * time.Second / SAMPLE_RATE

	DEFAULT_MAX_LOOPS    = 2
	DEFAULT_FADE_SECONDS = 3
)

// activeDriver is the single static back-reference for the timer callback,
// set immediately before the timer is armed and cleared right after it is
// disarmed. All per-instance state lives on the driver itself.
var activeDriver atomic.Pointer[VGMDriver]

type VGMDriver struct {
	mu       sync.Mutex
	ctx      context.Context
	reader   *VGMReader
	chip     ChipWriter
	playback *PlaybackEngine

	// timelineActive means the DAC channel plays from the pre-rendered
	// timeline; direct DAC register traffic is then suppressed so the two
	// audio sources are never both live.
	timelineActive bool

	sampleCount uint64
	pendingWait uint64
	playing     bool
	finished    bool

	loopCount   int
	maxLoops    int
	fadeSamples uint64
	fading      bool
	fadeStart   uint64

	ticker *time.Ticker
	done   chan struct{}
}

func NewVGMDriver(ctx context.Context, reader *VGMReader, chip ChipWriter) *VGMDriver {
	if chip == nil {
		chip = nullChip{}
	}
	return &VGMDriver{
		ctx:         ctx,
		reader:      reader,
		chip:        chip,
		maxLoops:    DEFAULT_MAX_LOOPS,
		fadeSamples: DEFAULT_FADE_SECONDS * SAMPLE_RATE,
	}
}

// AttachPlayback wires the playback engine as the sync-target consumer.
// timelineActive engages the DAC mutual-exclusion guard.
func (d *VGMDriver) AttachPlayback(p *PlaybackEngine, timelineActive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playback = p
	d.timelineActive = timelineActive
}

// SetLoopLimit configures how many loop passes play before the fade starts
// and how long the linear fade lasts.
func (d *VGMDriver) SetLoopLimit(loops int, fadeSeconds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if loops > 0 {
		d.maxLoops = loops
	}
	if fadeSeconds > 0 {
		d.fadeSamples = uint64(fadeSeconds) * SAMPLE_RATE
	}
}

// Start arms the periodic timer. The back-reference is published first so
// the free-function tick can find the instance.
func (d *VGMDriver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playing {
		return
	}
	d.playing = true
	d.finished = false

	activeDriver.Store(d)
	d.ticker = time.NewTicker(DRIVER_TICK_PERIOD)
	d.done = make(chan struct{})
	go func(tick <-chan time.Time, done <-chan struct{}) {
		for {
			select {
			case <-done:
				return
			case <-tick:
				driverTimerTick()
			}
		}
	}(d.ticker.C, d.done)
}

// Stop disarms the timer and clears the back-reference. An in-flight tick
// simply observes "not playing" and does nothing.
func (d *VGMDriver) Stop() {
	d.mu.Lock()
	if !d.playing {
		d.mu.Unlock()
		return
	}
	d.playing = false
	d.ticker.Stop()
	close(d.done)
	d.mu.Unlock()

	activeDriver.CompareAndSwap(d, nil)
}

// driverTimerTick is the timer callback: a free function with no captured
// context, reaching the one active driver through the static back-pointer.
func driverTimerTick() {
	d := activeDriver.Load()
	if d == nil {
		return
	}
	d.Tick(DRIVER_TICK_SAMPLES)
}

// Tick advances the master clock by n samples, executing every command that
// falls due and then publishing the new position as the playback target.
func (d *VGMDriver) Tick(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.playing || d.finished {
		return
	}

	// A log whose loop region contains no waits would otherwise spin this
	// tick forever.
	commandGuard := 100000

	budget := n
	for budget > 0 {
		commandGuard--
		if commandGuard < 0 {
			logger.Ef(d.ctx, "driver: no wait commands in loop region, stopping")
			d.finished = true
			break
		}
		if d.pendingWait > 0 {
			step := d.pendingWait
			if step > budget {
				step = budget
			}
			d.sampleCount += step
			d.pendingWait -= step
			budget -= step
			if !d.timelineActive {
				d.reader.UpdateStreams(d.sampleCount, d.chip)
			}
			continue
		}

		if d.reader.AtEnd() {
			if !d.handleEndLocked() {
				break
			}
			continue
		}

		cmd, err := d.reader.ReadByte()
		if err == io.EOF {
			continue
		}
		if err != nil {
			logger.Ef(d.ctx, "driver: read failed: %v", err)
			d.finished = true
			break
		}
		if cmd == CMD_END {
			if !d.handleEndLocked() {
				break
			}
			continue
		}
		if err := d.executeLocked(cmd); err != nil {
			logger.Ef(d.ctx, "driver: command 0x%02X failed: %v", cmd, err)
			d.finished = true
			break
		}
	}

	d.publishLocked()

	// Top up the timeline ring while still on the cooperative side; this
	// also services any deferred seek left by a loop re-entry.
	if d.playback != nil && d.timelineActive {
		if err := d.playback.Refill(); err != nil {
			logger.Ef(d.ctx, "driver: refill failed: %v", err)
			d.finished = true
		}
	}
}

// handleEndLocked deals with end-of-data: loop re-entry when the container
// loops, otherwise finish. Returns false when the tick should stop early.
func (d *VGMDriver) handleEndLocked() bool {
	hdr := d.reader.Header()
	if !hdr.HasLoop() {
		d.finished = true
		return false
	}

	if err := d.reader.SeekToLoop(); err != nil {
		logger.Ef(d.ctx, "driver: loop seek failed: %v", err)
		d.finished = true
		return false
	}
	if d.playback != nil && d.timelineActive {
		if err := d.playback.SeekToLoop(); err != nil {
			logger.Wf(d.ctx, "driver: timeline loop seek failed: %v", err)
		}
	}
	d.loopCount++
	if d.loopCount >= d.maxLoops && !d.fading {
		d.fading = true
		d.fadeStart = d.sampleCount
	}
	return true
}

func (d *VGMDriver) executeLocked(cmd byte) error {
	r := d.reader
	switch {
	case cmd == CMD_PSG:
		ops, err := r.ReadOperands(1)
		if err != nil {
			return err
		}
		d.chip.WriteRegister(CHIP_PORT_PSG, 0, ops[0])
	case cmd == CMD_YM2612_P0:
		ops, err := r.ReadOperands(2)
		if err != nil {
			return err
		}
		d.dispatchYM2612Locked(CHIP_PORT_YM2612_0, ops[0], ops[1])
	case cmd == CMD_YM2612_P1:
		ops, err := r.ReadOperands(2)
		if err != nil {
			return err
		}
		d.chip.WriteRegister(CHIP_PORT_YM2612_1, ops[0], ops[1])
	case cmd == CMD_WAIT16:
		ops, err := r.ReadOperands(2)
		if err != nil {
			return err
		}
		d.pendingWait = uint64(binary.LittleEndian.Uint16(ops))
	case cmd == CMD_WAIT_NTSC:
		d.pendingWait = WAIT_NTSC_SAMPLES
	case cmd == CMD_WAIT_PAL:
		d.pendingWait = WAIT_PAL_SAMPLES
	case cmd >= 0x70 && cmd <= 0x7F:
		d.pendingWait = uint64(cmd&0x0F) + 1
	case cmd >= 0x80 && cmd <= 0x8F:
		// Bank byte to the DAC plus wait. The bank cursor advances even
		// when the timeline owns the DAC, or the two would desync.
		b, ok := r.ReadDataBankByte()
		if ok && !d.timelineActive {
			d.chip.WritePCMSample(b)
		}
		d.pendingWait = uint64(cmd & 0x0F)
	case cmd == CMD_DATA_BLOCK:
		return d.dataBlockLocked()
	case cmd == CMD_SEEK_BANK:
		ops, err := r.ReadOperands(4)
		if err != nil {
			return err
		}
		r.SeekDataBank(binary.LittleEndian.Uint32(ops))
	case cmd >= CMD_DS_SETUP && cmd <= CMD_DS_FAST:
		return d.streamCommandLocked(cmd)
	default:
		return r.SkipCommand(cmd)
	}
	return nil
}

// dispatchYM2612Locked forwards a port-0 write, suppressing DAC traffic while
// the pre-rendered timeline owns that channel: the value write is dropped and
// the enable write is forced to "disabled" so the chip's own DAC stays muted.
func (d *VGMDriver) dispatchYM2612Locked(port, reg, value uint8) {
	if d.timelineActive && port == CHIP_PORT_YM2612_0 {
		switch reg {
		case YM2612_REG_DAC:
			return
		case YM2612_REG_DAC_EN:
			d.chip.WriteRegister(port, reg, 0)
			return
		}
	}
	d.chip.WriteRegister(port, reg, value)
}

func (d *VGMDriver) dataBlockLocked() error {
	r := d.reader
	ops, err := r.ReadOperands(6)
	if err != nil {
		return err
	}
	if ops[0] != CMD_END {
		return formatErrorf("data block missing 0x66 marker at 0x%X", r.Cursor())
	}
	blockType := ops[1]
	size := binary.LittleEndian.Uint32(ops[2:6]) & 0x7FFFFFFF
	payload, err := r.ReadData(size)
	if err != nil {
		return err
	}
	if blockType != 0x00 {
		return nil
	}
	if !r.AppendDataBank(payload) {
		logger.Wf(d.ctx, "driver: data bank full, block truncated")
	}
	return nil
}

func (d *VGMDriver) streamCommandLocked(cmd byte) error {
	r := d.reader
	switch cmd {
	case CMD_DS_SETUP:
		ops, err := r.ReadOperands(4)
		if err != nil {
			return err
		}
		r.StreamSetup(ops[0], ops[1], ops[2], ops[3])
	case CMD_DS_DATA:
		ops, err := r.ReadOperands(4)
		if err != nil {
			return err
		}
		r.StreamSetData(ops[0], ops[1], ops[2], ops[3])
	case CMD_DS_FREQ:
		ops, err := r.ReadOperands(5)
		if err != nil {
			return err
		}
		r.StreamSetFrequency(ops[0], binary.LittleEndian.Uint32(ops[1:5]))
	case CMD_DS_START:
		ops, err := r.ReadOperands(10)
		if err != nil {
			return err
		}
		r.StreamStart(ops[0], binary.LittleEndian.Uint32(ops[1:5]), ops[5],
			binary.LittleEndian.Uint32(ops[6:10]))
	case CMD_DS_STOP:
		ops, err := r.ReadOperands(1)
		if err != nil {
			return err
		}
		r.StreamStop(ops[0])
	case CMD_DS_FAST:
		ops, err := r.ReadOperands(4)
		if err != nil {
			return err
		}
		r.StreamFastStart(ops[0], binary.LittleEndian.Uint16(ops[1:3]), ops[3])
	}
	return nil
}

// publishLocked pushes the master clock to the playback engine and runs the
// end-of-loop fade ramp.
func (d *VGMDriver) publishLocked() {
	if d.playback == nil {
		return
	}
	d.playback.SetTargetSample(d.sampleCount)

	if d.fading {
		elapsed := d.sampleCount - d.fadeStart
		if elapsed >= d.fadeSamples {
			d.playback.SetGain(0)
			d.finished = true
			return
		}
		gain := 1.0 - float32(elapsed)/float32(d.fadeSamples)
		d.playback.SetGain(gain)
	}
}

func (d *VGMDriver) SampleCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleCount
}

func (d *VGMDriver) LoopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopCount
}

func (d *VGMDriver) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

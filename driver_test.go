// driver_test.go - Timing driver tests: wait accounting, register dispatch,
// DAC suppression, loop counting and the fade ramp.

package main

import (
	"context"
	"math"
	"testing"
)

type chipWrite struct {
	port, reg, value uint8
}

// recordingChip captures all dispatched writes for inspection.
type recordingChip struct {
	writes []chipWrite
	pcm    []uint8
}

func (c *recordingChip) WriteRegister(port, reg, value uint8) {
	c.writes = append(c.writes, chipWrite{port, reg, value})
}

func (c *recordingChip) WritePCMSample(value uint8) {
	c.pcm = append(c.pcm, value)
}

// newTestDriver builds a driver over an in-memory container with the timer
// disarmed; tests advance the clock by calling Tick directly.
func newTestDriver(t *testing.T, data []byte, chip ChipWriter) *VGMDriver {
	t.Helper()
	r := openReader(t, data)
	t.Cleanup(func() { r.Close() })
	d := NewVGMDriver(context.Background(), r, chip)
	d.playing = true
	return d
}

func TestDriver_TickConsumesWaits(t *testing.T) {
	cmds := append(wait16(1000), CMD_END)
	d := newTestDriver(t, buildVGM(cmds, 1000, 0, -1, 0), nil)

	d.Tick(400)
	if got := d.SampleCount(); got != 400 {
		t.Fatalf("sample count after partial wait: got %d, want 400", got)
	}
	d.Tick(600)
	if got := d.SampleCount(); got != 1000 {
		t.Fatalf("sample count after full wait: got %d, want 1000", got)
	}

	// End of data, no loop: the driver finishes.
	d.Tick(100)
	if !d.Finished() {
		t.Error("driver not finished at end of loopless log")
	}
	if got := d.SampleCount(); got != 1000 {
		t.Errorf("clock moved past end: %d", got)
	}
}

func TestDriver_ShortWaitFamilies(t *testing.T) {
	cmds := []byte{
		CMD_WAIT_NTSC, // 735
		CMD_WAIT_PAL,  // 882
		0x70,          // 1
		0x7F,          // 16
		CMD_END,
	}
	d := newTestDriver(t, buildVGM(cmds, 1634, 0, -1, 0), nil)
	d.Tick(1634)
	if got := d.SampleCount(); got != 1634 {
		t.Errorf("sample count: got %d, want 1634", got)
	}
}

func TestDriver_PublishesTargetToPlayback(t *testing.T) {
	cmds := append(wait16(2000), CMD_END)
	d := newTestDriver(t, buildVGM(cmds, 2000, 0, -1, 0), nil)

	e := NewPlaybackEngine()
	d.AttachPlayback(e, false)

	d.Tick(500)
	if got := e.target.Load(); got != 500 {
		t.Errorf("published target: got %d, want 500", got)
	}
	d.Tick(500)
	if got := e.target.Load(); got != 1000 {
		t.Errorf("published target: got %d, want 1000", got)
	}
}

func TestDriver_RegisterDispatch(t *testing.T) {
	cmds := []byte{
		CMD_PSG, 0x9F,
		0x52, 0x22, 0x08,
		0x53, 0xB4, 0xC0,
		CMD_END,
	}
	chip := &recordingChip{}
	d := newTestDriver(t, buildVGM(cmds, 0, 0, -1, 0), chip)
	d.Tick(1)

	want := []chipWrite{
		{CHIP_PORT_PSG, 0, 0x9F},
		{CHIP_PORT_YM2612_0, 0x22, 0x08},
		{CHIP_PORT_YM2612_1, 0xB4, 0xC0},
	}
	if len(chip.writes) != len(want) {
		t.Fatalf("writes: got %d, want %d", len(chip.writes), len(want))
	}
	for i, w := range want {
		if chip.writes[i] != w {
			t.Errorf("write %d: got %+v, want %+v", i, chip.writes[i], w)
		}
	}
}

func TestDriver_DACSuppressionWithTimeline(t *testing.T) {
	cmds := []byte{
		0x52, YM2612_REG_DAC, 0x55, // dropped
		0x52, YM2612_REG_DAC_EN, 0x80, // forced to disabled
		0x52, 0x30, 0x11, // unrelated port-0 write passes
		CMD_END,
	}
	chip := &recordingChip{}
	d := newTestDriver(t, buildVGM(cmds, 0, 0, -1, 7670453), chip)
	d.AttachPlayback(NewPlaybackEngine(), true)
	d.Tick(1)

	want := []chipWrite{
		{CHIP_PORT_YM2612_0, YM2612_REG_DAC_EN, 0x00},
		{CHIP_PORT_YM2612_0, 0x30, 0x11},
	}
	if len(chip.writes) != len(want) {
		t.Fatalf("writes: got %+v, want %+v", chip.writes, want)
	}
	for i, w := range want {
		if chip.writes[i] != w {
			t.Errorf("write %d: got %+v, want %+v", i, chip.writes[i], w)
		}
	}
}

func TestDriver_DACPassthroughWithoutTimeline(t *testing.T) {
	cmds := []byte{
		0x52, YM2612_REG_DAC, 0x55,
		0x52, YM2612_REG_DAC_EN, 0x80,
		CMD_END,
	}
	chip := &recordingChip{}
	d := newTestDriver(t, buildVGM(cmds, 0, 0, -1, 7670453), chip)
	d.AttachPlayback(NewPlaybackEngine(), false)
	d.Tick(1)

	want := []chipWrite{
		{CHIP_PORT_YM2612_0, YM2612_REG_DAC, 0x55},
		{CHIP_PORT_YM2612_0, YM2612_REG_DAC_EN, 0x80},
	}
	if len(chip.writes) != len(want) {
		t.Fatalf("writes: got %+v, want %+v", chip.writes, want)
	}
	for i, w := range want {
		if chip.writes[i] != w {
			t.Errorf("write %d: got %+v, want %+v", i, chip.writes[i], w)
		}
	}
}

func TestDriver_BankBytesFeedPCM(t *testing.T) {
	var cmds []byte
	cmds = append(cmds, CMD_DATA_BLOCK, CMD_END, 0x00, 0x03, 0x00, 0x00, 0x00, 9, 8, 7)
	cmds = append(cmds, 0x81, 0x81, 0x81)
	cmds = append(cmds, CMD_END)

	chip := &recordingChip{}
	d := newTestDriver(t, buildVGM(cmds, 3, 0, -1, 7670453), chip)
	d.Tick(3)

	if len(chip.pcm) != 3 || chip.pcm[0] != 9 || chip.pcm[1] != 8 || chip.pcm[2] != 7 {
		t.Errorf("pcm samples: got %v, want [9 8 7]", chip.pcm)
	}
}

func TestDriver_BankCursorAdvancesWhileSuppressed(t *testing.T) {
	// With the timeline owning the DAC the 0x8n bytes are not dispatched, but
	// the bank cursor must still advance or a later 0xE0 seek would desync.
	var cmds []byte
	cmds = append(cmds, CMD_DATA_BLOCK, CMD_END, 0x00, 0x03, 0x00, 0x00, 0x00, 9, 8, 7)
	cmds = append(cmds, 0x81, 0x81, 0x81)
	cmds = append(cmds, CMD_END)

	chip := &recordingChip{}
	d := newTestDriver(t, buildVGM(cmds, 3, 0, -1, 7670453), chip)
	d.AttachPlayback(NewPlaybackEngine(), true)
	d.Tick(3)

	if len(chip.pcm) != 0 {
		t.Errorf("pcm dispatched while suppressed: %v", chip.pcm)
	}
	if _, ok := d.reader.ReadDataBankByte(); ok {
		t.Error("bank cursor did not advance through all bytes")
	}
}

func TestDriver_LoopCountAndFade(t *testing.T) {
	// One NTSC frame of wait, looping over the whole log.
	cmds := []byte{CMD_WAIT_NTSC, CMD_END}
	d := newTestDriver(t, buildVGM(cmds, 735, 735, 0, 0), nil)

	e := NewPlaybackEngine()
	d.AttachPlayback(e, false)
	d.SetLoopLimit(1, 1)

	d.Tick(WAIT_NTSC_SAMPLES)
	if d.LoopCount() != 0 {
		t.Fatalf("looped before end of data: %d", d.LoopCount())
	}

	// Next tick crosses the end, re-enters the loop and starts the fade.
	d.Tick(WAIT_NTSC_SAMPLES)
	if got := d.LoopCount(); got != 1 {
		t.Fatalf("loop count: got %d, want 1", got)
	}
	gain := math.Float32frombits(e.gainBits.Load())
	if gain >= 1.0 {
		t.Fatalf("fade not engaged, gain %v", gain)
	}

	// Keep ticking until the one-second fade bottoms out.
	for i := 0; i < 200 && !d.Finished(); i++ {
		d.Tick(WAIT_NTSC_SAMPLES)
	}
	if !d.Finished() {
		t.Fatal("driver never finished after fade")
	}
	if gain := math.Float32frombits(e.gainBits.Load()); gain != 0 {
		t.Errorf("final gain: got %v, want 0", gain)
	}
}

func TestDriver_StartStopBackReference(t *testing.T) {
	cmds := append(wait16(44100), CMD_END)
	d := newTestDriver(t, buildVGM(cmds, 44100, 0, -1, 0), nil)
	d.playing = false

	d.Start()
	if activeDriver.Load() != d {
		t.Fatal("Start did not publish the back-reference")
	}
	d.Stop()
	if activeDriver.Load() != nil {
		t.Fatal("Stop did not clear the back-reference")
	}
}

func TestDriverTimerTick_NoActiveDriver(t *testing.T) {
	activeDriver.Store(nil)
	driverTimerTick() // must be a no-op
}

func TestDriver_GuardsWaitlessLoop(t *testing.T) {
	// A loop region with no wait commands would spin a tick forever; the
	// driver must bail out instead.
	cmds := []byte{0x52, 0x22, 0x01, CMD_END}
	d := newTestDriver(t, buildVGM(cmds, 0, 0, 0, 0), &recordingChip{})
	// Header claims a loop over a waitless region.
	d.reader.header.LoopSamples = 100

	d.Tick(10)
	if !d.Finished() {
		t.Fatal("driver did not stop on a waitless loop region")
	}
}

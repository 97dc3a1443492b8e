// player_test.go - Playback controller tests against the headless backend.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestPlayer(t *testing.T) *VGMPlayer {
	t.Helper()
	p := NewVGMPlayer(context.Background(), nil, AUDIO_BACKEND_HEADLESS)
	t.Cleanup(p.Close)
	return p
}

// dacContainer is a one-second DAC track with a loop at the half point.
func dacContainer() []byte {
	var cmds []byte
	cmds = append(cmds, 0x52, YM2612_REG_DAC_EN, 0x80)
	cmds = append(cmds, 0x52, YM2612_REG_DAC, 0x40)
	cmds = append(cmds, wait16(22050)...)
	loopAt := len(cmds)
	cmds = append(cmds, 0x52, YM2612_REG_DAC, 0xC0)
	cmds = append(cmds, wait16(22050)...)
	cmds = append(cmds, CMD_END)
	return buildVGM(cmds, 44100, 22050, loopAt, 7670453)
}

func TestPlayer_LoadDataWithDAC(t *testing.T) {
	p := newTestPlayer(t)
	if err := p.LoadData(dacContainer()); err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if !p.prerendered {
		t.Fatal("DAC container did not trigger a pre-render")
	}
	if p.timeline.TotalSamples != 44100 {
		t.Errorf("timeline samples: got %d", p.timeline.TotalSamples)
	}
	if p.timeline.LoopSample != 22050 {
		t.Errorf("timeline loop: got %d", p.timeline.LoopSample)
	}
	if got := p.DurationSeconds(); got != 1.0 {
		t.Errorf("duration: got %v, want 1.0", got)
	}
}

func TestPlayer_LoadDataWithoutDAC(t *testing.T) {
	p := newTestPlayer(t)
	cmds := append(append([]byte{CMD_PSG, 0x9F}, wait16(44100)...), CMD_END)
	if err := p.LoadData(buildVGM(cmds, 44100, 0, -1, 0)); err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if p.prerendered {
		t.Error("pre-render ran without a YM2612 clock")
	}
	if p.TimelinePath() != "" {
		t.Error("timeline file staged for an in-memory load")
	}
}

func TestPlayer_LoadDataEmpty(t *testing.T) {
	p := newTestPlayer(t)
	if err := p.LoadData(nil); err == nil {
		t.Fatal("expected error for empty container")
	}
}

func TestPlayer_LoadFileStagesAndCleansTimeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.vgm")
	if err := os.WriteFile(path, dacContainer(), 0o644); err != nil {
		t.Fatalf("write container: %v", err)
	}

	p := newTestPlayer(t)
	p.SetTempDir(dir)
	if err := p.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tl := p.TimelinePath()
	if tl == "" {
		t.Fatal("no timeline staged for a DAC container")
	}
	info, err := os.Stat(tl)
	if err != nil {
		t.Fatalf("stat timeline: %v", err)
	}
	want := int64(TIMELINE_HEADER_SIZE + 44100*TIMELINE_RECORD_SIZE)
	if info.Size() != want {
		t.Errorf("timeline size: got %d, want %d", info.Size(), want)
	}

	p.Close()
	if _, err := os.Stat(tl); !os.IsNotExist(err) {
		t.Errorf("timeline not removed on close: %v", err)
	}
}

func TestPlayer_LoadMissingFile(t *testing.T) {
	p := newTestPlayer(t)
	if err := p.Load(filepath.Join(t.TempDir(), "absent.vgm")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPlayer_PlayStop(t *testing.T) {
	p := newTestPlayer(t)
	if err := p.LoadData(dacContainer()); err != nil {
		t.Fatalf("LoadData: %v", err)
	}

	p.Play()
	if !p.IsPlaying() {
		t.Fatal("IsPlaying false after Play")
	}
	if !p.playback.IsPlaying() {
		t.Error("playback engine not started")
	}

	p.Stop()
	if p.IsPlaying() {
		t.Fatal("IsPlaying true after Stop")
	}
}

func TestPlayer_DurationText(t *testing.T) {
	p := newTestPlayer(t)
	if got := p.DurationText(); got != "" {
		t.Errorf("empty player duration: %q", got)
	}

	cmds := append(wait16(44100), CMD_END)
	if err := p.LoadData(buildVGM(cmds, 90*SAMPLE_RATE, 0, -1, 0)); err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if got := p.DurationText(); got != "1:30" {
		t.Errorf("duration text: got %q, want 1:30", got)
	}
}

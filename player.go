// player.go - Unified VGM playback controller.
//
// Ties the pieces together for one track: open the container, pre-render the
// DAC timeline when the header says a YM2612 is present, then run the timing
// driver and the synchronized playback engine against the same clock.

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

type VGMPlayer struct {
	ctx     context.Context
	chip    ChipWriter
	backend int
	tempDir string

	mu       sync.Mutex
	reader   *VGMReader
	driver   *VGMDriver
	playback *PlaybackEngine
	output   AudioOutput

	header      VGMHeader
	timeline    TimelineHeader
	prerendered bool
	timelineTmp string
	timelineSt  Storage

	loops       int
	fadeSeconds int
	started     bool

	// Progress receives pre-render progress during Load. Optional.
	Progress ProgressFunc
}

func NewVGMPlayer(ctx context.Context, chip ChipWriter, backend int) *VGMPlayer {
	return &VGMPlayer{
		ctx:         ctx,
		chip:        chip,
		backend:     backend,
		tempDir:     os.TempDir(),
		loops:       DEFAULT_MAX_LOOPS,
		fadeSeconds: DEFAULT_FADE_SECONDS,
	}
}

func (p *VGMPlayer) SetLoopLimit(loops, fadeSeconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if loops > 0 {
		p.loops = loops
	}
	if fadeSeconds > 0 {
		p.fadeSeconds = fadeSeconds
	}
	if p.driver != nil {
		p.driver.SetLoopLimit(p.loops, p.fadeSeconds)
	}
}

// SetTempDir overrides where pre-rendered timelines are staged.
func (p *VGMPlayer) SetTempDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tempDir = dir
}

func (p *VGMPlayer) Load(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloadLocked()

	open := func() (*VGMReader, error) {
		st, err := OpenFileStorage(path)
		if err != nil {
			return nil, err
		}
		r, err := OpenVGMReader(st)
		if err != nil {
			st.Close()
			return nil, err
		}
		return r, nil
	}

	scan, err := open()
	if err != nil {
		return errors.Wrapf(err, "open %v", path)
	}
	p.header = scan.Header()

	if p.header.YM2612ClockHz != 0 {
		tmp := filepath.Join(p.tempDir, "vgmdeck-"+uuid.NewString()+".prt")
		if err := p.prerenderLocked(scan, tmp); err != nil {
			scan.Close()
			return err
		}
		p.timelineTmp = tmp
		scan.Close()

		st, err := OpenFileStorage(tmp)
		if err != nil {
			p.unloadLocked()
			return err
		}
		p.timelineSt = st
		live, err := open()
		if err != nil {
			p.unloadLocked()
			return errors.Wrapf(err, "reopen %v", path)
		}
		p.reader = live
		return p.wireLocked(st)
	}

	// No DAC chip: the container drives only register synthesis, so the
	// scan reader doubles as the live reader.
	p.reader = scan
	return p.wireLocked(nil)
}

// LoadData loads a container from memory, staging the timeline in memory too.
func (p *VGMPlayer) LoadData(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloadLocked()

	if len(data) == 0 {
		return formatErrorf("empty container")
	}
	scan, err := OpenVGMReader(NewMemStorage(data))
	if err != nil {
		return err
	}
	p.header = scan.Header()

	if p.header.YM2612ClockHz != 0 {
		dst := NewMemStorage(nil)
		header, err := PreRender(p.ctx, scan, dst, p.Progress)
		if err != nil {
			return errors.Wrapf(err, "prerender")
		}
		p.timeline = header
		p.prerendered = true
		st := NewMemStorage(dst.Bytes())
		p.timelineSt = st
		live, err := OpenVGMReader(NewMemStorage(data))
		if err != nil {
			return err
		}
		p.reader = live
		return p.wireLocked(st)
	}

	p.reader = scan
	return p.wireLocked(nil)
}

func (p *VGMPlayer) prerenderLocked(scan *VGMReader, tmp string) error {
	dst, err := CreateFileStorage(tmp)
	if err != nil {
		return err
	}
	header, err := PreRender(p.ctx, scan, dst, p.Progress)
	dst.Close()
	if err != nil {
		// A partial timeline is worse than none.
		if rmErr := os.Remove(tmp); rmErr != nil {
			logger.Wf(p.ctx, "player: remove partial timeline: %v", rmErr)
		}
		return errors.Wrapf(err, "prerender %v", tmp)
	}
	p.timeline = header
	p.prerendered = true
	logger.Tf(p.ctx, "player: prerendered %v samples, loop=%v", header.TotalSamples, header.LoopSample)
	return nil
}

func (p *VGMPlayer) wireLocked(timelineSt Storage) error {
	p.playback = NewPlaybackEngine()
	if timelineSt != nil {
		if err := p.playback.Load(timelineSt); err != nil {
			p.unloadLocked()
			return err
		}
	}
	p.driver = NewVGMDriver(p.ctx, p.reader, p.chip)
	p.driver.AttachPlayback(p.playback, p.prerendered)
	p.driver.SetLoopLimit(p.loops, p.fadeSeconds)

	output, err := NewAudioOutput(p.backend, SAMPLE_RATE, p.playback)
	if err != nil {
		p.unloadLocked()
		return errors.Wrapf(err, "audio backend %v", p.backend)
	}
	p.output = output
	return nil
}

func (p *VGMPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.driver == nil {
		return
	}
	if p.prerendered {
		// Prime the ring before the first quantum fires.
		if err := p.playback.Refill(); err != nil {
			logger.Wf(p.ctx, "player: initial refill: %v", err)
		}
		p.playback.Play()
	}
	p.driver.Start()
	p.output.Start()
	p.started = true
}

func (p *VGMPlayer) Pause(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.driver == nil {
		return
	}
	if paused {
		p.driver.Stop()
	} else {
		p.driver.Start()
	}
	p.playback.Pause(paused)
}

func (p *VGMPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.driver != nil {
		p.driver.Stop()
	}
	if p.playback != nil {
		p.playback.Stop()
	}
	if p.output != nil {
		p.output.Stop()
	}
	p.started = false
}

func (p *VGMPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && p.driver != nil && !p.driver.Finished()
}

func (p *VGMPlayer) DurationSeconds() float64 {
	if p.header.TotalSamples == 0 {
		return 0
	}
	return float64(p.header.TotalSamples) / float64(SAMPLE_RATE)
}

func (p *VGMPlayer) DurationText() string {
	secs := p.DurationSeconds()
	if secs <= 0 {
		return ""
	}
	mins := int(secs) / 60
	rem := int(math.Round(secs)) % 60
	return fmt.Sprintf("%d:%02d", mins, rem)
}

// Diagnostic queries for operational tooling.

func (p *VGMPlayer) Underruns() uint64 {
	if p.playback == nil {
		return 0
	}
	return p.playback.Underruns()
}

func (p *VGMPlayer) SyncDrift() int64 {
	if p.playback == nil {
		return 0
	}
	return p.playback.GetSyncDrift()
}

func (p *VGMPlayer) LoopCount() int {
	if p.driver == nil {
		return 0
	}
	return p.driver.LoopCount()
}

// TimelinePath exposes the staged timeline file, if any. Tooling hook.
func (p *VGMPlayer) TimelinePath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timelineTmp
}

func (p *VGMPlayer) unloadLocked() {
	if p.driver != nil {
		p.driver.Stop()
		p.driver = nil
	}
	if p.output != nil {
		p.output.Close()
		p.output = nil
	}
	if p.reader != nil {
		p.reader.Close()
		p.reader = nil
	}
	if p.timelineSt != nil {
		p.timelineSt.Close()
		p.timelineSt = nil
	}
	if p.timelineTmp != "" {
		if err := os.Remove(p.timelineTmp); err != nil && !os.IsNotExist(err) {
			logger.Wf(p.ctx, "player: remove timeline: %v", err)
		}
		p.timelineTmp = ""
	}
	p.playback = nil
	p.prerendered = false
	p.timeline = TimelineHeader{}
	p.started = false
}

// Close stops playback and removes any staged timeline file.
func (p *VGMPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloadLocked()
}

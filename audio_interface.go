// audio_interface.go - Audio backend selection.

package main

import "github.com/ossrs/go-oryx-lib/errors"

const (
	AUDIO_BACKEND_OTO      = iota // Pure Go oto backend
	AUDIO_BACKEND_HEADLESS        // No output device; tests and tooling
)

// AudioOutput is the fixed-rate output device. Once started it pulls one
// block of samples from the playback engine every quantum; the pull path is
// a real-time context and tolerates no blocking.
type AudioOutput interface {
	Start()
	Stop()
	Close()
}

func NewAudioOutput(backend int, sampleRate int, engine *PlaybackEngine) (AudioOutput, error) {
	switch backend {
	case AUDIO_BACKEND_OTO:
		return NewOtoOutput(sampleRate, engine)
	case AUDIO_BACKEND_HEADLESS:
		return NewHeadlessOutput(engine), nil
	default:
		return nil, errors.Errorf("unknown audio backend %v", backend)
	}
}

// HeadlessOutput satisfies AudioOutput without a device. The playback engine
// is driven directly by whoever owns it (tests call RenderBlock themselves).
type HeadlessOutput struct {
	engine  *PlaybackEngine
	started bool
}

func NewHeadlessOutput(engine *PlaybackEngine) *HeadlessOutput {
	return &HeadlessOutput{engine: engine}
}

func (h *HeadlessOutput) Start() { h.started = true }
func (h *HeadlessOutput) Stop()  { h.started = false }
func (h *HeadlessOutput) Close() { h.started = false }

func (h *HeadlessOutput) IsStarted() bool { return h.started }

//go:build headless

// audio_backend_headless.go - No-device stand-in for the oto backend.

package main

type OtoOutput struct {
	started bool
	engine  *PlaybackEngine
}

func NewOtoOutput(sampleRate int, engine *PlaybackEngine) (*OtoOutput, error) {
	return &OtoOutput{engine: engine}, nil
}

func (o *OtoOutput) Read(p []byte) (n int, err error) {
	return len(p), nil
}

func (o *OtoOutput) Start() {
	o.started = true
}

func (o *OtoOutput) Stop() {
	o.started = false
}

func (o *OtoOutput) Close() {
	o.started = false
}

func (o *OtoOutput) IsStarted() bool {
	return o.started
}

// music_interfaces.go - Common interfaces for music players.

package main

// MusicPlayer is implemented by all music players.
// Provides a common interface for playback control.
type MusicPlayer interface {
	// Load loads a music file from the given path
	Load(path string) error
	// LoadData loads music data from a byte slice
	LoadData(data []byte) error
	// Play starts playback
	Play()
	// Stop stops playback
	Stop()
	// IsPlaying returns true if currently playing
	IsPlaying() bool
	// DurationSeconds returns the duration in seconds (0 if unknown)
	DurationSeconds() float64
	// DurationText returns a formatted duration string (e.g., "3:45")
	DurationText() string
}

var _ MusicPlayer = (*VGMPlayer)(nil)

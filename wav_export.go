// wav_export.go - Dump a pre-rendered timeline to WAV for offline inspection.

package main

import (
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/ossrs/go-oryx-lib/errors"
)

// ExportTimelineWAV decodes a timeline file into a stereo 16-bit WAV. This is
// a diagnostic path: it lets the pre-render output be audited without the
// playback engine in the loop.
func ExportTimelineWAV(timelinePath, wavPath string) error {
	st, err := OpenFileStorage(timelinePath)
	if err != nil {
		return err
	}
	defer st.Close()

	hdr := make([]byte, TIMELINE_HEADER_SIZE)
	if _, err := io.ReadFull(st, hdr); err != nil {
		return formatErrorf("timeline header truncated")
	}
	header, err := parseTimelineHeader(hdr)
	if err != nil {
		return err
	}

	f, err := os.Create(wavPath)
	if err != nil {
		return errors.Wrapf(err, "create %v", wavPath)
	}
	defer f.Close()

	format := &audio.Format{SampleRate: SAMPLE_RATE, NumChannels: 2}
	enc := wav.NewEncoder(f, format.SampleRate, 16, format.NumChannels, 1)

	records := make([]byte, 4096*TIMELINE_RECORD_SIZE)
	remaining := uint64(header.TotalSamples)
	for remaining > 0 {
		chunk := uint64(len(records) / TIMELINE_RECORD_SIZE)
		if chunk > remaining {
			chunk = remaining
		}
		buf := records[:chunk*TIMELINE_RECORD_SIZE]
		if _, err := io.ReadFull(st, buf); err != nil {
			return formatErrorf("timeline truncated with %d samples left", remaining)
		}

		ints := make([]int, chunk*2)
		for i := uint64(0); i < chunk; i++ {
			left, right := decodeTimelineRecord(buf[i*2], buf[i*2+1])
			ints[i*2] = int(left)
			ints[i*2+1] = int(right)
		}
		if err := enc.Write(&audio.IntBuffer{Data: ints, Format: format, SourceBitDepth: 16}); err != nil {
			return errors.Wrapf(err, "write wav chunk")
		}
		remaining -= chunk
	}

	if err := enc.Close(); err != nil {
		return errors.Wrapf(err, "finalize wav")
	}
	return nil
}

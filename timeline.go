// timeline.go - Pre-rendered timeline file layout.
//
// The timeline is a private intermediate artifact: a dense 2-byte-per-sample
// expansion of the container's DAC activity, laid out so the real-time read
// path is a fixed-size lookup with no command interpretation left in it.
//
// Layout (little-endian):
//   0x00  u32  magic "VGPR"
//   0x04  u32  total sample count
//   0x08  u32  loop-point sample, 0xFFFFFFFF when the track has no loop
//   0x0C  u32  reserved, zero
// then one record per output sample:
//   byte 0  raw DAC value, unsigned, center bias 0x80
//   byte 1  flags: bits 7-6 pan (00 mute, 01 right, 10 left, 11 center),
//           bit 5 channel enabled, bits 4-0 reserved

package main

import "encoding/binary"

const (
	TIMELINE_MAGIC       = "VGPR"
	TIMELINE_HEADER_SIZE = 16
	TIMELINE_RECORD_SIZE = 2
	TIMELINE_NO_LOOP     = 0xFFFFFFFF

	TIMELINE_FLAG_ENABLED = 0x20

	PAN_MUTE   = 0x0
	PAN_RIGHT  = 0x1
	PAN_LEFT   = 0x2
	PAN_CENTER = 0x3
)

type TimelineHeader struct {
	TotalSamples uint32
	LoopSample   uint32
}

func (h *TimelineHeader) HasLoop() bool {
	return h.LoopSample != TIMELINE_NO_LOOP
}

func encodeTimelineHeader(h TimelineHeader) []byte {
	buf := make([]byte, TIMELINE_HEADER_SIZE)
	copy(buf[0:4], TIMELINE_MAGIC)
	binary.LittleEndian.PutUint32(buf[4:8], h.TotalSamples)
	binary.LittleEndian.PutUint32(buf[8:12], h.LoopSample)
	return buf
}

func parseTimelineHeader(buf []byte) (TimelineHeader, error) {
	var h TimelineHeader
	if len(buf) < TIMELINE_HEADER_SIZE {
		return h, formatErrorf("timeline header truncated")
	}
	if string(buf[0:4]) != TIMELINE_MAGIC {
		return h, formatErrorf("timeline bad magic %q", buf[0:4])
	}
	h.TotalSamples = binary.LittleEndian.Uint32(buf[4:8])
	h.LoopSample = binary.LittleEndian.Uint32(buf[8:12])
	return h, nil
}

func timelineFlags(panCode uint8, enabled bool) byte {
	flags := panCode << 6
	if enabled {
		flags |= TIMELINE_FLAG_ENABLED
	}
	return flags
}

// decodeTimelineRecord expands one record into signed 16-bit left/right
// samples, routing per the pan code. A disabled channel is silent regardless
// of pan.
func decodeTimelineRecord(value, flags byte) (left, right int16) {
	if flags&TIMELINE_FLAG_ENABLED == 0 {
		return 0, 0
	}
	s := (int16(value) - 128) * 256
	switch flags >> 6 {
	case PAN_RIGHT:
		return 0, s
	case PAN_LEFT:
		return s, 0
	case PAN_CENTER:
		return s, s
	default:
		return 0, 0
	}
}

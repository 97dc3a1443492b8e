// vgm_constants.go - VGM container layout, command opcodes and core tuning.

package main

const SAMPLE_RATE = 44100

// VGM header field offsets (all little-endian u32 unless noted).
const (
	VGM_OFF_MAGIC        = 0x00 // "Vgm "
	VGM_OFF_EOF          = 0x04
	VGM_OFF_VERSION      = 0x08
	VGM_OFF_SN_CLOCK     = 0x0C
	VGM_OFF_YM2413_CLOCK = 0x10
	VGM_OFF_GD3          = 0x14
	VGM_OFF_TOTAL        = 0x18
	VGM_OFF_LOOP_OFFSET  = 0x1C
	VGM_OFF_LOOP_SAMPLES = 0x20
	VGM_OFF_RATE         = 0x24
	VGM_OFF_YM2612_CLOCK = 0x2C
	VGM_OFF_YM2151_CLOCK = 0x30
	VGM_OFF_DATA_OFFSET  = 0x34

	VGM_HEADER_MIN  = 0x40
	VGM_DATA_LEGACY = 0x40 // data start when the relative data offset is zero
)

// Command opcodes. Anything not handled explicitly is skipped via
// vgmCommandLength; see the skip table at the bottom of this file.
const (
	CMD_GG_STEREO  = 0x4F
	CMD_PSG        = 0x50
	CMD_YM2612_P0  = 0x52
	CMD_YM2612_P1  = 0x53
	CMD_WAIT16     = 0x61
	CMD_WAIT_NTSC  = 0x62 // 735 samples (1/60 s at 44100 Hz)
	CMD_WAIT_PAL   = 0x63 // 882 samples (1/50 s at 44100 Hz)
	CMD_END        = 0x66
	CMD_DATA_BLOCK = 0x67
	CMD_PCM_RAM    = 0x68
	CMD_WAIT_SHORT = 0x70 // 0x70-0x7F: wait 1-16 samples
	CMD_DAC_WAIT   = 0x80 // 0x80-0x8F: bank byte to YM2612 DAC + wait 0-15
	CMD_DS_SETUP   = 0x90
	CMD_DS_DATA    = 0x91
	CMD_DS_FREQ    = 0x92
	CMD_DS_START   = 0x93
	CMD_DS_STOP    = 0x94
	CMD_DS_FAST    = 0x95
	CMD_SEEK_BANK  = 0xE0
)

const (
	WAIT_NTSC_SAMPLES = 735
	WAIT_PAL_SAMPLES  = 882
)

// YM2612 registers the pre-render path cares about. Everything else on the
// chip is opaque register traffic.
const (
	YM2612_REG_DAC     = 0x2A // port 0: 8-bit DAC sample
	YM2612_REG_DAC_EN  = 0x2B // port 0: bit 7 enables the DAC channel
	YM2612_REG_PAN_CH6 = 0xB6 // port 1: bit 7 = left, bit 6 = right
)

// DAC stream start length modes (0x93 operand).
const (
	DS_LEN_IGNORE = 0x00
	DS_LEN_BYTES  = 0x01
	DS_LEN_MSEC   = 0x02
	DS_LEN_TOEND  = 0x03
	DS_FLAG_LOOP  = 0x80
)

const (
	DAC_STREAM_COUNT = 4
	DS_STOP_ALL      = 0xFF
)

// PCM data bank capacity. Blocks past this point are truncated, not fatal.
const DATA_BANK_CAP = 256 * 1024

// vgmCommandLength returns the total byte length (opcode included) used to
// skip commands the caller does not interpret. A zero return means the opcode
// has no fixed length and must be handled explicitly (0x66, 0x67).
//
// The table mirrors the published VGM command ranges. It is necessarily
// incomplete for future extensions, so callers bound every skip against the
// declared data size and fail the load on a mismatch instead of walking off
// the end of the log.
func vgmCommandLength(cmd byte) int {
	switch {
	case cmd >= 0x30 && cmd <= 0x3F:
		return 2
	case cmd >= 0x40 && cmd <= 0x4E:
		return 3
	case cmd == CMD_GG_STEREO:
		return 2
	case cmd == CMD_PSG:
		return 2
	case cmd >= 0x51 && cmd <= 0x5F:
		return 3
	case cmd == CMD_WAIT16:
		return 3
	case cmd == CMD_WAIT_NTSC || cmd == CMD_WAIT_PAL:
		return 1
	case cmd == CMD_PCM_RAM:
		return 12
	case cmd >= 0x70 && cmd <= 0x8F:
		return 1
	case cmd == CMD_DS_SETUP || cmd == CMD_DS_DATA || cmd == CMD_DS_FAST:
		return 5
	case cmd == CMD_DS_FREQ:
		return 6
	case cmd == CMD_DS_START:
		return 11
	case cmd == CMD_DS_STOP:
		return 2
	case cmd >= 0xA0 && cmd <= 0xBF:
		return 3
	case cmd >= 0xC0 && cmd <= 0xDF:
		return 4
	case cmd >= 0xE0: // includes CMD_SEEK_BANK
		return 5
	default:
		return 0
	}
}

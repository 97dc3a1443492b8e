// prerender.go - Offline expansion of DAC activity into a timeline file.
//
// The engine drains a reader with no real-time constraint and interprets only
// the commands that can touch the YM2612 DAC channel: direct 0x2A/0x2B/0xB6
// writes, the four wait families, data blocks and the DAC sub-stream
// commands. Everything else is skipped through the opcode length table. The
// per-sample loop is deliberately sample-by-sample: DAC writes and sub-stream
// bytes can land on any single output sample, and the whole point of the
// timeline is bit-identical output no matter when it was rendered.

package main

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

const (
	PRERENDER_WRITE_BUF   = 4096
	PROGRESS_MIN_INTERVAL = 100 * time.Millisecond
)

// ProgressFunc receives pre-render progress in [0.0, 1.0], rate-limited to
// roughly ten reports a second.
type ProgressFunc func(progress float64)

type preRenderer struct {
	ctx      context.Context
	reader   *VGMReader
	dest     Storage
	progress ProgressFunc

	// Private data bank and stream set. The live reader keeps its own so the
	// two can run at different times without interfering.
	bank    []byte
	bankPos uint32
	blocks  []dataBlock
	streams [DAC_STREAM_COUNT]dacStream

	dacValue   byte
	dacEnabled bool
	panCode    uint8

	samplePos    uint64
	loopSample   uint32
	writeBuf     []byte
	truncated    bool
	lastProgress time.Time
}

// PreRender expands the reader's command log into a timeline file on dest.
// On success the destination header carries the final sample count, which may
// differ from the container's declared total when truncation guards fired.
// The caller owns cleanup of dest on error.
func PreRender(ctx context.Context, reader *VGMReader, dest Storage, progress ProgressFunc) (TimelineHeader, error) {
	p := &preRenderer{
		ctx:        ctx,
		reader:     reader,
		dest:       dest,
		progress:   progress,
		bank:       make([]byte, 0, 4096),
		dacValue:   0x80,
		panCode:    PAN_CENTER,
		loopSample: TIMELINE_NO_LOOP,
		writeBuf:   make([]byte, 0, PRERENDER_WRITE_BUF),
	}

	// Placeholder header; rewritten with the real totals on completion.
	if _, err := dest.Write(encodeTimelineHeader(TimelineHeader{LoopSample: TIMELINE_NO_LOOP})); err != nil {
		return TimelineHeader{}, storageError("write", err)
	}

	if err := p.run(); err != nil {
		return TimelineHeader{}, err
	}

	if err := p.flush(); err != nil {
		return TimelineHeader{}, err
	}
	header := TimelineHeader{
		TotalSamples: uint32(p.samplePos),
		LoopSample:   p.loopSample,
	}
	if _, err := dest.Seek(0, io.SeekStart); err != nil {
		return TimelineHeader{}, storageError("seek", err)
	}
	if _, err := dest.Write(encodeTimelineHeader(header)); err != nil {
		return TimelineHeader{}, storageError("write", err)
	}
	if p.progress != nil {
		p.progress(1.0)
	}
	return header, nil
}

func (p *preRenderer) run() error {
	hdr := p.reader.Header()
	for !p.reader.AtEnd() {
		if hdr.LoopOffset != 0 && p.loopSample == TIMELINE_NO_LOOP &&
			p.reader.Cursor() == hdr.LoopOffset {
			p.loopSample = uint32(p.samplePos)
		}

		cmd, err := p.reader.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read command at 0x%X", p.reader.Cursor())
		}
		if cmd == CMD_END {
			break
		}
		if err := p.execute(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (p *preRenderer) execute(cmd byte) error {
	switch {
	case cmd == CMD_YM2612_P0:
		ops, err := p.reader.ReadOperands(2)
		if err != nil {
			return err
		}
		switch ops[0] {
		case YM2612_REG_DAC:
			p.dacValue = ops[1]
		case YM2612_REG_DAC_EN:
			p.dacEnabled = ops[1]&0x80 != 0
		}
	case cmd == CMD_YM2612_P1:
		ops, err := p.reader.ReadOperands(2)
		if err != nil {
			return err
		}
		if ops[0] == YM2612_REG_PAN_CH6 {
			p.panCode = ops[1] >> 6
		}
	case cmd == CMD_WAIT16:
		ops, err := p.reader.ReadOperands(2)
		if err != nil {
			return err
		}
		return p.advance(uint64(binary.LittleEndian.Uint16(ops)))
	case cmd == CMD_WAIT_NTSC:
		return p.advance(WAIT_NTSC_SAMPLES)
	case cmd == CMD_WAIT_PAL:
		return p.advance(WAIT_PAL_SAMPLES)
	case cmd >= 0x70 && cmd <= 0x7F:
		return p.advance(uint64(cmd&0x0F) + 1)
	case cmd >= 0x80 && cmd <= 0x8F:
		if b, ok := p.readBankByte(); ok {
			p.dacValue = b
		}
		return p.advance(uint64(cmd & 0x0F))
	case cmd == CMD_DATA_BLOCK:
		return p.dataBlock()
	case cmd == CMD_SEEK_BANK:
		ops, err := p.reader.ReadOperands(4)
		if err != nil {
			return err
		}
		p.bankPos = binary.LittleEndian.Uint32(ops)
	case cmd >= CMD_DS_SETUP && cmd <= CMD_DS_FAST:
		return p.streamCommand(cmd)
	default:
		return p.reader.SkipCommand(cmd)
	}
	return nil
}

// dataBlock appends a type-0 (uncompressed YM2612 PCM) block to the private
// bank. Other block types carry data for chips outside the DAC path and are
// consumed without effect.
func (p *preRenderer) dataBlock() error {
	ops, err := p.reader.ReadOperands(6)
	if err != nil {
		return err
	}
	if ops[0] != CMD_END {
		return formatErrorf("data block missing 0x66 marker at 0x%X", p.reader.Cursor())
	}
	blockType := ops[1]
	size := binary.LittleEndian.Uint32(ops[2:6]) & 0x7FFFFFFF
	payload, err := p.reader.ReadData(size)
	if err != nil {
		return err
	}
	if blockType != 0x00 {
		return nil
	}
	p.appendBank(payload)
	return nil
}

func (p *preRenderer) appendBank(payload []byte) {
	off := uint32(len(p.bank))
	room := DATA_BANK_CAP - len(p.bank)
	kept := payload
	if len(payload) > room {
		kept = payload[:room]
		if !p.truncated {
			p.truncated = true
			logger.Wf(p.ctx, "prerender: data bank full, truncating block (%v of %v bytes kept)",
				len(kept), len(payload))
		}
	}
	p.bank = append(p.bank, kept...)
	p.blocks = append(p.blocks, dataBlock{offset: off, length: uint32(len(kept))})
}

func (p *preRenderer) readBankByte() (byte, bool) {
	if int(p.bankPos) >= len(p.bank) {
		return 0, false
	}
	b := p.bank[p.bankPos]
	p.bankPos++
	return b, true
}

func (p *preRenderer) streamCommand(cmd byte) error {
	switch cmd {
	case CMD_DS_SETUP:
		ops, err := p.reader.ReadOperands(4)
		if err != nil {
			return err
		}
		if int(ops[0]) < DAC_STREAM_COUNT {
			s := &p.streams[ops[0]]
			s.chipType, s.port, s.reg = ops[1], ops[2], ops[3]
		}
	case CMD_DS_DATA:
		ops, err := p.reader.ReadOperands(4)
		if err != nil {
			return err
		}
		if int(ops[0]) < DAC_STREAM_COUNT {
			s := &p.streams[ops[0]]
			s.bankID, s.stepSize, s.stepBase = ops[1], ops[2], ops[3]
		}
	case CMD_DS_FREQ:
		ops, err := p.reader.ReadOperands(5)
		if err != nil {
			return err
		}
		if int(ops[0]) < DAC_STREAM_COUNT {
			p.streams[ops[0]].freqHz = binary.LittleEndian.Uint32(ops[1:5])
		}
	case CMD_DS_START:
		ops, err := p.reader.ReadOperands(10)
		if err != nil {
			return err
		}
		if int(ops[0]) < DAC_STREAM_COUNT {
			offset := binary.LittleEndian.Uint32(ops[1:5])
			mode := ops[5]
			length := binary.LittleEndian.Uint32(ops[6:10])
			startStream(&p.streams[ops[0]], offset, mode, length, uint32(len(p.bank)))
		}
	case CMD_DS_STOP:
		ops, err := p.reader.ReadOperands(1)
		if err != nil {
			return err
		}
		if ops[0] == DS_STOP_ALL {
			for i := range p.streams {
				p.streams[i].active = false
			}
		} else if int(ops[0]) < DAC_STREAM_COUNT {
			p.streams[ops[0]].active = false
		}
	case CMD_DS_FAST:
		ops, err := p.reader.ReadOperands(4)
		if err != nil {
			return err
		}
		id := ops[0]
		blockID := binary.LittleEndian.Uint16(ops[1:3])
		flags := ops[3]
		if int(id) < DAC_STREAM_COUNT && int(blockID) < len(p.blocks) {
			blk := p.blocks[blockID]
			s := &p.streams[id]
			s.start = blk.offset
			s.length = blk.length
			s.pos = 0
			s.accum = 0
			s.loop = flags&0x01 != 0
			s.active = s.length > 0 && s.freqHz > 0
		}
	}
	return nil
}

// advance materializes n output samples: every sample first advances all
// active sub-streams (which may overwrite the DAC value), then stamps the
// aggregate DAC state as one timeline record.
func (p *preRenderer) advance(n uint64) error {
	target := p.samplePos + n
	for p.samplePos < target {
		for i := range p.streams {
			if b, ok := stepStream(&p.streams[i], p.bank); ok {
				p.dacValue = b
			}
		}
		p.writeBuf = append(p.writeBuf, p.dacValue, timelineFlags(p.panCode, p.dacEnabled))
		p.samplePos++
		if len(p.writeBuf) >= PRERENDER_WRITE_BUF {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}
	p.reportProgress()
	return nil
}

func (p *preRenderer) flush() error {
	if len(p.writeBuf) == 0 {
		return nil
	}
	if _, err := p.dest.Write(p.writeBuf); err != nil {
		return storageError("write", err)
	}
	p.writeBuf = p.writeBuf[:0]
	return nil
}

func (p *preRenderer) reportProgress() {
	if p.progress == nil {
		return
	}
	now := time.Now()
	if now.Sub(p.lastProgress) < PROGRESS_MIN_INTERVAL {
		return
	}
	p.lastProgress = now
	total := p.reader.Header().TotalSamples
	if total == 0 {
		return
	}
	frac := float64(p.samplePos) / float64(total)
	if frac > 1.0 {
		frac = 1.0
	}
	p.progress(frac)
}

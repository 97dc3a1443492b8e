// vgm_reader.go - Streaming VGM command-log reader.
//
// Handles both raw and gzip-compressed containers behind one byte cursor,
// owns the PCM data bank, and runs the four declarative DAC sub-streams.
// Compressed containers are forward-only, so the reader captures a loop
// snapshot (the decompressed tail from the loop offset onward) the first time
// the cursor crosses the loop point; a later SeekToLoop replays that snapshot
// instead of re-inflating the whole file.

package main

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
)

type VGMHeader struct {
	Version       uint32
	SNClockHz     uint32
	YM2612ClockHz uint32
	Rate          uint32
	TotalSamples  uint32
	LoopSamples   uint32
	LoopOffset    uint32 // absolute offset of the loop point, 0 = no loop
	DataStart     uint32 // absolute offset of the first command byte
	DataEnd       uint32 // absolute offset one past the last command byte
}

func (h *VGMHeader) HasLoop() bool {
	return h.LoopOffset != 0 && h.LoopSamples > 0
}

// LoopPointSample is derived, never stored: the output sample at which the
// loop region begins.
func (h *VGMHeader) LoopPointSample() uint32 {
	if !h.HasLoop() || h.LoopSamples > h.TotalSamples {
		return 0
	}
	return h.TotalSamples - h.LoopSamples
}

// loopSnapshot holds the decompressed command bytes from the loop offset to
// the end of data. Go's inflate state is not copyable, so the snapshot is the
// tee'd output itself; replaying it is still O(1) loop re-entry and the
// capture happens exactly once.
type loopSnapshot struct {
	captured bool
	data     []byte
	captures int
}

type dataBlock struct {
	offset uint32
	length uint32
}

// dacStream is one of four independent declarative PCM channels embedded in
// the command log.
type dacStream struct {
	active   bool
	chipType uint8
	port     uint8
	reg      uint8
	bankID   uint8
	stepSize uint8
	stepBase uint8
	freqHz   uint32
	start    uint32 // window start in the data bank
	length   uint32 // window length in bytes
	pos      uint32 // window position
	loop     bool
	accum    uint32 // fractional resampling accumulator, units of 1/SAMPLE_RATE
}

type VGMReader struct {
	storage    Storage
	header     VGMHeader
	compressed bool

	br *bufio.Reader
	gz *gzip.Reader

	pos       uint32 // cursor: absolute offset of the next command byte
	streamPos uint32 // bytes consumed from the underlying stream
	peeked    byte
	hasPeek   bool
	eof       bool
	opbuf     [16]byte

	snap      loopSnapshot
	replay    bool
	replayPos int

	bank    []byte
	bankPos uint32
	blocks  []dataBlock

	streams          [DAC_STREAM_COUNT]dacStream
	lastStreamSample uint64
}

// OpenVGMReader validates the container header, decides raw vs compressed
// mode and positions the cursor at the first command byte.
func OpenVGMReader(st Storage) (*VGMReader, error) {
	r := &VGMReader{storage: st}

	sniff := make([]byte, 2)
	if _, err := io.ReadFull(st, sniff); err != nil {
		return nil, formatErrorf("container too short")
	}
	if _, err := st.Seek(0, io.SeekStart); err != nil {
		return nil, storageError("seek", err)
	}

	r.br = bufio.NewReader(st)
	var src io.Reader = r.br
	if sniff[0] == 0x1F && sniff[1] == 0x8B {
		gz, err := gzip.NewReader(r.br)
		if err != nil {
			return nil, &DecompressionError{Reason: "bad gzip header", Err: err}
		}
		r.compressed = true
		r.gz = gz
		src = gz
	}

	hdr := make([]byte, VGM_HEADER_MIN)
	if _, err := io.ReadFull(src, hdr); err != nil {
		if r.compressed {
			return nil, &DecompressionError{Reason: "truncated header", Err: err}
		}
		return nil, formatErrorf("truncated header")
	}
	header, err := parseVGMHeader(hdr)
	if err != nil {
		return nil, err
	}
	r.header = header

	// Discard any extended header bytes between 0x40 and the data start.
	for skip := int64(header.DataStart) - VGM_HEADER_MIN; skip > 0; {
		n, err := io.CopyN(io.Discard, src, skip)
		skip -= n
		if err != nil {
			return nil, formatErrorf("data offset 0x%X beyond end of file", header.DataStart)
		}
	}

	r.pos = header.DataStart
	r.streamPos = header.DataStart
	r.bank = make([]byte, 0, 4096)
	return r, nil
}

func parseVGMHeader(hdr []byte) (VGMHeader, error) {
	var h VGMHeader
	if len(hdr) < VGM_HEADER_MIN {
		return h, formatErrorf("header shorter than 0x%X bytes", VGM_HEADER_MIN)
	}
	if string(hdr[0:4]) != "Vgm " {
		return h, formatErrorf("bad magic %q", hdr[0:4])
	}

	h.Version = binary.LittleEndian.Uint32(hdr[VGM_OFF_VERSION:])
	h.SNClockHz = binary.LittleEndian.Uint32(hdr[VGM_OFF_SN_CLOCK:])
	h.Rate = binary.LittleEndian.Uint32(hdr[VGM_OFF_RATE:])
	h.TotalSamples = binary.LittleEndian.Uint32(hdr[VGM_OFF_TOTAL:])
	h.LoopSamples = binary.LittleEndian.Uint32(hdr[VGM_OFF_LOOP_SAMPLES:])
	h.YM2612ClockHz = binary.LittleEndian.Uint32(hdr[VGM_OFF_YM2612_CLOCK:])

	eof := binary.LittleEndian.Uint32(hdr[VGM_OFF_EOF:])
	if eof == 0 {
		return h, formatErrorf("zero EOF offset")
	}
	h.DataEnd = VGM_OFF_EOF + eof

	dataOffset := binary.LittleEndian.Uint32(hdr[VGM_OFF_DATA_OFFSET:])
	h.DataStart = VGM_DATA_LEGACY
	if dataOffset != 0 {
		h.DataStart = VGM_OFF_DATA_OFFSET + dataOffset
	}
	if h.DataStart < VGM_HEADER_MIN {
		return h, formatErrorf("data start 0x%X inside header", h.DataStart)
	}
	if h.DataStart >= h.DataEnd {
		return h, formatErrorf("data start 0x%X past data end 0x%X", h.DataStart, h.DataEnd)
	}

	loopOffset := binary.LittleEndian.Uint32(hdr[VGM_OFF_LOOP_OFFSET:])
	if loopOffset != 0 {
		h.LoopOffset = VGM_OFF_LOOP_OFFSET + loopOffset
		if h.LoopOffset < h.DataStart || h.LoopOffset >= h.DataEnd {
			return h, formatErrorf("loop offset 0x%X outside data region", h.LoopOffset)
		}
	}
	return h, nil
}

func (r *VGMReader) Header() VGMHeader { return r.header }

// Cursor returns the absolute offset of the next command byte.
func (r *VGMReader) Cursor() uint32 { return r.pos }

func (r *VGMReader) AtEnd() bool {
	return r.eof || r.pos >= r.header.DataEnd
}

// SnapshotCaptures reports how many times a loop snapshot was captured.
// It can only ever be 0 or 1.
func (r *VGMReader) SnapshotCaptures() int { return r.snap.captures }

// fetch consumes one byte from the underlying stream (or the loop snapshot
// when replaying), running snapshot capture as a side effect.
func (r *VGMReader) fetch() (byte, error) {
	if r.replay {
		if r.replayPos >= len(r.snap.data) {
			return 0, io.EOF
		}
		b := r.snap.data[r.replayPos]
		r.replayPos++
		return b, nil
	}

	if r.compressed && !r.snap.captured && r.header.LoopOffset != 0 &&
		r.streamPos == r.header.LoopOffset {
		r.snap.captured = true
		r.snap.captures++
	}

	var b byte
	var err error
	if r.compressed {
		b, err = readOne(r.gz)
	} else {
		b, err = r.br.ReadByte()
	}
	if err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		if r.compressed {
			return 0, &DecompressionError{Reason: "stream read failed", Err: err}
		}
		return 0, storageError("read", err)
	}
	r.streamPos++
	if r.snap.captured {
		r.snap.data = append(r.snap.data, b)
	}
	return b, nil
}

func readOne(src io.Reader) (byte, error) {
	var one [1]byte
	for {
		n, err := src.Read(one[:])
		if n == 1 {
			return one[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// ReadByte advances the cursor by one byte.
func (r *VGMReader) ReadByte() (byte, error) {
	if r.pos >= r.header.DataEnd {
		r.eof = true
		return 0, io.EOF
	}
	if r.hasPeek {
		r.hasPeek = false
		r.pos++
		return r.peeked, nil
	}
	b, err := r.fetch()
	if err != nil {
		if err == io.EOF {
			r.eof = true
		}
		return 0, err
	}
	r.pos++
	return b, nil
}

// PeekByte inspects the next command byte without advancing the cursor.
func (r *VGMReader) PeekByte() (byte, error) {
	if r.hasPeek {
		return r.peeked, nil
	}
	if r.pos >= r.header.DataEnd {
		return 0, io.EOF
	}
	b, err := r.fetch()
	if err != nil {
		if err == io.EOF {
			r.eof = true
		}
		return 0, err
	}
	r.peeked = b
	r.hasPeek = true
	return b, nil
}

// ReadOperands reads the n operand bytes following a command opcode. Running
// out of data mid-command means the skip table and the container disagree,
// which is treated as desynchronization, not as a normal end of stream.
func (r *VGMReader) ReadOperands(n int) ([]byte, error) {
	if uint32(n) > r.header.DataEnd-r.pos {
		return nil, formatErrorf("command operands run past data end at 0x%X", r.pos)
	}
	buf := r.opbuf[:n]
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, formatErrorf("truncated command at 0x%X", r.pos)
		}
		buf[i] = b
	}
	return buf, nil
}

// ReadData reads n payload bytes, bounded by the declared data size. Used for
// data-block bodies, which have no fixed command length. The length comes
// from the file, so the buffer grows with the bytes actually read instead of
// trusting the declared size up front.
func (r *VGMReader) ReadData(n uint32) ([]byte, error) {
	if n > r.header.DataEnd-r.pos {
		return nil, formatErrorf("data block of %d bytes runs past data end at 0x%X", n, r.pos)
	}
	buf := make([]byte, 0, min(n, 4096))
	for i := uint32(0); i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, formatErrorf("truncated data block at 0x%X", r.pos)
		}
		buf = append(buf, b)
	}
	return buf, nil
}

// SkipCommand discards a command's operands using the opcode length table.
func (r *VGMReader) SkipCommand(cmd byte) error {
	n := vgmCommandLength(cmd)
	if n == 0 {
		return formatErrorf("unknown variable-length command 0x%02X at 0x%X", cmd, r.pos)
	}
	_, err := r.ReadOperands(n - 1)
	return err
}

// SeekToLoop repositions the cursor at the loop point. Raw containers seek
// the backing store; compressed containers switch to snapshot replay,
// draining the live stream first if the end of data was never reached.
func (r *VGMReader) SeekToLoop() error {
	if !r.header.HasLoop() {
		return formatErrorf("container has no loop point")
	}
	r.hasPeek = false
	r.eof = false

	if !r.compressed {
		if _, err := r.storage.Seek(int64(r.header.LoopOffset), io.SeekStart); err != nil {
			return storageError("seek", err)
		}
		r.br.Reset(r.storage)
		r.pos = r.header.LoopOffset
		return nil
	}

	if !r.replay {
		// First loop entry: make sure the snapshot covers loop..end.
		for r.streamPos < r.header.DataEnd {
			if _, err := r.fetch(); err != nil {
				if err == io.EOF {
					break
				}
				return err
			}
		}
		if !r.snap.captured {
			return formatErrorf("loop offset 0x%X never reached", r.header.LoopOffset)
		}
		r.replay = true
	}
	r.replayPos = 0
	r.pos = r.header.LoopOffset
	return nil
}

// -- PCM data bank ----------------------------------------------------------

// AppendDataBank stores a data block and registers it for fast-start lookup.
// Returns false when the bank hit capacity and the block was truncated;
// degraded audio beats a failed load.
func (r *VGMReader) AppendDataBank(p []byte) bool {
	off := uint32(len(r.bank))
	room := DATA_BANK_CAP - len(r.bank)
	kept := p
	truncated := false
	if len(p) > room {
		kept = p[:room]
		truncated = true
	}
	r.bank = append(r.bank, kept...)
	r.blocks = append(r.blocks, dataBlock{offset: off, length: uint32(len(kept))})
	return !truncated
}

func (r *VGMReader) SeekDataBank(offset uint32) {
	r.bankPos = offset
}

func (r *VGMReader) ReadDataBankByte() (byte, bool) {
	if int(r.bankPos) >= len(r.bank) {
		return 0, false
	}
	b := r.bank[r.bankPos]
	r.bankPos++
	return b, true
}

func (r *VGMReader) DataBankLen() uint32 { return uint32(len(r.bank)) }

// -- DAC sub-streams --------------------------------------------------------

func (r *VGMReader) StreamSetup(id, chipType, port, reg uint8) {
	if int(id) >= DAC_STREAM_COUNT {
		return
	}
	s := &r.streams[id]
	s.chipType = chipType
	s.port = port
	s.reg = reg
}

func (r *VGMReader) StreamSetData(id, bankID, stepSize, stepBase uint8) {
	if int(id) >= DAC_STREAM_COUNT {
		return
	}
	s := &r.streams[id]
	s.bankID = bankID
	s.stepSize = stepSize
	s.stepBase = stepBase
}

func (r *VGMReader) StreamSetFrequency(id uint8, freqHz uint32) {
	if int(id) >= DAC_STREAM_COUNT {
		return
	}
	r.streams[id].freqHz = freqHz
}

// StreamStart arms a stream. offset 0xFFFFFFFF keeps the current window
// start. lengthMode selects bytes, milliseconds (converted through the
// stream frequency) or play-to-end-of-bank; bit 7 requests self-looping.
func (r *VGMReader) StreamStart(id uint8, offset uint32, lengthMode uint8, length uint32) {
	if int(id) >= DAC_STREAM_COUNT {
		return
	}
	s := &r.streams[id]
	startStream(s, offset, lengthMode, length, uint32(len(r.bank)))
}

func (r *VGMReader) StreamStop(id uint8) {
	if id == DS_STOP_ALL {
		for i := range r.streams {
			r.streams[i].active = false
		}
		return
	}
	if int(id) >= DAC_STREAM_COUNT {
		return
	}
	r.streams[id].active = false
}

// StreamFastStart arms a stream on a whole previously loaded data block.
func (r *VGMReader) StreamFastStart(id uint8, blockID uint16, flags uint8) {
	if int(id) >= DAC_STREAM_COUNT || int(blockID) >= len(r.blocks) {
		return
	}
	blk := r.blocks[blockID]
	s := &r.streams[id]
	s.start = blk.offset
	s.length = blk.length
	s.pos = 0
	s.accum = 0
	s.loop = flags&0x01 != 0
	s.active = s.length > 0 && s.freqHz > 0
}

// startStream applies the three length modes shared by StreamStart and the
// pre-render engine's private stream set.
func startStream(s *dacStream, offset uint32, lengthMode uint8, length uint32, bankLen uint32) {
	if offset != 0xFFFFFFFF {
		s.start = offset
	}
	switch lengthMode & 0x03 {
	case DS_LEN_BYTES:
		s.length = length
	case DS_LEN_MSEC:
		s.length = uint32(uint64(s.freqHz) * uint64(length) / 1000)
	case DS_LEN_TOEND:
		if bankLen > s.start {
			s.length = bankLen - s.start
		} else {
			s.length = 0
		}
	}
	s.loop = lengthMode&DS_FLAG_LOOP != 0
	s.pos = 0
	s.accum = 0
	s.active = s.length > 0 && s.freqHz > 0
}

// stepStream advances one stream by one output sample. It returns the
// resampled source byte and true whenever the fractional accumulator crossed
// a full source-sample period.
func stepStream(s *dacStream, bank []byte) (byte, bool) {
	if !s.active {
		return 0, false
	}
	s.accum += s.freqHz
	steps := s.accum / SAMPLE_RATE
	if steps == 0 {
		return 0, false
	}
	s.accum -= steps * SAMPLE_RATE

	// Source rates above the output rate consume several bytes per output
	// sample; only the last one is audible.
	var b byte
	emitted := false
	for ; steps > 0 && s.active; steps-- {
		idx := s.start + s.pos
		if int(idx) >= len(bank) {
			s.active = false
			break
		}
		b = bank[idx]
		emitted = true
		s.pos++
		if s.pos >= s.length {
			if s.loop {
				s.pos = 0
			} else {
				s.active = false
			}
		}
	}
	return b, emitted
}

// UpdateStreams pushes resampled PCM bytes for every active stream up to the
// target sample. Live playback only; the pre-render engine runs its own copy
// of this math so its output does not depend on real-time jitter.
func (r *VGMReader) UpdateStreams(targetSample uint64, chip ChipWriter) {
	for r.lastStreamSample < targetSample {
		for i := range r.streams {
			s := &r.streams[i]
			if b, ok := stepStream(s, r.bank); ok {
				chip.WriteRegister(s.port, s.reg, b)
			}
		}
		r.lastStreamSample++
	}
}

func (r *VGMReader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.storage.Close()
}

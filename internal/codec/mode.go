package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ModeCodec applies the MODE command's wire-framing transform. It sits
// outermost in the pipeline: by the time a block reaches ModeCodec its
// Data has already been through TYPE and STRUCTURE, so BLOCK/COMPRESSED
// framing never has to know anything about line endings or record
// boundaries, only about the EOF/EOR/restart flags StructureCodec left on
// the block.
type ModeCodec struct {
	Mode Mode
}

// blockHeaderSize is the 3-byte BLOCK-mode frame header: one descriptor
// byte followed by a 16-bit big-endian byte count (RFC 959 Section 3.4.2).
const blockHeaderSize = 3

// maxBlockPayload is the largest byte count the 16-bit count field can
// carry.
const maxBlockPayload = 0xFFFF

// EncodeBlock renders b as the bytes that go on the wire for the
// configured mode. STREAM mode is transparent; the EOF flag carries no
// wire representation and is instead signaled by the caller closing the
// connection. BLOCK and COMPRESSED both frame with the 3-byte header;
// COMPRESSED additionally run-length-compresses the payload before
// framing.
func (c ModeCodec) EncodeBlock(b DataBlock) ([]byte, error) {
	switch c.Mode {
	case ModeStream:
		return b.Data, nil
	case ModeBlock:
		return encodeBlockFrames(b.Data, b.Flags)
	case ModeCompressed:
		return encodeBlockFrames(compressRLE(b.Data), b.Flags)
	default:
		return nil, fmt.Errorf("codec: unknown mode %v", c.Mode)
	}
}

func encodeBlockFrames(data []byte, flags BlockFlag) ([]byte, error) {
	if len(data) == 0 {
		out := make([]byte, blockHeaderSize)
		out[0] = byte(flags)
		return out, nil
	}
	var out []byte
	for len(data) > 0 {
		n := len(data)
		if n > maxBlockPayload {
			n = maxBlockPayload
		}
		chunk := data[:n]
		data = data[n:]
		descriptor := byte(0)
		if len(data) == 0 {
			// Last (or only) frame for this block carries its flags.
			descriptor = byte(flags)
		}
		header := make([]byte, blockHeaderSize)
		header[0] = descriptor
		binary.BigEndian.PutUint16(header[1:3], uint16(n))
		out = append(out, header...)
		out = append(out, chunk...)
	}
	return out, nil
}

// FrameDecoder reassembles BLOCK/COMPRESSED frames from a byte stream that
// may be split arbitrarily across network reads. A partial header or
// partial payload buffers until the next Feed call completes it, per
// spec.md Section 4.3's "Inbound BLOCK reassembles frames across network
// packets; a partial header buffers until complete."
type FrameDecoder struct {
	mode Mode
	buf  []byte
}

// NewFrameDecoder returns a decoder for inbound data in the given mode.
// For ModeStream it still works correctly: Feed treats the whole input as
// one unframed DataBlock with no flags, since STREAM carries no inline
// framing at all (EOF is signaled by the transport closing).
func NewFrameDecoder(mode Mode) *FrameDecoder {
	return &FrameDecoder{mode: mode}
}

// Feed appends newly received bytes and returns every complete DataBlock
// that can now be extracted. Leftover partial data is retained internally.
func (d *FrameDecoder) Feed(data []byte) ([]DataBlock, error) {
	if d.mode == ModeStream {
		if len(data) == 0 {
			return nil, nil
		}
		return []DataBlock{{Data: data}}, nil
	}

	d.buf = append(d.buf, data...)
	var blocks []DataBlock
	for {
		if len(d.buf) < blockHeaderSize {
			return blocks, nil
		}
		descriptor := BlockFlag(d.buf[0])
		count := int(binary.BigEndian.Uint16(d.buf[1:3]))
		if len(d.buf) < blockHeaderSize+count {
			return blocks, nil
		}
		payload := d.buf[blockHeaderSize : blockHeaderSize+count]
		framed := make([]byte, count)
		copy(framed, payload)
		d.buf = d.buf[blockHeaderSize+count:]

		if d.mode == ModeCompressed {
			decompressed, err := decompressRLE(framed)
			if err != nil {
				return blocks, err
			}
			framed = decompressed
		}
		blocks = append(blocks, DataBlock{Data: framed, Flags: descriptor})
	}
}

// Pending reports whether a partial frame is buffered awaiting more data.
// Callers use this to distinguish a clean stream close from one that cut a
// frame in half.
func (d *FrameDecoder) Pending() bool { return len(d.buf) > 0 }

// rleLiteral and rleRun are this codec's two run-length control tags. This
// is a pragmatic simplification of RFC 959's rarely-implemented COMPRESSED
// mode control-byte layout (documented in DESIGN.md): a control byte
// followed by a one-byte count (1-255), then either `count` literal bytes
// (rleLiteral) or a single byte repeated `count` times (rleRun).
const (
	rleLiteral byte = 0x00
	rleRun     byte = 0x01
)

const minRunLength = 4

func compressRLE(data []byte) []byte {
	var out []byte
	i := 0
	for i < len(data) {
		runLen := 1
		for i+runLen < len(data) && data[i+runLen] == data[i] && runLen < 255 {
			runLen++
		}
		if runLen >= minRunLength {
			out = append(out, rleRun, byte(runLen), data[i])
			i += runLen
			continue
		}
		litStart := i
		litLen := 0
		for i < len(data) && litLen < 255 {
			run := 1
			for i+run < len(data) && data[i+run] == data[i] && run < 255 {
				run++
			}
			if run >= minRunLength {
				break
			}
			i++
			litLen++
		}
		out = append(out, rleLiteral, byte(litLen))
		out = append(out, data[litStart:litStart+litLen]...)
	}
	return out
}

func decompressRLE(data []byte) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(data) {
		if i+2 > len(data) {
			return nil, errors.New("codec: truncated compressed frame")
		}
		tag := data[i]
		count := int(data[i+1])
		i += 2
		switch tag {
		case rleLiteral:
			if i+count > len(data) {
				return nil, errors.New("codec: truncated compressed literal run")
			}
			out = append(out, data[i:i+count]...)
			i += count
		case rleRun:
			if i >= len(data) {
				return nil, errors.New("codec: truncated compressed run")
			}
			b := data[i]
			i++
			for j := 0; j < count; j++ {
				out = append(out, b)
			}
		default:
			return nil, fmt.Errorf("codec: unknown compressed mode tag %#x", tag)
		}
	}
	return out, nil
}

package codec

import "io"

// Pipeline composes the MODE, TYPE, and STRUCTURE transforms into the
// single object a data transfer attaches to its connection. Per spec.md
// Section 9's redesign note, a session builds a fresh Pipeline from its
// current Config at the moment a data channel opens rather than mutating
// one shared pipeline object across MODE/TYPE/STRU commands: that keeps a
// transfer in flight immune to a command issued for the *next* transfer.
type Pipeline struct {
	mode Mode
	typ  TypeCodec
	stru StructureCodec
}

// NewPipeline builds a Pipeline from cfg. It is the single point where
// STRU=PAGE is rejected: spec.md Section 4.3 permits PAGE structure to
// surface as "not implemented" at command time, so callers should run this
// at MODE/TYPE/STRU command time (not merely at data-open time) in order
// to reply 504 before ever touching the data channel.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Structure == StructurePage {
		return nil, &UnsupportedStructureError{Structure: cfg.Structure}
	}
	return &Pipeline{
		mode: cfg.Mode,
		typ:  TypeCodec{Type: cfg.Type, LocalBits: cfg.LocalBits},
		stru: StructureCodec{Structure: cfg.Structure},
	}, nil
}

// EncodeOutbound prepares a DataBlock read from local storage (e.g. for
// RETR) for transmission: applied in order STRUCTURE, then TYPE, then
// MODE, so that MODE framing is the outermost wire layer and never sees
// anything but the final logical payload and its flags.
func (p *Pipeline) EncodeOutbound(b DataBlock) ([]byte, error) {
	b = p.stru.EncodeBlock(b)
	encoded, err := io.ReadAll(p.typ.EncodeReader(newByteReader(b.Data)))
	if err != nil {
		return nil, err
	}
	b.Data = encoded
	return ModeCodec{Mode: p.mode}.EncodeBlock(b)
}

// NewInboundDecoder returns a FrameDecoder for reassembling MODE-level
// frames from the wire. Decoded DataBlocks must still be passed through
// DecodeBlock to complete the TYPE and STRUCTURE stages.
func (p *Pipeline) NewInboundDecoder() *FrameDecoder {
	return NewFrameDecoder(p.mode)
}

// DecodeBlock completes the inbound transform for a block that
// NewInboundDecoder has already de-framed from MODE: TYPE translation
// followed by STRUCTURE interpretation, the reverse order of
// EncodeOutbound (MODE is handled separately because it is stateful
// across reads, unlike TYPE and STRUCTURE).
func (p *Pipeline) DecodeBlock(b DataBlock) (DataBlock, error) {
	decoded, err := io.ReadAll(p.typ.DecodeReader(newByteReader(b.Data)))
	if err != nil {
		return DataBlock{}, err
	}
	b.Data = decoded
	return p.stru.DecodeBlock(b), nil
}

// byteReader adapts a []byte to io.Reader without pulling in bytes.Reader
// semantics callers don't need (no Seek, no Len tracking beyond Read).
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

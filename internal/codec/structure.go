package codec

// StructureCodec governs how DataBlock boundaries are interpreted at the
// STRU layer. FILE structure is byte-transparent; RECORD preserves the
// EOR markers DataBlock carries; PAGE is specified but, per spec.md
// Section 4.3, permitted to surface as "not implemented" at command time
// rather than being handled here — NewPipeline returns
// UnsupportedStructureError for STRU=PAGE so the dispatcher can reply 504
// before ever reaching the data channel.
type StructureCodec struct {
	Structure Structure
}

// EncodeBlock is a pass-through for FILE and RECORD structure: FILE treats
// the whole stream as one unbroken sequence, RECORD leaves EOR flags
// exactly as the caller set them so downstream MODE framing can carry them
// verbatim. Both are therefore identical at this layer; the distinction
// that matters is which flags a caller bothers to set on block boundaries,
// which is the RETR/STOR handler's responsibility, not the codec's.
func (c StructureCodec) EncodeBlock(b DataBlock) DataBlock { return b }

// DecodeBlock mirrors EncodeBlock for inbound data.
func (c StructureCodec) DecodeBlock(b DataBlock) DataBlock { return b }

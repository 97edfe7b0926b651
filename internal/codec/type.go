package codec

import "io"

// TypeCodec applies the TYPE command's byte representation transform to a
// logical payload. ASCII translates line endings; EBCDIC translates via
// the fixed codepoint table; IMAGE and LOCAL pass bytes through unchanged
// (sub-type defaults to 8 bits for LOCAL).
type TypeCodec struct {
	Type      Type
	LocalBits byte
}

// EncodeReader wraps r (local-convention bytes being sent outbound) so
// reads from it yield the network representation.
func (c TypeCodec) EncodeReader(r io.Reader) io.Reader {
	switch c.Type {
	case TypeASCII:
		return newASCIIEncoder(r)
	case TypeEBCDIC:
		return &ebcdicReader{src: r, table: &asciiToEBCDIC}
	default: // TypeImage, TypeLocal
		return r
	}
}

// DecodeReader wraps r (network-representation bytes arriving inbound) so
// reads from it yield the local representation to write to storage.
func (c TypeCodec) DecodeReader(r io.Reader) io.Reader {
	switch c.Type {
	case TypeASCII:
		return newASCIIDecoder(r)
	case TypeEBCDIC:
		return &ebcdicReader{src: r, table: &ebcdicToASCII}
	default:
		return r
	}
}

// ebcdicReader applies a fixed codepoint table to each byte read.
type ebcdicReader struct {
	src   io.Reader
	table *[256]byte
}

func (e *ebcdicReader) Read(p []byte) (int, error) {
	n, err := e.src.Read(p)
	if n > 0 {
		for i := 0; i < n; i++ {
			p[i] = e.table[p[i]]
		}
	}
	return n, err
}

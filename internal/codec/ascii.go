package codec

import (
	"bufio"
	"bytes"
	"io"
)

// asciiEncoder wraps an io.Reader and converts local line endings (LF) to
// the network convention (CRLF) for outbound ASCII-type transfers (RETR).
// Adapted from the teacher's asciiReader: same peek/discard byte-scanning
// approach, generalized to live under the TYPE codec rather than being
// wired directly into the RETR handler.
type asciiEncoder struct {
	r         *bufio.Reader
	prevWasCR bool
	pending   byte
	hasPending bool
}

func newASCIIEncoder(r io.Reader) *asciiEncoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &asciiEncoder{r: br}
}

func (r *asciiEncoder) fill() ([]byte, error) {
	peeked, _ := r.r.Peek(r.r.Buffered())
	if len(peeked) > 0 {
		return peeked, nil
	}
	if _, err := r.r.ReadByte(); err != nil {
		return nil, err
	}
	_ = r.r.UnreadByte()
	peeked, _ = r.r.Peek(r.r.Buffered())
	if len(peeked) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return peeked, nil
}

func (r *asciiEncoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := 0

	if r.hasPending {
		p[n] = r.pending
		n++
		r.hasPending = false
		r.pending = 0
	}

	for n < len(p) {
		peeked, err := r.fill()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		idx := bytes.IndexByte(peeked, '\n')
		if idx == -1 {
			toCopy := len(peeked)
			if n+toCopy > len(p) {
				toCopy = len(p) - n
			}
			copy(p[n:], peeked[:toCopy])
			r.prevWasCR = peeked[toCopy-1] == '\r'
			_, _ = r.r.Discard(toCopy)
			n += toCopy
			continue
		}

		toCopy := idx
		if n+toCopy > len(p) {
			toCopy = len(p) - n
		}
		if toCopy > 0 {
			copy(p[n:], peeked[:toCopy])
			r.prevWasCR = peeked[toCopy-1] == '\r'
			_, _ = r.r.Discard(toCopy)
			n += toCopy
		}
		if n >= len(p) {
			return n, nil
		}

		if r.prevWasCR {
			p[n] = '\n'
			n++
			_, _ = r.r.Discard(1)
			r.prevWasCR = false
			continue
		}

		p[n] = '\r'
		n++
		r.prevWasCR = true
		if n < len(p) {
			p[n] = '\n'
			n++
			_, _ = r.r.Discard(1)
			r.prevWasCR = false
		} else {
			r.pending = '\n'
			r.hasPending = true
			_, _ = r.r.Discard(1)
			return n, nil
		}
	}

	return n, nil
}

// asciiDecoder translates the network convention (CRLF) back to local line
// endings (LF) for inbound ASCII-type transfers (STOR).
type asciiDecoder struct {
	r *bufio.Reader
}

func newASCIIDecoder(r io.Reader) *asciiDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &asciiDecoder{r: br}
}

func (d *asciiDecoder) fill() ([]byte, error) {
	peeked, _ := d.r.Peek(d.r.Buffered())
	if len(peeked) > 0 {
		return peeked, nil
	}
	if _, err := d.r.ReadByte(); err != nil {
		return nil, err
	}
	_ = d.r.UnreadByte()
	peeked, _ = d.r.Peek(d.r.Buffered())
	if len(peeked) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return peeked, nil
}

func (d *asciiDecoder) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	for n < len(p) {
		peeked, err := d.fill()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		idx := bytes.IndexByte(peeked, '\r')
		if idx == -1 {
			toCopy := len(peeked)
			if n+toCopy > len(p) {
				toCopy = len(p) - n
			}
			copy(p[n:], peeked[:toCopy])
			_, _ = d.r.Discard(toCopy)
			n += toCopy
			continue
		}

		toCopy := idx
		if n+toCopy > len(p) {
			toCopy = len(p) - n
		}
		if toCopy > 0 {
			copy(p[n:], peeked[:toCopy])
			_, _ = d.r.Discard(toCopy)
			n += toCopy
		}
		if n >= len(p) {
			return n, nil
		}

		peeked, _ = d.r.Peek(2)
		switch {
		case len(peeked) >= 2 && peeked[1] == '\n':
			_, _ = d.r.Discard(1)
		case len(peeked) == 1:
			return n, nil
		default:
			p[n] = '\r'
			n++
			_, _ = d.r.Discard(1)
		}
	}

	return n, nil
}

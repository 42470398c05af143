package baresip

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// maxFrame bounds a single netstring payload.
const maxFrame = 1 << 20

// Encoder writes netstring frames: <length>:<payload>,
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes data as one frame.
func (e *Encoder) Encode(data []byte) error {
	frame := make([]byte, 0, len(data)+12)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)
	frame = append(frame, ',')
	_, err := e.w.Write(frame)
	return err
}

// Decoder reads netstring frames from a stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns the next payload. It returns io.EOF only on a clean end of
// stream between frames.
func (d *Decoder) Decode() ([]byte, error) {
	n := 0
	digits := 0
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && digits > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b == ':' {
			break
		}
		// tolerate whitespace between frames
		if digits == 0 && (b == '\n' || b == '\r' || b == ' ') {
			continue
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("netstring: invalid length byte %q", b)
		}
		n = n*10 + int(b-'0')
		digits++
		if n > maxFrame {
			return nil, fmt.Errorf("netstring: frame of %d bytes exceeds limit", n)
		}
	}
	if digits == 0 {
		return nil, fmt.Errorf("netstring: missing length")
	}

	payload := make([]byte, n+1)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if payload[n] != ',' {
		return nil, fmt.Errorf("netstring: missing trailing comma")
	}
	return payload[:n], nil
}

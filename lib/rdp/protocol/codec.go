package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Frame format: [decimal length] ':' [JSON payload of that many bytes]

// MaxPacketSize bounds a single frame.
const MaxPacketSize = 64 * 1024 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum packet size")

// Encoder writes framed packets to a writer
type Encoder struct {
	w io.Writer
}

// NewEncoder creates a new encoder
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes a packet with length-prefix framing
func (e *Encoder) Encode(p Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}

	frame := make([]byte, 0, len(data)+12)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads framed packets from a reader
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a new decoder
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads one framed packet. It returns io.EOF when the stream ends cleanly
// between frames.
func (d *Decoder) Decode() (Packet, error) {
	prefix, err := d.r.ReadString(':')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if prefix == "" {
				return nil, io.EOF
			}
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read length: %w", err)
	}

	n, err := strconv.Atoi(prefix[:len(prefix)-1])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid frame length %q", prefix)
	}
	if n > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var p Packet
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal packet: %w", err)
	}
	return p, nil
}

package zsock

import (
	"errors"

	"github.com/multiformats/go-varint"
)

// Frame flag bits. Bits outside flagMask are reserved and rejected.
const (
	flagMore    byte = 0x01
	flagCommand byte = 0x02
	flagMask         = flagMore | flagCommand
)

const (
	// DefaultMaxFrameSize bounds a single frame payload
	DefaultMaxFrameSize = 16 * 1024 * 1024 // 16MB

	// maxFramesPerMessage bounds how many frames a peer may stack before a final frame
	maxFramesPerMessage = 1 << 16
)

// AppendMessage encodes every frame of msg onto dst
func AppendMessage(dst []byte, msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return dst, err
	}
	for _, f := range msg.Frames {
		var flags byte
		if f.More {
			flags |= flagMore
		}
		dst = appendFrame(dst, flags, f.Payload)
	}
	return dst, nil
}

// AppendCommand encodes a command as a single command frame
func AppendCommand(dst []byte, cmd Command) ([]byte, error) {
	if cmd.Type > CommandPong {
		return dst, framingErrorf("unknown command %s", cmd.Type)
	}
	body := make([]byte, 0, 1+len(cmd.Body))
	body = append(body, byte(cmd.Type))
	body = append(body, cmd.Body...)
	return appendFrame(dst, flagCommand, body), nil
}

func appendFrame(dst []byte, flags byte, payload []byte) []byte {
	dst = append(dst, flags)
	dst = append(dst, varint.ToUvarint(uint64(len(payload)))...)
	return append(dst, payload...)
}

// EncodedSize returns the number of bytes AppendMessage writes for msg
func EncodedSize(msg Message) int {
	n := 0
	for _, f := range msg.Frames {
		n += 1 + varint.UvarintSize(uint64(len(f.Payload))) + len(f.Payload)
	}
	return n
}

// Decoder reassembles messages and commands from a byte stream. Decoding is
// resumable: bytes are buffered until a whole unit is available.
type Decoder struct {
	maxFrameSize int64
	buf          []byte
	off          int
	pending      []Frame
	broken       error
}

// NewDecoder creates a decoder that rejects frames larger than maxFrameSize.
// A non-positive limit selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int64) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends stream bytes to the decoder's buffer. Consumed bytes are
// compacted away here, once per feed.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		rest := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:rest]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete message or command. It returns ErrIncomplete
// when more bytes are needed and a *FramingError once the stream is broken;
// after a framing error every call fails with the same error.
func (d *Decoder) Next() (Message, *Command, error) {
	if d.broken != nil {
		return Message{}, nil, d.broken
	}
	for {
		flags, payload, n, err := d.readFrame()
		if err != nil {
			if !errors.Is(err, ErrIncomplete) {
				d.broken = err
			}
			return Message{}, nil, err
		}
		d.consume(n)

		if flags&flagCommand != 0 {
			cmd, err := d.command(flags, payload)
			if err != nil {
				d.broken = err
				return Message{}, nil, err
			}
			return Message{}, cmd, nil
		}

		more := flags&flagMore != 0
		d.pending = append(d.pending, Frame{Payload: payload, More: more})
		if more {
			if len(d.pending) >= maxFramesPerMessage {
				d.broken = framingErrorf("message exceeds %d frames", maxFramesPerMessage)
				return Message{}, nil, d.broken
			}
			continue
		}
		msg := Message{Frames: d.pending}
		d.pending = nil
		return msg, nil, nil
	}
}

func (d *Decoder) readFrame() (byte, []byte, int, error) {
	buf := d.buf[d.off:]
	if len(buf) == 0 {
		return 0, nil, 0, ErrIncomplete
	}
	flags := buf[0]
	if flags&^flagMask != 0 {
		return 0, nil, 0, framingErrorf("reserved flag bits set in 0x%02x", flags)
	}
	size, sizeLen, err := varint.FromUvarint(buf[1:])
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return 0, nil, 0, ErrIncomplete
		}
		return 0, nil, 0, &FramingError{Reason: "malformed length prefix", Err: err}
	}
	if size > uint64(d.maxFrameSize) {
		return 0, nil, 0, framingErrorf("frame of %d bytes exceeds limit %d", size, d.maxFrameSize)
	}
	header := 1 + sizeLen
	total := header + int(size)
	if len(buf) < total {
		return 0, nil, 0, ErrIncomplete
	}
	payload := make([]byte, size)
	copy(payload, buf[header:total])
	return flags, payload, total, nil
}

func (d *Decoder) command(flags byte, payload []byte) (*Command, error) {
	if flags&flagMore != 0 {
		return nil, framingErrorf("command frame has continuation flag")
	}
	if len(d.pending) > 0 {
		return nil, framingErrorf("command frame inside a %d-frame message", len(d.pending))
	}
	if len(payload) == 0 {
		return nil, framingErrorf("empty command frame")
	}
	typ := CommandType(payload[0])
	if typ > CommandPong {
		return nil, framingErrorf("unknown command 0x%02x", payload[0])
	}
	return &Command{Type: typ, Body: payload[1:]}, nil
}

func (d *Decoder) consume(n int) {
	d.off += n
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
}

package zsock

import (
	"bytes"
	"fmt"
	"strings"
)

// Frame is one part of a multi-part message
type Frame struct {
	Payload []byte
	More    bool
}

// Message is an ordered, non-empty sequence of frames. Every frame except the
// last has More set.
type Message struct {
	Frames []Frame
}

// NewMessage creates a message from the given frame payloads
func NewMessage(frames ...[]byte) Message {
	msg := Message{Frames: make([]Frame, len(frames))}
	for i, payload := range frames {
		msg.Frames[i] = Frame{Payload: payload, More: i < len(frames)-1}
	}
	return msg
}

// NewMessageString creates a message with one frame per string
func NewMessageString(frames ...string) Message {
	raw := make([][]byte, len(frames))
	for i, s := range frames {
		raw[i] = []byte(s)
	}
	return NewMessage(raw...)
}

// Validate checks the message is non-empty and its continuation flags are consistent
func (m Message) Validate() error {
	if len(m.Frames) == 0 {
		return ErrEmptyMessage
	}
	last := len(m.Frames) - 1
	for i, f := range m.Frames {
		if f.More != (i < last) {
			return &FramingError{Reason: fmt.Sprintf("frame %d of %d has more=%t", i, len(m.Frames), f.More)}
		}
	}
	return nil
}

// Len returns the number of frames
func (m Message) Len() int {
	return len(m.Frames)
}

// First returns the first frame's payload, used for subscription matching
func (m Message) First() []byte {
	if len(m.Frames) == 0 {
		return nil
	}
	return m.Frames[0].Payload
}

// Bytes returns the payload of each frame
func (m Message) Bytes() [][]byte {
	out := make([][]byte, len(m.Frames))
	for i, f := range m.Frames {
		out[i] = f.Payload
	}
	return out
}

// Strings returns the payload of each frame as a string
func (m Message) Strings() []string {
	out := make([]string, len(m.Frames))
	for i, f := range m.Frames {
		out[i] = string(f.Payload)
	}
	return out
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	out := Message{Frames: make([]Frame, len(m.Frames))}
	for i, f := range m.Frames {
		out.Frames[i] = Frame{Payload: bytes.Clone(f.Payload), More: f.More}
	}
	return out
}

// Equal reports whether both messages carry the same frames
func (m Message) Equal(other Message) bool {
	if len(m.Frames) != len(other.Frames) {
		return false
	}
	for i := range m.Frames {
		if m.Frames[i].More != other.Frames[i].More {
			return false
		}
		if !bytes.Equal(m.Frames[i].Payload, other.Frames[i].Payload) {
			return false
		}
	}
	return true
}

func (m Message) size() int {
	n := 0
	for _, f := range m.Frames {
		n += len(f.Payload)
	}
	return n
}

// String renders the frames for logging
func (m Message) String() string {
	return "[" + strings.Join(m.Strings(), "|") + "]"
}

// CommandType identifies a control command carried in a command frame
type CommandType byte

const (
	CommandCancel    CommandType = 0x00
	CommandSubscribe CommandType = 0x01
	CommandPing      CommandType = 0x02
	CommandPong      CommandType = 0x03
)

// String returns the command name
func (c CommandType) String() string {
	switch c {
	case CommandCancel:
		return "cancel"
	case CommandSubscribe:
		return "subscribe"
	case CommandPing:
		return "ping"
	case CommandPong:
		return "pong"
	default:
		return fmt.Sprintf("command(0x%02x)", byte(c))
	}
}

// Command is a single-frame control message. Subscribe and cancel carry a
// topic prefix; ping and pong carry an opaque token.
type Command struct {
	Type CommandType
	Body []byte
}

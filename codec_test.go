package zsock

import (
	"errors"
	"testing"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCodec_Encode(t *testing.T) {
	t.Run("frame layout", func(t *testing.T) {
		buf, err := AppendMessage(nil, NewMessageString("ab", "c"))
		require.NoError(t, err)
		assert.Equal(t, []byte{flagMore, 2, 'a', 'b', 0x00, 1, 'c'}, buf)
	})

	t.Run("command layout", func(t *testing.T) {
		buf, err := AppendCommand(nil, Command{Type: CommandSubscribe, Body: []byte("t")})
		require.NoError(t, err)
		assert.Equal(t, []byte{flagCommand, 2, byte(CommandSubscribe), 't'}, buf)
	})

	t.Run("invalid message is rejected", func(t *testing.T) {
		_, err := AppendMessage(nil, Message{})
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("unknown command is rejected", func(t *testing.T) {
		_, err := AppendCommand(nil, Command{Type: 0x09})
		var fe *FramingError
		assert.True(t, errors.As(err, &fe))
	})

	t.Run("encoded size matches", func(t *testing.T) {
		msg := NewMessage(make([]byte, 300), []byte("x"))
		buf, err := AppendMessage(nil, msg)
		require.NoError(t, err)
		assert.Equal(t, len(buf), EncodedSize(msg))
	})
}

func TestCodec_Decode(t *testing.T) {
	t.Run("byte at a time", func(t *testing.T) {
		msg := NewMessageString("CanHazTopic", "Hello World 0")
		buf, err := AppendMessage(nil, msg)
		require.NoError(t, err)

		dec := NewDecoder(0)
		var got Message
		for i, b := range buf {
			dec.Feed([]byte{b})
			m, cmd, err := dec.Next()
			if i < len(buf)-1 {
				require.ErrorIs(t, err, ErrIncomplete)
				continue
			}
			require.NoError(t, err)
			assert.Nil(t, cmd)
			got = m
		}
		assert.True(t, msg.Equal(got))
		assert.Zero(t, dec.Buffered())
	})

	t.Run("messages and commands interleave", func(t *testing.T) {
		var buf []byte
		buf, _ = AppendMessage(buf, NewMessageString("one"))
		buf, _ = AppendCommand(buf, Command{Type: CommandPing, Body: []byte{1, 2}})
		buf, _ = AppendMessage(buf, NewMessageString("two", "parts"))

		dec := NewDecoder(0)
		dec.Feed(buf)

		m, cmd, err := dec.Next()
		require.NoError(t, err)
		assert.Nil(t, cmd)
		assert.Equal(t, []string{"one"}, m.Strings())

		_, cmd, err = dec.Next()
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, CommandPing, cmd.Type)
		assert.Equal(t, []byte{1, 2}, cmd.Body)

		m, _, err = dec.Next()
		require.NoError(t, err)
		assert.Equal(t, []string{"two", "parts"}, m.Strings())

		_, _, err = dec.Next()
		assert.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("large batch in one feed", func(t *testing.T) {
		const n = 10000
		var buf []byte
		for i := 0; i < n; i++ {
			buf, _ = AppendMessage(buf, NewMessageString("batch", string(rune('a'+i%26))))
		}
		tail, _ := AppendMessage(nil, NewMessageString("tail"))

		dec := NewDecoder(0)
		dec.Feed(buf)
		dec.Feed(tail[:2])
		for i := 0; i < n; i++ {
			m, cmd, err := dec.Next()
			require.NoError(t, err)
			require.Nil(t, cmd)
			require.Equal(t, string(rune('a'+i%26)), string(m.Frames[1].Payload))
		}
		_, _, err := dec.Next()
		require.ErrorIs(t, err, ErrIncomplete)
		assert.Equal(t, 2, dec.Buffered())

		dec.Feed(tail[2:])
		assert.Equal(t, len(tail), len(dec.buf))
		m, _, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, []string{"tail"}, m.Strings())
		assert.Zero(t, dec.Buffered())
	})

	t.Run("decoded payloads do not alias the buffer", func(t *testing.T) {
		buf, _ := AppendMessage(nil, NewMessageString("abc"))
		dec := NewDecoder(0)
		dec.Feed(buf)
		m, _, err := dec.Next()
		require.NoError(t, err)

		buf[2] = 'Z'
		dec.Feed(buf)
		assert.Equal(t, "abc", string(m.First()))
	})
}

func TestCodec_FramingErrors(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
		max   int64
	}{
		{name: "reserved flag bits", input: []byte{0x80, 1, 'a'}},
		{name: "oversize frame", input: append([]byte{0x00}, varint.ToUvarint(1025)...), max: 1024},
		{name: "non-minimal length", input: []byte{0x00, 0x81, 0x00}},
		{name: "command with more", input: []byte{flagCommand | flagMore, 1, byte(CommandPing)}},
		{name: "empty command", input: []byte{flagCommand, 0}},
		{name: "unknown command", input: []byte{flagCommand, 1, 0x42}},
		{name: "command inside message", input: []byte{flagMore, 1, 'a', flagCommand, 1, byte(CommandPing)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := NewDecoder(tc.max)
			dec.Feed(tc.input)

			var err error
			for i := 0; i < 3; i++ {
				_, _, err = dec.Next()
				if !errors.Is(err, ErrIncomplete) && err != nil {
					break
				}
			}
			var fe *FramingError
			require.True(t, errors.As(err, &fe), "got %v", err)

			// The stream stays broken.
			dec.Feed([]byte{0x00, 1, 'a'})
			_, _, again := dec.Next()
			assert.Equal(t, err, again)
		})
	}
}

func TestCodec_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frames := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 300), 1, 8).Draw(t, "frames")
		msg := NewMessage(frames...)

		buf, err := AppendMessage(nil, msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		// Feed in arbitrary chunks.
		dec := NewDecoder(0)
		var got *Message
		for len(buf) > 0 {
			n := rapid.IntRange(1, len(buf)).Draw(t, "chunk")
			dec.Feed(buf[:n])
			buf = buf[n:]

			m, cmd, err := dec.Next()
			if errors.Is(err, ErrIncomplete) {
				continue
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if cmd != nil {
				t.Fatalf("unexpected command %v", cmd.Type)
			}
			got = &m
		}
		if got == nil {
			t.Fatalf("message never completed")
		}
		if !msg.Equal(*got) {
			t.Fatalf("round trip mismatch: %v != %v", msg, *got)
		}
	})
}

package zsock

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/vmihailenco/msgpack/v5"
)

// greetingSignature opens every connection, before the version byte
var greetingSignature = [4]byte{0xFF, 'Z', 'S', 'K'}

const maxGreetingBody = 4096

// greeting is the capability record each side sends before any user traffic
type greeting struct {
	Version    int    `msgpack:"version"`
	SocketType string `msgpack:"socket_type"`
	Identity   string `msgpack:"identity"`
}

func writeGreeting(w io.Writer, g greeting) error {
	body, err := msgpack.Marshal(&g)
	if err != nil {
		return fmt.Errorf("encode greeting: %w", err)
	}
	buf := make([]byte, 0, len(greetingSignature)+1+varint.MaxLenUvarint63+len(body))
	buf = append(buf, greetingSignature[:]...)
	buf = append(buf, byte(ProtocolVersion))
	buf = append(buf, varint.ToUvarint(uint64(len(body)))...)
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	return nil
}

func readGreeting(r *bufio.Reader) (greeting, error) {
	var g greeting

	var sig [len(greetingSignature) + 1]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return g, fmt.Errorf("read greeting: %w", err)
	}
	if !bytes.Equal(sig[:len(greetingSignature)], greetingSignature[:]) {
		return g, &ProtocolError{Reason: fmt.Sprintf("bad signature % x", sig[:len(greetingSignature)])}
	}
	if version := int(sig[len(greetingSignature)]); version != ProtocolVersion {
		return g, &ProtocolError{Reason: fmt.Sprintf("version %d, want %d", version, ProtocolVersion)}
	}

	size, err := varint.ReadUvarint(r)
	if err != nil {
		return g, &ProtocolError{Reason: "malformed greeting length", Err: err}
	}
	if size > maxGreetingBody {
		return g, &ProtocolError{Reason: fmt.Sprintf("greeting of %d bytes exceeds %d", size, maxGreetingBody)}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return g, fmt.Errorf("read greeting body: %w", err)
	}
	if err := msgpack.Unmarshal(body, &g); err != nil {
		return g, &ProtocolError{Reason: "undecodable greeting", Err: err}
	}
	if g.Version != ProtocolVersion {
		return g, &ProtocolError{Reason: fmt.Sprintf("greeting version %d, want %d", g.Version, ProtocolVersion)}
	}
	return g, nil
}

// handshake exchanges greetings over conn and validates the remote socket type.
// Both sides write before reading, so the write runs concurrently to keep
// unbuffered transports from deadlocking.
func handshake(conn net.Conn, r *bufio.Reader, local greeting, timeout time.Duration) (greeting, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return greeting{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeGreeting(conn, local)
	}()

	remote, err := readGreeting(r)
	if err != nil {
		// Unblock the writer before waiting on it.
		conn.Close()
		<-writeErr
		return remote, err
	}
	if err := <-writeErr; err != nil {
		return remote, err
	}

	if !SocketType(local.SocketType).compatible(SocketType(remote.SocketType)) {
		return remote, &ProtocolError{
			Reason: fmt.Sprintf("%s socket cannot talk to %s", local.SocketType, remote.SocketType),
		}
	}
	return remote, nil
}

func isProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

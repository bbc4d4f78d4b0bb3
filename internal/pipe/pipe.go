// Package pipe implements ThreadPipe: a length-preserving, message-framed,
// bidirectional transport between two actors backed by a real AF_UNIX
// SOCK_STREAM socket pair (golang.org/x/sys/unix.Socketpair), not by a
// channel or queue abstraction. Wrapping each half as an *os.File keeps it
// usable as an ordinary io.Reader/io.Writer while still being a genuine OS
// descriptor that a reactor can select alongside any other file descriptor.
package pipe

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sebas/airvoice/internal/ctrlmsg"
)

// Endpoint is one half of a ThreadPipe. By convention the creator keeps
// endpoint 1 and hands endpoint 0 to the spawned actor.
type Endpoint struct {
	f *os.File
}

// New creates a connected pair of endpoints backed by a single socketpair.
// Endpoint index 1 is the creator's half, index 0 is the spawned actor's.
func New() (one *Endpoint, zero *Endpoint, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("set nonblock: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	zero = &Endpoint{f: os.NewFile(uintptr(fds[0]), "threadpipe-0")}
	one = &Endpoint{f: os.NewFile(uintptr(fds[1]), "threadpipe-1")}
	return one, zero, nil
}

// Fd returns the underlying file descriptor, for reactors that poll raw fds
// directly instead of going through Go's netpoller-backed Read.
func (e *Endpoint) Fd() uintptr { return e.f.Fd() }

// File exposes the endpoint as an *os.File for use in a select/poll set
// built from os.File-backed sources.
func (e *Endpoint) File() *os.File { return e.f }

// Close closes this half of the pipe. Each actor closes exactly the
// endpoints it owns, exactly once.
func (e *Endpoint) Close() error { return e.f.Close() }

// frame is the wire envelope for a payload. gob only embeds the concrete
// type name on the wire when the encoded value's static type is an
// interface; encoding msg.Payload directly would encode it as its concrete
// struct type, which a receiving `Decode(&any)` can never accept back. Routing
// both ends through frame.Payload, itself declared `any`, keeps the
// gob.Register'd concrete type reachable through the registered interface.
type frame struct {
	Payload any
}

// Send writes exactly one ControlMessage. A short write is retried until
// the full record has been delivered; an error signals "peer gone" to the
// caller, which must treat it as terminal.
func (e *Endpoint) Send(msg ctrlmsg.Message) error {
	var payloadBuf bytes.Buffer
	hasPayload := msg.Payload != nil
	if hasPayload {
		if err := gob.NewEncoder(&payloadBuf).Encode(frame{Payload: msg.Payload}); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	header := make([]byte, 9)
	binary.BigEndian.PutUint32(header[0:4], uint32(msg.Tag))
	if hasPayload {
		header[4] = 1
	}
	binary.BigEndian.PutUint32(header[5:9], uint32(payloadBuf.Len()))

	if err := writeFull(e.f, header); err != nil {
		return fmt.Errorf("peer gone: %w", err)
	}
	if payloadBuf.Len() > 0 {
		if err := writeFull(e.f, payloadBuf.Bytes()); err != nil {
			return fmt.Errorf("peer gone: %w", err)
		}
	}
	return nil
}

// Recv blocks for exactly one ControlMessage. A short read is resumed
// until the full record arrives; any read error signals "peer gone".
func (e *Endpoint) Recv() (ctrlmsg.Message, error) {
	header := make([]byte, 9)
	if err := readFull(e.f, header); err != nil {
		return ctrlmsg.Message{}, fmt.Errorf("peer gone: %w", err)
	}

	msg := ctrlmsg.Message{Tag: ctrlmsg.Tag(binary.BigEndian.Uint32(header[0:4]))}
	hasPayload := header[4] != 0
	length := binary.BigEndian.Uint32(header[5:9])

	if hasPayload {
		payloadBuf := make([]byte, length)
		if err := readFull(e.f, payloadBuf); err != nil {
			return ctrlmsg.Message{}, fmt.Errorf("peer gone: %w", err)
		}
		var fr frame
		if err := gob.NewDecoder(bytes.NewReader(payloadBuf)).Decode(&fr); err != nil {
			return ctrlmsg.Message{}, fmt.Errorf("decode payload: %w", err)
		}
		msg.Payload = fr.Payload
	}
	return msg, nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func init() {
	gob.Register(ctrlmsg.RegisterPayload{})
	gob.Register(ctrlmsg.CallInProgressPayload{})
	gob.Register(ctrlmsg.IncomingCallPayload{})
	gob.Register(ctrlmsg.AudioInitPayload{})
	gob.Register(ctrlmsg.RTPOKPayload{})
}

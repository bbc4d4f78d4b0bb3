// Package audioactor implements AudioActor: the per-call worker owning an
// RTP session and the modem's PCM serial port, and performing the
// timing-critical audio pump between them in both directions.
//
// The reactor over {control pipe, serial FD, RTP socket} is expressed in Go
// as one goroutine per real descriptor, fan-in'd through a select in Run —
// the idiomatic translation of a poll() loop, while still backing every
// source by a genuine OS descriptor (ThreadPipe's socketpair, the serial
// port's fd, the session's UDP socket) rather than a bare channel
// abstraction.
package audioactor

import (
	"fmt"
	"log/slog"

	"github.com/sebas/airvoice/internal/ctrlmsg"
	"github.com/sebas/airvoice/internal/pipe"
	"github.com/sebas/airvoice/internal/rtpsession"
	"github.com/sebas/airvoice/internal/serialport"
)

const frameSize = 160 // bytes per tick at 8kHz/8-bit PCMU, one 20ms frame

// Handle is the spawning actor's reference to a running AudioActor, letting
// it be joined after CmdAudioExit instead of merely inferred closed from its
// forwarding goroutine's channel.
type Handle struct {
	done chan struct{}
}

// Wait blocks until the AudioActor goroutine has returned.
func (h *Handle) Wait() { <-h.done }

// Spawn launches an AudioActor goroutine for one call and returns a handle
// the caller can Wait() on to join it.
func Spawn(ep *pipe.Endpoint, ssrc uint32) *Handle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ep, ssrc)
	}()
	return &Handle{done: done}
}

// Run executes one AudioActor's full lifecycle on the calling goroutine; it
// is meant to be launched with `go audioactor.Run(ep, ssrc)`, or joined via
// Spawn. It always closes ep before returning.
func Run(ep *pipe.Endpoint, ssrc uint32) {
	defer ep.Close()

	if err := ep.Send(ctrlmsg.Message{Tag: ctrlmsg.AudioEventReady}); err != nil {
		slog.Error("audioactor: failed to announce ready", "error", err)
		return
	}

	msg, err := ep.Recv()
	if err != nil {
		slog.Debug("audioactor: peer gone before init", "error", err)
		return
	}

	switch msg.Tag {
	case ctrlmsg.CmdAudioExit:
		return
	case ctrlmsg.CmdAudioInit:
		// fall through
	default:
		slog.Warn("audioactor: unexpected tag before init", "tag", msg.Tag)
		return
	}

	payload, ok := msg.Payload.(ctrlmsg.AudioInitPayload)
	if !ok {
		slog.Error("audioactor: malformed init payload")
		return
	}

	sess, port, err := initialize(payload, ssrc)
	if err != nil {
		// No error tag exists in the closed Sip<->Audio enumeration; the
		// reply path for a failed RTP/serial init is simply closing the
		// pipe, which the SipActor observes as "peer gone" and treats as a
		// call-ending failure.
		slog.Error("audioactor: init failed", "error", err)
		return
	}
	defer sess.Close()
	defer port.Close()

	if err := ep.Send(ctrlmsg.Message{
		Tag:     ctrlmsg.AudioEventRTPOK,
		Payload: ctrlmsg.RTPOKPayload{LocalPort: sess.LocalPort()},
	}); err != nil {
		slog.Debug("audioactor: peer gone announcing rtp ok", "error", err)
		return
	}

	pump(ep, sess, port)
}

func initialize(payload ctrlmsg.AudioInitPayload, ssrc uint32) (*rtpsession.Session, *serialport.Port, error) {
	sess, err := rtpsession.New(payload.RemoteAddr, payload.RemotePort, ssrc)
	if err != nil {
		return nil, nil, fmt.Errorf("rtp init: %w", err)
	}

	port, err := serialport.Open(payload.SerialPath)
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("serial open: %w", err)
	}

	return sess, port, nil
}

type serialRead struct {
	data []byte
	err  error
}

// serialReadAttempts bounds how many Read calls readFrame issues while
// accumulating one frame, guarding against a driver that only ever hands
// back a handful of bytes per call.
const serialReadAttempts = 10

// readFrame accumulates up to frameSize bytes from port across at most
// serialReadAttempts reads, returning whatever was accumulated even if a
// short frame results from the attempt bound or an error. A single read
// per frame would fragment audio into irregular-sized RTP packets whenever
// the driver hands back less than a full frame at a time.
func readFrame(port *serialport.Port) ([]byte, error) {
	buf := make([]byte, frameSize)
	got := 0
	var err error
	for attempt := 0; got < frameSize && attempt < serialReadAttempts; attempt++ {
		var n int
		n, err = port.Read(buf[got:])
		got += n
		if err != nil {
			break
		}
	}
	return buf[:got], err
}

// pump shuttles audio both ways until either leg errors terminally or
// CmdAudioExit arrives from the SipActor: 160-byte PCM frames off the
// serial port go out as one RTP packet each, and inbound RTP payloads are
// written back to the modem's serial port.
func pump(ep *pipe.Endpoint, sess *rtpsession.Session, port *serialport.Port) {
	done := make(chan struct{})
	defer close(done)

	serialCh := make(chan serialRead)
	go func() {
		for {
			buf, err := readFrame(port)
			select {
			case serialCh <- serialRead{data: buf, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	rtpCh := make(chan serialRead)
	go func() {
		for {
			payload, err := sess.RecvPCMU()
			select {
			case rtpCh <- serialRead{data: payload, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ctrlCh := make(chan ctrlmsg.Message)
	ctrlErrCh := make(chan error, 1)
	go func() {
		msg, err := ep.Recv()
		if err != nil {
			ctrlErrCh <- err
			return
		}
		select {
		case ctrlCh <- msg:
		case <-done:
		}
	}()

	for {
		select {
		case sr := <-serialCh:
			if sr.err != nil {
				slog.Error("audioactor: serial read failed, terminating", "error", sr.err)
				return
			}
			if len(sr.data) == 0 {
				continue
			}
			if err := sess.SendPCMU(sr.data); err != nil {
				slog.Error("audioactor: rtp send failed, terminating", "error", err)
				return
			}
		case rr := <-rtpCh:
			if rr.err != nil {
				slog.Error("audioactor: rtp receive failed, terminating", "error", rr.err)
				return
			}
			if len(rr.data) == 0 {
				continue
			}
			if _, err := port.Write(rr.data); err != nil {
				slog.Error("audioactor: serial write failed, terminating", "error", err)
				return
			}
		case msg := <-ctrlCh:
			if msg.Tag == ctrlmsg.CmdAudioExit {
				return
			}
			slog.Warn("audioactor: unexpected tag during pump", "tag", msg.Tag)
			return
		case <-ctrlErrCh:
			return
		}
	}
}

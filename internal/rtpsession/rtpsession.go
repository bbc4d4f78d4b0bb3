// Package rtpsession wraps github.com/pion/rtp into the connected-mode,
// single-codec (PCMU/8000, payload type 0) session AudioActor needs: bind a
// local UDP port, connect it to the remote RTP endpoint, and send
// fixed-payload-type packets with a monotonically increasing sequence
// number and a timestamp advanced by the size of every prior send.
package rtpsession

import (
	"fmt"
	"net"

	"github.com/pion/rtp"
)

const payloadTypePCMU = 0

// Session is a connected-mode PCMU/8000 RTP session.
type Session struct {
	conn *net.UDPConn
	ssrc uint32
	seq  uint16
	ts   uint32
}

// New binds an ephemeral local UDP port and connects it to remoteAddr:remotePort
// so that subsequent sends need no destination address (connected-mode,
// peer preset).
func New(remoteAddr string, remotePort int, ssrc uint32) (*Session, error) {
	remote := &net.UDPAddr{IP: net.ParseIP(remoteAddr), Port: remotePort}
	if remote.IP == nil {
		return nil, fmt.Errorf("invalid remote rtp address %q", remoteAddr)
	}

	conn, err := net.DialUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0}, remote)
	if err != nil {
		return nil, fmt.Errorf("connect rtp session: %w", err)
	}

	return &Session{conn: conn, ssrc: ssrc}, nil
}

// LocalPort returns the OS-assigned local RTP port to advertise in SDP.
func (s *Session) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendPCMU sends payload as one RTP packet and advances the session
// timestamp by len(payload) for the next send.
func (s *Session) SendPCMU(payload []byte) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("send rtp packet: %w", err)
	}

	s.seq++
	s.ts += uint32(len(payload))
	return nil
}

// RecvPCMU blocks for one inbound RTP packet from the connected peer and
// returns its payload. Packets carrying any payload type other than PCMU
// are dropped, reported as a nil payload with no error.
func (s *Session) RecvPCMU() ([]byte, error) {
	buf := make([]byte, 1500)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("receive rtp packet: %w", err)
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return nil, fmt.Errorf("unmarshal rtp packet: %w", err)
	}
	if pkt.PayloadType != payloadTypePCMU {
		return nil, nil
	}
	return pkt.Payload, nil
}

// Close releases the underlying UDP socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

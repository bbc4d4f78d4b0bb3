package rtpsession

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestSendPCMUTimestampAdvancesByPayloadLength(t *testing.T) {
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer listener.Close()

	localAddr := listener.LocalAddr().(*net.UDPAddr)
	sess, err := New("127.0.0.1", localAddr.Port, 0xdeadbeef)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer sess.Close()

	if sess.LocalPort() == 0 {
		t.Error("LocalPort() = 0, want a nonzero OS-assigned port")
	}

	payloads := [][]byte{
		make([]byte, 160),
		make([]byte, 160),
		make([]byte, 80),
	}

	for _, p := range payloads {
		if err := sess.SendPCMU(p); err != nil {
			t.Fatalf("SendPCMU() error = %v", err)
		}
	}

	var lastTS uint32
	var lastSeq uint16
	for i, want := range payloads {
		listener.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1500)
		n, err := listener.Read(buf)
		if err != nil {
			t.Fatalf("packet %d: Read() error = %v", i, err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.Fatalf("packet %d: Unmarshal() error = %v", i, err)
		}
		if pkt.PayloadType != 0 {
			t.Errorf("packet %d: PayloadType = %d, want 0", i, pkt.PayloadType)
		}
		if pkt.SSRC != 0xdeadbeef {
			t.Errorf("packet %d: SSRC = %#x, want 0xdeadbeef", i, pkt.SSRC)
		}
		if len(pkt.Payload) != len(want) {
			t.Errorf("packet %d: payload len = %d, want %d", i, len(pkt.Payload), len(want))
		}

		if i == 0 {
			if pkt.Timestamp != 0 {
				t.Errorf("first packet timestamp = %d, want 0", pkt.Timestamp)
			}
		} else {
			wantTS := lastTS + uint32(len(payloads[i-1]))
			if pkt.Timestamp != wantTS {
				t.Errorf("packet %d: timestamp = %d, want %d (strictly advancing by prior payload length)", i, pkt.Timestamp, wantTS)
			}
			if pkt.SequenceNumber != lastSeq+1 {
				t.Errorf("packet %d: sequence = %d, want %d", i, pkt.SequenceNumber, lastSeq+1)
			}
		}
		lastTS = pkt.Timestamp
		lastSeq = pkt.SequenceNumber
	}
}

func TestRecvPCMUReturnsPayloadAndDropsOtherCodecs(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer peer.Close()

	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	sess, err := New("127.0.0.1", peerAddr.Port, 1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer sess.Close()

	sessAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.LocalPort()}

	send := func(payloadType uint8, payload []byte) {
		t.Helper()
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: payloadType, SSRC: 42},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if _, err := peer.WriteToUDP(data, sessAddr); err != nil {
			t.Fatalf("WriteToUDP() error = %v", err)
		}
	}

	type recvResult struct {
		payload []byte
		err     error
	}
	recv := func() recvResult {
		t.Helper()
		ch := make(chan recvResult, 1)
		go func() {
			p, err := sess.RecvPCMU()
			ch <- recvResult{payload: p, err: err}
		}()
		select {
		case r := <-ch:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for RecvPCMU")
			return recvResult{}
		}
	}

	want := make([]byte, 160)
	for i := range want {
		want[i] = byte(i)
	}
	send(0, want)
	got := recv()
	if got.err != nil {
		t.Fatalf("RecvPCMU() error = %v", got.err)
	}
	if len(got.payload) != len(want) {
		t.Fatalf("payload len = %d, want %d", len(got.payload), len(want))
	}
	for i := range want {
		if got.payload[i] != want[i] {
			t.Fatalf("payload[%d] = %#x, want %#x", i, got.payload[i], want[i])
		}
	}

	send(8, make([]byte, 160)) // PCMA: dropped, not forwarded
	got = recv()
	if got.err != nil {
		t.Fatalf("RecvPCMU() error = %v for a non-PCMU packet, want nil", got.err)
	}
	if got.payload != nil {
		t.Errorf("payload = %v for a non-PCMU packet, want nil", got.payload)
	}
}

func TestNewRejectsInvalidAddress(t *testing.T) {
	if _, err := New("not-an-ip", 20000, 1); err == nil {
		t.Error("New() error = nil, want error for an unparseable remote address")
	}
}

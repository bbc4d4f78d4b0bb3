package sdpbuild

import (
	"strconv"
	"strings"
	"testing"

	psdp "github.com/pion/sdp/v3"
)

func validOffer(port int) []byte {
	return []byte(
		"v=0\r\n" +
			"o=caller 123 456 IN IP4 192.0.2.9\r\n" +
			"s=-\r\n" +
			"c=IN IP4 192.0.2.9\r\n" +
			"t=0 0\r\n" +
			"m=audio " + strconv.Itoa(port) + " RTP/AVP 0\r\n" +
			"a=rtpmap:0 PCMU/8000\r\n",
	)
}

func TestParseOfferValid(t *testing.T) {
	offer, err := ParseOffer(validOffer(20000))
	if err != nil {
		t.Fatalf("ParseOffer() error = %v", err)
	}
	if offer.RemoteAddr != "192.0.2.9" {
		t.Errorf("RemoteAddr = %q, want 192.0.2.9", offer.RemoteAddr)
	}
	if offer.RemotePort != 20000 {
		t.Errorf("RemotePort = %d, want 20000", offer.RemotePort)
	}
}

func TestParseOfferRejectsWrongCodec(t *testing.T) {
	body := []byte(
		"v=0\r\n" +
			"o=caller 123 456 IN IP4 192.0.2.9\r\n" +
			"s=-\r\n" +
			"c=IN IP4 192.0.2.9\r\n" +
			"t=0 0\r\n" +
			"m=audio 20000 RTP/AVP 8\r\n" +
			"a=rtpmap:8 PCMA/8000\r\n",
	)
	if _, err := ParseOffer(body); err == nil {
		t.Error("ParseOffer() error = nil, want error for non-PCMU offer")
	}
}

func TestParseOfferRejectsOddPort(t *testing.T) {
	if _, err := ParseOffer(validOffer(20001)); err == nil {
		t.Error("ParseOffer() error = nil, want error for odd rtp port")
	}
}

func TestParseOfferRejectsZeroPort(t *testing.T) {
	if _, err := ParseOffer(validOffer(0)); err == nil {
		t.Error("ParseOffer() error = nil, want error for zero rtp port")
	}
}

func TestParseOfferRejectsNoAudioMedia(t *testing.T) {
	body := []byte(
		"v=0\r\n" +
			"o=caller 123 456 IN IP4 192.0.2.9\r\n" +
			"s=-\r\n" +
			"c=IN IP4 192.0.2.9\r\n" +
			"t=0 0\r\n" +
			"m=video 30000 RTP/AVP 96\r\n",
	)
	if _, err := ParseOffer(body); err == nil {
		t.Error("ParseOffer() error = nil, want error for no audio media")
	}
}

func TestParseOfferSessionLevelConnection(t *testing.T) {
	body := []byte(
		"v=0\r\n" +
			"o=caller 123 456 IN IP4 203.0.113.5\r\n" +
			"s=-\r\n" +
			"c=IN IP4 203.0.113.5\r\n" +
			"t=0 0\r\n" +
			"m=audio 20000 RTP/AVP 0\r\n" +
			"a=rtpmap:0 PCMU/8000\r\n",
	)
	offer, err := ParseOffer(body)
	if err != nil {
		t.Fatalf("ParseOffer() error = %v", err)
	}
	if offer.RemoteAddr != "203.0.113.5" {
		t.Errorf("RemoteAddr = %q, want session-level 203.0.113.5", offer.RemoteAddr)
	}
}

func TestBuildAnswerShape(t *testing.T) {
	body, err := BuildAnswer("192.0.2.9", 20000)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}
	text := string(body)

	for _, want := range []string{
		"m=audio 20000 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"c=IN IP4 192.0.2.9",
		"s=DongleCall",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("BuildAnswer() body missing %q:\n%s", want, text)
		}
	}
}

// TestBuildAnswerRoundTrip checks that parsing a generated SDP answer and
// re-emitting it yields the same byte sequence modulo the randomized origin
// identifiers.
func TestBuildAnswerRoundTrip(t *testing.T) {
	body, err := BuildAnswer("192.0.2.9", 20000)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}

	var sess psdp.SessionDescription
	if err := sess.Unmarshal(body); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	reemitted, err := sess.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if string(reemitted) != string(body) {
		t.Errorf("round trip mismatch:\noriginal:  %q\nreemitted: %q", body, reemitted)
	}
}

func TestBuildAnswerOriginUniquePerCall(t *testing.T) {
	first, err := BuildAnswer("192.0.2.9", 20000)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}
	second, err := BuildAnswer("192.0.2.9", 20000)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}
	if string(first) == string(second) {
		t.Error("two BuildAnswer() calls produced identical origin identifiers")
	}
}

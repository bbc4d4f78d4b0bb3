// Package sdpbuild parses an inbound SIP INVITE's SDP offer and builds the
// SDP answer AirVoice sends back in 183 Session Progress, using
// github.com/pion/sdp/v3: only a PCMU/8000 audio m= line is accepted, IPv4
// only, and the RTP port must be a nonzero even integer <= 65534.
package sdpbuild

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	psdp "github.com/pion/sdp/v3"
)

// Offer is the minimal information AirVoice needs out of an inbound SDP
// offer: where to send RTP, validated against the PCMU/8000-only profile.
type Offer struct {
	RemoteAddr string
	RemotePort int
}

// ParseOffer extracts and validates the remote RTP endpoint from a raw SDP
// body. It rejects anything but a PCMU/8000 (a=rtpmap:0 PCMU/8000) audio
// media line with an IN IP4 connection address and an even, nonzero,
// <=65534 port.
func ParseOffer(body []byte) (Offer, error) {
	var sess psdp.SessionDescription
	if err := sess.Unmarshal(body); err != nil {
		return Offer{}, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *psdp.MediaDescription
	for _, md := range sess.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return Offer{}, fmt.Errorf("no audio media description")
	}

	if !hasPCMURtpmap(audio) {
		return Offer{}, fmt.Errorf("no a=rtpmap:0 PCMU/8000 in audio media")
	}

	port := audio.MediaName.Port.Value
	if port == 0 || port%2 != 0 || port > 65534 {
		return Offer{}, fmt.Errorf("invalid rtp port %d: must be nonzero, even, <= 65534", port)
	}

	addr := connectionAddress(audio, &sess)
	if addr == "" {
		return Offer{}, fmt.Errorf("no IN IP4 c= connection address (media or session level)")
	}

	return Offer{RemoteAddr: addr, RemotePort: port}, nil
}

func hasPCMURtpmap(md *psdp.MediaDescription) bool {
	for _, attr := range md.Attributes {
		if attr.Key == "rtpmap" && attr.Value == "0 PCMU/8000" {
			return true
		}
	}
	return false
}

// connectionAddress returns the media-level c= address, falling back to the
// session-level one, or "" if the applicable c= line is not IN IP4.
func connectionAddress(md *psdp.MediaDescription, sess *psdp.SessionDescription) string {
	for _, ci := range []*psdp.ConnectionInformation{md.ConnectionInformation, sess.ConnectionInformation} {
		if ci == nil || ci.Address == nil {
			continue
		}
		if ci.NetworkType != "IN" || ci.AddressType != "IP4" {
			return ""
		}
		return ci.Address.Address
	}
	return ""
}

// BuildAnswer builds the PCMU/8000 SDP answer carried in 183 Session
// Progress: m=audio <localPort> RTP/AVP 0, a=rtpmap:0 PCMU/8000, a global
// c=IN IP4 <localIP>, and a per-call random origin id/version drawn from a
// non-cryptographic PRNG — only per-session uniqueness is required.
func BuildAnswer(localIP string, localPort int) ([]byte, error) {
	sessionID := uuid.New().ID()
	sessionVersion := uint64(rand.Uint32())

	sess := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "airvoice",
			SessionID:      uint64(sessionID),
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "DongleCall",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: localIP},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: localPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
				},
			},
		},
	}

	body, err := sess.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp answer: %w", err)
	}
	return body, nil
}

package sipactor

import (
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/sebas/airvoice/internal/audioactor"
	"github.com/sebas/airvoice/internal/ctrlmsg"
	"github.com/sebas/airvoice/internal/pipe"
)

// Config is a SipActor's parsed registration configuration.
type Config struct {
	Username  string
	Password  string
	SipHost   string
	SipID     string
	AudioPort string
	LocalIP   string
}

// connDirection records which side originated the RTP connection. AirVoice
// only implements the inbound call-setup path, so every rtpConnection it
// builds is connDirIncoming; the field is kept so the type matches the full
// data model rather than silently dropping it.
type connDirection int

const (
	connDirIncoming connDirection = iota
	connDirOutgoing
)

// rtpConnection describes the remote RTP endpoint and serial device for
// one in-flight call.
type rtpConnection struct {
	remoteAddr string
	remotePort int
	serialPath string
	direction  connDirection
}

// callSlot is the SipActor's current-call slot: either completely empty
// (nil) or completely populated in lock-step with the AudioActor's
// existence and the held INVITE event.
type callSlot struct {
	sm *fsm.FSM

	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	callID    string

	conn *rtpConnection

	audioEp     *pipe.Endpoint
	audioEvents chan ctrlmsg.Message
	audioHandle *audioactor.Handle

	localRTPPort int
	calledNumber string
	cellularPath string
}

// Package sipactor implements SipActor: the per-modem worker owning the SIP
// stack, SIP registration, and the call-setup state machine that bridges an
// inbound INVITE to a spawned AudioActor. UAS wiring (sipgo.NewUA/NewServer/
// NewClient, uas.OnRequest dispatch) follows sipgo's own idiom; the
// digest-authenticated REGISTER flow uses github.com/icholy/digest.
//
// The four-descriptor poll (Main pipe, AudioActor pipe, SIP event FD, timer)
// is expressed as one goroutine per real source (Main pipe, AudioActor
// pipe, sipgo's own request callbacks, the registration-refresh ticker)
// funneling into a single select loop in Run, the same translation
// audioactor uses for its two-descriptor reactor.
package sipactor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/airvoice/internal/audioactor"
	"github.com/sebas/airvoice/internal/ctrlmsg"
	"github.com/sebas/airvoice/internal/pipe"
	"github.com/sebas/airvoice/internal/sdpbuild"
)

const (
	listenPort = 5556

	// Timer cadence matches the stack's own retransmission/registration
	// refresh granularity and is not independently derivable.
	timerInitial = 1 * time.Second
	timerPeriod  = 5 * time.Second

	registerExpiry = 3600

	// Refresh well before the registrar-granted expiry runs out.
	registerRefresh = registerExpiry * time.Second / 2
)

// sipEvent is one event drained from sipgo's request callbacks, the Go
// translation of an event_wait loop over the SIP stack's event FD.
type sipEvent struct {
	kind string // "invite", "ack", "bye", "cancel"
	req  *sip.Request
	tx   sip.ServerTransaction
}

// Handle is MainController/ModemEntity's reference to a running SipActor.
type Handle struct {
	ep      *pipe.Endpoint
	done    chan struct{}
	equipID string
}

func (h *Handle) EquipmentID() string      { return h.equipID }
func (h *Handle) Endpoint() *pipe.Endpoint { return h.ep }
func (h *Handle) Wait()                    { <-h.done }

// actor is the SipActor's private state, entirely confined to its own
// goroutine; nothing here is touched by any other actor.
type actor struct {
	equipID string
	mainEp  *pipe.Endpoint // endpoint 0, owned by this actor

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	// stackMu serializes every SIP-stack entry point that reads or mutates
	// transaction state: registration refresh, event dispatch, and the
	// call_build_answer/call_send_answer pair.
	stackMu sync.Mutex

	cfg          Config
	registered   bool
	lastRegister time.Time

	slot *callSlot

	events chan sipEvent

	cancelListen context.CancelFunc
}

// Spawn launches a SipActor goroutine for one modem and returns the
// Main-side handle. equipID identifies the owning modem for logging only.
func Spawn(equipID string) (*Handle, error) {
	one, zero, err := pipe.New()
	if err != nil {
		return nil, fmt.Errorf("sipactor: creating pipe: %w", err)
	}

	done := make(chan struct{})
	a := &actor{
		equipID: equipID,
		mainEp:  zero,
		events:  make(chan sipEvent, 16),
	}
	go func() {
		defer close(done)
		a.run()
	}()

	return &Handle{ep: one, done: done, equipID: equipID}, nil
}

// run is the SipActor's full lifecycle: stack setup, SIP_EVENT_READY,
// reactor loop, teardown. It always closes mainEp before returning.
func (a *actor) run() {
	defer a.mainEp.Close()

	ua, err := sipgo.NewUA(sipgo.WithUserAgentHostname("airvoice"))
	if err != nil {
		slog.Error("sipactor: creating user agent", "equipment_id", a.equipID, "error", err)
		return
	}
	defer ua.Close()
	a.ua = ua

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		slog.Error("sipactor: creating server", "equipment_id", a.equipID, "error", err)
		return
	}
	a.srv = srv

	client, err := sipgo.NewClient(ua)
	if err != nil {
		slog.Error("sipactor: creating client", "equipment_id", a.equipID, "error", err)
		return
	}
	defer client.Close()
	a.client = client

	srv.OnRequest(sip.INVITE, func(req *sip.Request, tx sip.ServerTransaction) {
		a.events <- sipEvent{kind: "invite", req: req, tx: tx}
	})
	srv.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) {
		a.events <- sipEvent{kind: "ack", req: req, tx: tx}
	})
	srv.OnRequest(sip.BYE, func(req *sip.Request, tx sip.ServerTransaction) {
		a.events <- sipEvent{kind: "bye", req: req, tx: tx}
	})
	srv.OnRequest(sip.CANCEL, func(req *sip.Request, tx sip.ServerTransaction) {
		a.events <- sipEvent{kind: "cancel", req: req, tx: tx}
	})

	listenCtx, cancel := context.WithCancel(context.Background())
	a.cancelListen = cancel
	listenErrCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", listenPort)
		listenErrCh <- srv.ListenAndServe(listenCtx, "udp", addr)
	}()

	if err := a.mainEp.Send(ctrlmsg.Message{Tag: ctrlmsg.SipEventReady}); err != nil {
		slog.Debug("sipactor: peer gone before ready", "equipment_id", a.equipID, "error", err)
		cancel()
		return
	}

	mainCh := recvLoop(a.mainEp)
	ticker := time.NewTimer(timerInitial)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-mainCh:
			if !ok {
				slog.Debug("sipactor: main pipe closed", "equipment_id", a.equipID)
				a.teardownCall()
				cancel()
				return
			}
			if a.handleMainMessage(msg) {
				a.teardownCall()
				cancel()
				return
			}

		case ev := <-a.events:
			a.handleSipEvent(ev)

		case audioMsg, ok := <-a.audioChannel():
			if !ok {
				// AudioActor pipe gone: treat as a call-ending I/O failure,
				// cascading into call_end the same way a terminal audio
				// error does.
				slog.Warn("sipactor: audio actor pipe closed unexpectedly", "equipment_id", a.equipID)
				a.callEnd()
				continue
			}
			a.handleAudioMessage(audioMsg)

		case <-ticker.C:
			a.onTimer()
			ticker.Reset(timerPeriod)

		case err := <-listenErrCh:
			if err != nil {
				slog.Error("sipactor: sip listener exited", "equipment_id", a.equipID, "error", err)
			}
			a.teardownCall()
			return
		}
	}
}

// audioChannel returns the current call's audio-event channel, or a nil
// channel (which blocks forever in select) when no call is in flight.
func (a *actor) audioChannel() chan ctrlmsg.Message {
	if a.slot == nil {
		return nil
	}
	return a.slot.audioEvents
}

// recvLoop forwards Recv() results from ep onto a channel, closing the
// channel on any read error ("peer gone").
func recvLoop(ep *pipe.Endpoint) chan ctrlmsg.Message {
	ch := make(chan ctrlmsg.Message)
	go func() {
		defer close(ch)
		for {
			msg, err := ep.Recv()
			if err != nil {
				return
			}
			ch <- msg
		}
	}()
	return ch
}

// handleMainMessage processes one Main<->Sip control message. It returns
// true iff the actor should exit.
func (a *actor) handleMainMessage(msg ctrlmsg.Message) bool {
	switch msg.Tag {
	case ctrlmsg.SipCmdExit:
		return true

	case ctrlmsg.SipCmdRegister:
		payload, ok := msg.Payload.(ctrlmsg.RegisterPayload)
		if !ok {
			slog.Error("sipactor: malformed register payload", "equipment_id", a.equipID)
			return false
		}
		a.cfg = Config{
			Username:  payload.Username,
			Password:  payload.Password,
			SipHost:   payload.SipHost,
			SipID:     payload.SipID,
			AudioPort: payload.AudioPort,
			LocalIP:   payload.LocalIP,
		}
		if err := a.cfg.validate(); err != nil {
			slog.Error("sipactor: refusing registration, invalid config", "equipment_id", a.equipID, "error", err)
			return false
		}
		a.registerOnce()

	case ctrlmsg.SipCmdCallInProgress:
		payload, ok := msg.Payload.(ctrlmsg.CallInProgressPayload)
		if !ok {
			slog.Error("sipactor: malformed call-in-progress payload", "equipment_id", a.equipID)
			return false
		}
		a.callInProgress(payload.CallPath)

	default:
		slog.Warn("sipactor: unexpected tag from main", "equipment_id", a.equipID, "tag", msg.Tag)
	}
	return false
}

// validate mirrors config.ModemConfig.validate: every required field must
// be non-empty before SipActor will attempt registration.
func (c Config) validate() error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.SipHost == "" {
		missing = append(missing, "sip_host")
	}
	if c.SipID == "" {
		missing = append(missing, "sip_id")
	}
	if c.AudioPort == "" {
		missing = append(missing, "audio_port")
	}
	if c.LocalIP == "" {
		missing = append(missing, "local_ip")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// registerOnce builds and sends the initial REGISTER, handling a digest
// challenge synchronously, grounded on flowpbx-flowpbx's sendRegister.
func (a *actor) registerOnce() {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()

	a.lastRegister = time.Now()

	recipientStr := a.cfg.SipHost
	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+recipientStr, &recipient); err != nil {
		slog.Error("sipactor: parsing sip host", "equipment_id", a.equipID, "error", err)
		return
	}

	req := a.buildRegister(recipient)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		slog.Error("sipactor: sending register", "equipment_id", a.equipID, "error", err)
		return
	}
	res, err := waitFinal(ctx, tx)
	tx.Terminate()
	if err != nil {
		slog.Error("sipactor: register response", "equipment_id", a.equipID, "error", err)
		return
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = a.authenticateRegister(ctx, req, res)
		if err != nil {
			slog.Error("sipactor: registration failed", "equipment_id", a.equipID, "error", err)
			a.registered = false
			return
		}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		slog.Info("sipactor: registration success", "equipment_id", a.equipID, "sip_host", a.cfg.SipHost)
		a.registered = true
		return
	}

	slog.Warn("sipactor: registration failure", "equipment_id", a.equipID, "status", res.StatusCode, "reason", res.Reason)
	a.registered = false
}

func (a *actor) buildRegister(recipient sip.Uri) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	aor := fmt.Sprintf("<sip:%s@%s>", a.cfg.SipID, a.cfg.SipHost)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", a.cfg.SipID, a.cfg.LocalIP, listenPort)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(registerExpiry)))
	return req
}

func (a *actor) authenticateRegister(ctx context.Context, origReq *sip.Request, challenge *sip.Response) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("%d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.REGISTER.String(),
		URI:      "sip:" + a.cfg.SipHost,
		Username: a.cfg.Username,
		Password: a.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	if cseq := authReq.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	tx, err := a.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated register: %w", err)
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("transaction ended without final response")
		case res := <-tx.Responses():
			if res.StatusCode == 100 {
				continue
			}
			return res, nil
		}
	}
}

// onTimer is the periodic automatic_action handler: it retries a failed
// registration on the next tick and refreshes an established one before it
// expires. Retransmission backoff for pending transactions is handled
// internally by sipgo's own transaction timers.
func (a *actor) onTimer() {
	if a.cfg.validate() != nil {
		return
	}
	if a.registered && time.Since(a.lastRegister) < registerRefresh {
		return
	}
	a.registerOnce()
}

// handleSipEvent dispatches one drained SIP event against the event table
// below.
func (a *actor) handleSipEvent(ev sipEvent) {
	switch ev.kind {
	case "ack":
		slog.Debug("sipactor: call ack", "equipment_id", a.equipID)

	case "bye", "cancel":
		a.stackMu.Lock()
		ev.tx.Respond(sip.NewResponseFromRequest(ev.req, sip.StatusOK, "OK", nil))
		a.stackMu.Unlock()
		if a.slot != nil && ev.req.CallID() != nil && ev.req.CallID().Value() == a.slot.callID {
			a.callEnd()
		}

	case "invite":
		a.callStage0(ev.req, ev.tx)

	default:
		slog.Warn("sipactor: unexpected event", "equipment_id", a.equipID, "kind", ev.kind)
	}
}

// callStage0 is Idle -> AwaitingAudio: validate the INVITE, parse its SDP,
// and spawn an AudioActor.
func (a *actor) callStage0(req *sip.Request, tx sip.ServerTransaction) {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()

	if a.slot != nil {
		slog.Warn("sipactor: rejecting second concurrent invite", "equipment_id", a.equipID)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil))
		return
	}

	from := req.From()
	if from == nil || from.Address.User != a.cfg.Username {
		slog.Warn("sipactor: invite from-user mismatch, dropping", "equipment_id", a.equipID)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil))
		return
	}

	offer, err := sdpbuild.ParseOffer(req.Body())
	if err != nil {
		slog.Warn("sipactor: invite sdp rejected, dropping", "equipment_id", a.equipID, "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotAcceptableHere, "Not Acceptable Here", nil))
		return
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	audioOne, audioZero, err := pipe.New()
	if err != nil {
		slog.Error("sipactor: creating audio pipe", "equipment_id", a.equipID, "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil))
		return
	}

	slot := &callSlot{
		sm:        newCallFSM(),
		inviteReq: req,
		inviteTx:  tx,
		callID:    callID,
		conn: &rtpConnection{
			remoteAddr: offer.RemoteAddr,
			remotePort: offer.RemotePort,
			serialPath: a.cfg.AudioPort,
			direction:  connDirIncoming,
		},
		audioEp:     audioOne,
		audioEvents: make(chan ctrlmsg.Message),
	}
	a.slot = slot
	if err := slot.sm.Event(context.Background(), eventInvite); err != nil {
		slog.Error("sipactor: call fsm transition failed", "equipment_id", a.equipID, "error", err)
	}

	go func() {
		defer close(slot.audioEvents)
		for {
			msg, err := audioOne.Recv()
			if err != nil {
				return
			}
			slot.audioEvents <- msg
		}
	}()

	ssrc := uint32(time.Now().UnixNano())
	slot.audioHandle = audioactor.Spawn(audioZero, ssrc)

	slog.Info("sipactor: invite accepted, audio actor spawned", "equipment_id", a.equipID, "call_id", callID)
}

// handleAudioMessage processes one event arriving from the AudioActor:
// AUDIO_READY (reply with AUDIO_INIT) and AUDIO_RTP_OK (AwaitingAudio ->
// AwaitingCellular).
func (a *actor) handleAudioMessage(msg ctrlmsg.Message) {
	slot := a.slot
	if slot == nil {
		return
	}

	switch msg.Tag {
	case ctrlmsg.AudioEventReady:
		err := slot.audioEp.Send(ctrlmsg.Message{
			Tag: ctrlmsg.CmdAudioInit,
			Payload: ctrlmsg.AudioInitPayload{
				RemoteAddr: slot.conn.remoteAddr,
				RemotePort: slot.conn.remotePort,
				SerialPath: slot.conn.serialPath,
			},
		})
		if err != nil {
			slog.Error("sipactor: sending audio init", "equipment_id", a.equipID, "error", err)
			a.callEnd()
		}

	case ctrlmsg.AudioEventRTPOK:
		payload, ok := msg.Payload.(ctrlmsg.RTPOKPayload)
		if !ok {
			slog.Error("sipactor: malformed rtp-ok payload", "equipment_id", a.equipID)
			return
		}
		slot.localRTPPort = payload.LocalPort
		if err := slot.sm.Event(context.Background(), eventAudioReady); err != nil {
			slog.Error("sipactor: call fsm transition failed", "equipment_id", a.equipID, "error", err)
			return
		}

		number := normalizeNumber(slot.inviteReq.Recipient.User)
		if number == "" {
			// An empty normalized number is dropped silently rather than
			// tearing down the call.
			slog.Warn("sipactor: empty destination number after normalization, dropping", "equipment_id", a.equipID)
			return
		}
		slot.calledNumber = number

		err := a.mainEp.Send(ctrlmsg.Message{
			Tag:     ctrlmsg.SipEventIncomingCall,
			Payload: ctrlmsg.IncomingCallPayload{Number: number},
		})
		if err != nil {
			slog.Error("sipactor: sending incoming-call event", "equipment_id", a.equipID, "error", err)
			a.callEnd()
		}

	default:
		slog.Warn("sipactor: unexpected audio tag", "equipment_id", a.equipID, "tag", msg.Tag)
	}
}

// callInProgress is AwaitingCellular -> Ringing: Main has placed the
// cellular call; send 183 Session Progress carrying the SDP answer.
func (a *actor) callInProgress(callPath string) {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()

	slot := a.slot
	if slot == nil {
		slog.Warn("sipactor: call-in-progress with no active call", "equipment_id", a.equipID)
		return
	}

	slot.cellularPath = callPath
	if err := slot.sm.Event(context.Background(), eventCallInProgress); err != nil {
		slog.Error("sipactor: call fsm transition failed", "equipment_id", a.equipID, "error", err)
		return
	}

	body, err := sdpbuild.BuildAnswer(a.cfg.LocalIP, slot.localRTPPort)
	if err != nil {
		slog.Error("sipactor: building sdp answer", "equipment_id", a.equipID, "error", err)
		return
	}

	res := sip.NewResponseFromRequest(slot.inviteReq, sip.StatusCode(183), "Session Progress", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := slot.inviteTx.Respond(res); err != nil {
		slog.Error("sipactor: sending 183", "equipment_id", a.equipID, "error", err)
		return
	}

	slog.Info("sipactor: sent 183 session progress", "equipment_id", a.equipID, "call_path", callPath, "local_rtp_port", slot.localRTPPort)
}

// callEnd is "* -> Terminated": tears the current call down, returning the
// INVITE event to the stack and joining the AudioActor.
func (a *actor) callEnd() {
	slot := a.slot
	if slot == nil {
		return
	}
	a.slot = nil

	_ = slot.audioEp.Send(ctrlmsg.Message{Tag: ctrlmsg.CmdAudioExit})
	slot.audioEp.Close()
	slot.audioHandle.Wait() // joins the AudioActor goroutine itself
	for range slot.audioEvents {
		// drain until the forwarding goroutine observes peer-gone and closes
	}

	if slot.sm.Current() != StateTerminated {
		_ = slot.sm.Event(context.Background(), eventTerminate)
	}
	// slot.inviteTx completes on its own once sipgo observes the dialog's
	// final BYE/CANCEL response; ownership of the held INVITE event is
	// considered returned to the stack once the slot is cleared here.

	slog.Info("sipactor: call terminated", "equipment_id", a.equipID, "call_id", slot.callID)
}

// teardownCall cancels any in-flight call before the actor exits, on
// SIP_CMD_EXIT or any other terminal condition.
func (a *actor) teardownCall() {
	if a.slot != nil {
		a.callEnd()
	}
	if a.cancelListen != nil {
		a.cancelListen()
	}
}

// normalizeNumber strips the destination number down to 7-bit ASCII digits
// and common dialing punctuation before it is forwarded as a cellular
// destination.
func normalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r > 127 {
			continue
		}
		if (r >= '0' && r <= '9') || r == '+' || r == '*' || r == '#' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ModemEntity behavior: voice sub-interface start/stop, cellular-call
// tracking, and the SipActor <-> modem-manager event glue.
package maincontrol

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/sebas/airvoice/internal/ctrlmsg"
	"github.com/sebas/airvoice/internal/entity"
	"github.com/sebas/airvoice/internal/mmclient"
	"github.com/sebas/airvoice/internal/sipactor"
)

// sipHandle wraps a possibly-absent *sipactor.Handle so call sites don't
// each need a nil check; the zero value is "no SipActor running".
type sipHandle struct {
	h *sipactor.Handle
}

func (s sipHandle) valid() bool { return s.h != nil }

func (s sipHandle) requestExit() {
	if s.h == nil {
		return
	}
	if err := s.h.Endpoint().Send(ctrlmsg.Message{Tag: ctrlmsg.SipCmdExit}); err != nil {
		slog.Debug("maincontrol: sip actor already gone", "equipment_id", s.h.EquipmentID(), "error", err)
	}
}

func (s sipHandle) join() {
	if s.h == nil {
		return
	}
	s.h.Wait()
}

// close releases Main's half of the SipActor pipe. Only valid after join:
// each descriptor is closed exactly once, by its owner, after the peer is
// known gone.
func (s sipHandle) close() {
	if s.h == nil {
		return
	}
	s.h.Endpoint().Close()
}

// startVoice subscribes the voice sub-interface (call-added/call-deleted)
// and spawns the modem's SipActor. No-op if voice is already subscribed.
func (c *Controller) startVoice(path dbus.ObjectPath, tm *trackedModem) {
	if tm.modem.VoiceSubscribed() {
		return
	}

	voice := tm.proxy.Voice()
	voiceCtx, voiceCancel := context.WithCancel(context.Background())
	callCh, err := voice.WatchCalls(voiceCtx)
	if err != nil {
		slog.Error("maincontrol: subscribing to call events", "equipment_id", tm.modem.EquipmentID, "error", err)
		voiceCancel()
		return
	}

	handle, err := sipactor.Spawn(tm.modem.EquipmentID)
	if err != nil {
		slog.Error("maincontrol: spawning sip actor", "equipment_id", tm.modem.EquipmentID, "error", err)
		voiceCancel()
		return
	}

	tm.voiceCancel = voiceCancel
	tm.sipHandle = sipHandle{h: handle}
	tm.modem.SipHandle = handle
	tm.modem.SetVoiceSubscribed(true)

	go c.forwardCalls(path, callCh)
	go c.sipReader(path, handle)

	slog.Info("maincontrol: voice started", "equipment_id", tm.modem.EquipmentID)
}

// stopVoice tears the SipActor down (SIP_CMD_EXIT, joined) and unsubscribes
// the voice sub-interface and every per-call subscription. No-op if voice
// was not subscribed.
func (c *Controller) stopVoice(tm *trackedModem) {
	if !tm.modem.VoiceSubscribed() {
		return
	}

	for callPath, cancel := range tm.calls {
		cancel()
		delete(tm.calls, callPath)
	}

	if tm.voiceCancel != nil {
		tm.voiceCancel()
		tm.voiceCancel = nil
	}

	tm.sipHandle.requestExit()
	tm.sipHandle.join()
	tm.sipHandle.close()
	tm.sipHandle = sipHandle{}
	tm.modem.SipHandle = nil
	tm.modem.SetVoiceSubscribed(false)

	slog.Info("maincontrol: voice stopped", "equipment_id", tm.modem.EquipmentID)
}

func (c *Controller) forwardCalls(path dbus.ObjectPath, ch <-chan mmclient.CallEvent) {
	for ce := range ch {
		c.events <- event{kind: "call", modemPath: path, callPath: ce.Path, added: ce.Added}
	}
}

func (c *Controller) forwardCallState(path, callPath dbus.ObjectPath, ch <-chan int32) {
	for s := range ch {
		c.events <- event{kind: "call_state", modemPath: path, callPath: callPath, state: s}
	}
}

// onCallEvent handles CallAdded/CallDeleted. A call-added notification
// carries only a path, so the initial state is fetched with its own
// async read of the call's State property, gated by AsyncRefcount like
// every other fire-and-forget RPC.
func (c *Controller) onCallEvent(path, callPath dbus.ObjectPath, added bool) {
	tm, ok := c.modems[path]
	if !ok {
		return
	}

	if !added {
		if cancel, ok := tm.calls[callPath]; ok {
			cancel()
			delete(tm.calls, callPath)
		}
		tm.modem.UpdateCallState(string(callPath), entity.CallTerminated)
		return
	}

	if _, already := tm.calls[callPath]; already {
		return
	}

	call := tm.proxy.Call(callPath)
	callCtx, callCancel := context.WithCancel(context.Background())
	tm.calls[callPath] = callCancel

	stateCh, err := call.WatchStateChanged(callCtx)
	if err != nil {
		slog.Error("maincontrol: subscribing to call state-changed", "call_path", string(callPath), "error", err)
	} else {
		go c.forwardCallState(path, callPath, stateCh)
	}

	c.refcount.Acquire()
	go func() {
		defer c.refcount.Release()
		raw, err := call.State()
		if err != nil {
			slog.Warn("maincontrol: reading initial call state", "call_path", string(callPath), "error", err)
			return
		}
		c.events <- event{kind: "call_state", modemPath: path, callPath: callPath, state: raw}
	}()
}

// onCallState applies a call state observation: the active-calls counter
// increments on first non-terminated observation and decrements (dropping
// the call) on Terminated.
func (c *Controller) onCallState(path, callPath dbus.ObjectPath, raw int32) {
	tm, ok := c.modems[path]
	if !ok {
		return
	}

	state := entity.FromMMCallState(raw)
	if _, tracked := tm.modem.Calls[string(callPath)]; tracked {
		tm.modem.UpdateCallState(string(callPath), state)
	} else {
		tm.modem.AddCall(string(callPath), state)
	}

	if state == entity.CallTerminated {
		if cancel, ok := tm.calls[callPath]; ok {
			cancel()
			delete(tm.calls, callPath)
		}
	}
}

func (c *Controller) sipReader(path dbus.ObjectPath, handle *sipactor.Handle) {
	ep := handle.Endpoint()
	for {
		msg, err := ep.Recv()
		if err != nil {
			c.events <- event{kind: "sip_gone", modemPath: path}
			return
		}
		c.events <- event{kind: "sip", modemPath: path, sipMsg: msg}
	}
}

func (c *Controller) onSipGone(path dbus.ObjectPath) {
	tm, ok := c.modems[path]
	if !ok {
		return
	}
	slog.Warn("maincontrol: sip actor pipe closed unexpectedly", "equipment_id", tm.modem.EquipmentID)
	tm.sipHandle.join()
	tm.sipHandle.close()
	tm.sipHandle = sipHandle{}
	tm.modem.SipHandle = nil
	tm.modem.SetVoiceSubscribed(false)
	if tm.voiceCancel != nil {
		tm.voiceCancel()
		tm.voiceCancel = nil
	}
}

// onSipMessage is ModemEntity's SIP-event handler switch.
func (c *Controller) onSipMessage(path dbus.ObjectPath, raw interface{}) {
	tm, ok := c.modems[path]
	if !ok {
		return
	}
	msg, ok := raw.(ctrlmsg.Message)
	if !ok {
		slog.Error("maincontrol: malformed sip message event")
		return
	}

	switch msg.Tag {
	case ctrlmsg.SipEventReady:
		c.onSipReady(tm)

	case ctrlmsg.SipEventIncomingCall:
		payload, ok := msg.Payload.(ctrlmsg.IncomingCallPayload)
		if !ok {
			slog.Error("maincontrol: malformed incoming-call payload", "equipment_id", tm.modem.EquipmentID)
			return
		}
		c.placeCellularCall(path, tm, payload.Number)

	default:
		slog.Warn("maincontrol: unexpected sip tag", "equipment_id", tm.modem.EquipmentID, "tag", msg.Tag)
	}
}

func (c *Controller) onSipReady(tm *trackedModem) {
	cfg, ok := c.configs[tm.modem.EquipmentID]
	if !ok {
		slog.Warn("maincontrol: no configuration for modem, refusing registration", "equipment_id", tm.modem.EquipmentID)
		return
	}
	tm.modem.Config = cfg

	if !tm.sipHandle.valid() {
		return
	}
	err := tm.sipHandle.h.Endpoint().Send(ctrlmsg.Message{
		Tag: ctrlmsg.SipCmdRegister,
		Payload: ctrlmsg.RegisterPayload{
			Username:  cfg.Username,
			Password:  cfg.Password,
			SipHost:   cfg.SipHost,
			SipID:     cfg.SipID,
			AudioPort: cfg.AudioPort,
			LocalIP:   cfg.LocalIP,
		},
	})
	if err != nil {
		slog.Error("maincontrol: sending register command", "equipment_id", tm.modem.EquipmentID, "error", err)
	}
}

// placeCellularCall is the "place a cellular call" async chain: create_call,
// then call.Start on completion, then SIP_CMD_CALL_IN_PROGRESS to the
// SipActor on that completion. Each leg is its own goroutine reporting back
// onto the reactor's event channel rather than touching the entity table
// directly, so every mutation still happens on the single Run goroutine;
// keeping the modem alive across the suspension is simply the Go closure
// capturing tm/path, rather than a manual strong-reference scheme.
func (c *Controller) placeCellularCall(path dbus.ObjectPath, tm *trackedModem, number string) {
	voice := tm.proxy.Voice()

	c.refcount.Acquire()
	go func() {
		defer c.refcount.Release()
		callPath, err := voice.CreateCall(number)
		if err != nil {
			slog.Error("maincontrol: create_call failed", "equipment_id", tm.modem.EquipmentID, "number", number, "error", err)
			return
		}
		c.events <- event{kind: "call_create_done", modemPath: path, callPath: callPath}
	}()
}

func (c *Controller) onCallCreateDone(path, callPath dbus.ObjectPath) {
	tm, ok := c.modems[path]
	if !ok {
		return
	}
	call := tm.proxy.Call(callPath)

	c.refcount.Acquire()
	go func() {
		defer c.refcount.Release()
		if err := call.Start(); err != nil {
			slog.Error("maincontrol: call.Start failed", "call_path", string(callPath), "error", err)
			return
		}
		c.events <- event{kind: "call_start_done", modemPath: path, callPath: callPath}
	}()
}

func (c *Controller) onCallStartDone(path, callPath dbus.ObjectPath) {
	tm, ok := c.modems[path]
	if !ok || !tm.sipHandle.valid() {
		return
	}
	err := tm.sipHandle.h.Endpoint().Send(ctrlmsg.Message{
		Tag:     ctrlmsg.SipCmdCallInProgress,
		Payload: ctrlmsg.CallInProgressPayload{CallPath: string(callPath)},
	})
	if err != nil {
		slog.Error("maincontrol: sending call-in-progress", "call_path", string(callPath), "error", err)
	}
}

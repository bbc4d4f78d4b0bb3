// Package entity holds the Modem and ActiveCall data model: one Modem per
// physical modem, living on the Main thread, and the cellular calls it is
// currently tracking.
package entity

import (
	"fmt"

	"github.com/sebas/airvoice/internal/config"
)

// State is the modem's coarse state. Ordering matters: only >= Registered
// enables voice, mirroring ModemManager's MMModemState magnitude semantics
// rather than a closed transition graph.
type State int

const (
	StateUnknown State = iota
	StateFailed
	StateInitializing
	StateLocked
	StateDisabled
	StateDisabling
	StateEnabling
	StateEnabled
	StateSearching
	StateRegistered
	StateDisconnecting
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateFailed:
		return "Failed"
	case StateInitializing:
		return "Initializing"
	case StateLocked:
		return "Locked"
	case StateDisabled:
		return "Disabled"
	case StateDisabling:
		return "Disabling"
	case StateEnabling:
		return "Enabling"
	case StateEnabled:
		return "Enabled"
	case StateSearching:
		return "Searching"
	case StateRegistered:
		return "Registered"
	case StateDisconnecting:
		return "Disconnecting"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// VoiceEnabled reports whether this state allows placing/receiving calls.
func (s State) VoiceEnabled() bool { return s >= StateRegistered }

// FromMMState maps a raw MMModemState integer, as returned by
// org.freedesktop.ModemManager1.Modem's State property, onto our own
// ordered State enum. ModemManager's raw encoding uses -1 for Failed and
// 0..11 for Unknown..Connected; everything else is preserved by name, not
// renumbered, since the two enums are deliberately decoupled.
func FromMMState(raw int32) State {
	switch raw {
	case -1:
		return StateFailed
	case 0:
		return StateUnknown
	case 1:
		return StateInitializing
	case 2:
		return StateLocked
	case 3:
		return StateDisabled
	case 4:
		return StateDisabling
	case 5:
		return StateEnabling
	case 6:
		return StateEnabled
	case 7:
		return StateSearching
	case 8:
		return StateRegistered
	case 9:
		return StateDisconnecting
	case 10:
		return StateConnecting
	case 11:
		return StateConnected
	default:
		return StateUnknown
	}
}

// CallState is an ActiveCall's coarse lifecycle state.
type CallState int

const (
	CallUnknown CallState = iota
	CallRingingIn
	CallRingingOut
	CallWaiting
	CallActive
	CallHeld
	CallTerminated
)

// FromMMCallState maps a raw MMCallState integer, as returned by
// org.freedesktop.ModemManager1.Call's State property, onto our CallState.
func FromMMCallState(raw int32) CallState {
	switch raw {
	case 1:
		return CallRingingOut // dialing
	case 2:
		return CallRingingOut
	case 3:
		return CallRingingIn
	case 4:
		return CallActive
	case 5:
		return CallHeld
	case 6:
		return CallWaiting
	case 7:
		return CallTerminated
	default:
		return CallUnknown
	}
}

func (c CallState) String() string {
	switch c {
	case CallRingingIn:
		return "RingingIn"
	case CallRingingOut:
		return "RingingOut"
	case CallWaiting:
		return "Waiting"
	case CallActive:
		return "Active"
	case CallHeld:
		return "Held"
	case CallTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ActiveCall is a tracked cellular call, identified by its bus object path.
type ActiveCall struct {
	Path  string
	Modem *Modem
	State CallState
}

// Modem is one physical modem, identified by its persistent equipment id.
// Ownership: MainController exclusively owns the Modem table; a Modem
// exclusively owns its SipActor handle.
type Modem struct {
	EquipmentID string
	ObjectPath  string
	State       State
	Config      config.ModemConfig

	// Calls tracks in-flight cellular calls keyed by bus path. A call
	// leaves this table exactly when it is observed Terminated.
	Calls map[string]*ActiveCall

	// ActiveCalls is the count of non-terminated calls observed.
	ActiveCalls int

	// SipHandle is an opaque reference to the running SipActor, set by
	// MainController/ModemEntity and cleared on voice stop. Typed as any
	// here to avoid an import cycle with package sipactor; callers type-
	// assert to *sipactor.Handle.
	SipHandle any

	// voiceSubscribed is true iff the voice sub-interface notification
	// subscription is active; invariant: never true while SipHandle is nil
	// and never false while SipHandle is non-nil.
	voiceSubscribed bool
}

// NewModem creates a Modem in StateUnknown with an empty call table.
func NewModem(equipmentID, objectPath string) *Modem {
	return &Modem{
		EquipmentID: equipmentID,
		ObjectPath:  objectPath,
		State:       StateUnknown,
		Calls:       make(map[string]*ActiveCall),
	}
}

// VoiceSubscribed reports whether the voice sub-interface is subscribed.
func (m *Modem) VoiceSubscribed() bool { return m.voiceSubscribed }

// SetVoiceSubscribed updates the subscription flag. Callers must maintain
// the invariant that it is true iff SipHandle is non-nil.
func (m *Modem) SetVoiceSubscribed(v bool) { m.voiceSubscribed = v }

// AddCall records a newly observed cellular call. A call first observed
// already Terminated is returned but not entered into the table.
func (m *Modem) AddCall(path string, state CallState) *ActiveCall {
	call := &ActiveCall{Path: path, Modem: m, State: state}
	if state == CallTerminated {
		return call
	}
	m.Calls[path] = call
	m.ActiveCalls++
	return call
}

// UpdateCallState transitions a tracked call's state, adjusting
// ActiveCalls and dropping the call from the table on Terminated.
func (m *Modem) UpdateCallState(path string, state CallState) {
	call, ok := m.Calls[path]
	if !ok {
		return
	}
	wasTerminated := call.State == CallTerminated
	call.State = state
	if state == CallTerminated && !wasTerminated {
		m.ActiveCalls--
		delete(m.Calls, path)
	}
}

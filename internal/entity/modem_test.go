package entity

import "testing"

func TestFromMMState(t *testing.T) {
	tests := []struct {
		raw  int32
		want State
	}{
		{-1, StateFailed},
		{0, StateUnknown},
		{8, StateRegistered},
		{11, StateConnected},
		{99, StateUnknown},
	}
	for _, tt := range tests {
		if got := FromMMState(tt.raw); got != tt.want {
			t.Errorf("FromMMState(%d) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestVoiceEnabledBoundary(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateSearching, false},
		{StateRegistered, true},
		{StateConnected, true},
		{StateDisabled, false},
	}
	for _, tt := range tests {
		if got := tt.state.VoiceEnabled(); got != tt.want {
			t.Errorf("%v.VoiceEnabled() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestFromMMCallState(t *testing.T) {
	tests := []struct {
		raw  int32
		want CallState
	}{
		{3, CallRingingIn},
		{2, CallRingingOut},
		{4, CallActive},
		{7, CallTerminated},
		{42, CallUnknown},
	}
	for _, tt := range tests {
		if got := FromMMCallState(tt.raw); got != tt.want {
			t.Errorf("FromMMCallState(%d) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

// TestCallTableBijection checks the invariant that a Modem's Calls table
// corresponds bijectively with the bus paths observed added and not yet
// observed Terminated.
func TestCallTableBijection(t *testing.T) {
	m := NewModem("IMEI123", "/org/freedesktop/ModemManager1/Modem/0")

	m.AddCall("/Call/1", CallRingingIn)
	m.AddCall("/Call/2", CallRingingOut)
	if len(m.Calls) != 2 {
		t.Fatalf("len(Calls) = %d, want 2", len(m.Calls))
	}
	if m.ActiveCalls != 2 {
		t.Errorf("ActiveCalls = %d, want 2", m.ActiveCalls)
	}

	m.UpdateCallState("/Call/1", CallActive)
	if _, ok := m.Calls["/Call/1"]; !ok {
		t.Error("call 1 missing from table after non-terminal update")
	}
	if m.ActiveCalls != 2 {
		t.Errorf("ActiveCalls = %d after non-terminal update, want 2", m.ActiveCalls)
	}

	m.UpdateCallState("/Call/1", CallTerminated)
	if _, ok := m.Calls["/Call/1"]; ok {
		t.Error("call 1 still present after Terminated, want removed")
	}
	if m.ActiveCalls != 1 {
		t.Errorf("ActiveCalls = %d after one call terminated, want 1", m.ActiveCalls)
	}

	m.UpdateCallState("/Call/1", CallTerminated)
	if m.ActiveCalls != 1 {
		t.Errorf("ActiveCalls = %d after redundant Terminated update, want 1 (no double-decrement)", m.ActiveCalls)
	}
}

func TestUpdateCallStateUnknownPathIsNoop(t *testing.T) {
	m := NewModem("IMEI123", "/Modem/0")
	m.UpdateCallState("/Call/missing", CallActive)
	if len(m.Calls) != 0 {
		t.Errorf("len(Calls) = %d, want 0 after updating an untracked path", len(m.Calls))
	}
}

func TestVoiceSubscribedInvariant(t *testing.T) {
	m := NewModem("IMEI123", "/Modem/0")
	if m.VoiceSubscribed() {
		t.Error("VoiceSubscribed() = true on new Modem, want false")
	}
	m.SetVoiceSubscribed(true)
	if !m.VoiceSubscribed() {
		t.Error("VoiceSubscribed() = false after SetVoiceSubscribed(true)")
	}
}

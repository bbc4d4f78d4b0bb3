package sipactor

import (
	"context"
	"testing"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"15550123", "15550123"},
		{"+15550123", "+15550123"},
		{"155-50123", "15550123"},
		{"155 50123", "15550123"},
		{"١٥٥٥٠١٢٣", ""}, // non-ASCII digits dropped entirely
		{"", ""},
		{"#123*", "#123*"},
	}
	for _, tt := range tests {
		if got := normalizeNumber(tt.raw); got != tt.want {
			t.Errorf("normalizeNumber(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	full := Config{
		Username:  "1000",
		Password:  "secret",
		SipHost:   "pbx.example.com",
		SipID:     "1000",
		AudioPort: "/dev/ttyUSB0",
		LocalIP:   "192.0.2.9",
	}
	if err := full.validate(); err != nil {
		t.Errorf("validate() error = %v, want nil for a fully populated config", err)
	}

	missing := full
	missing.Password = ""
	if err := missing.validate(); err == nil {
		t.Error("validate() error = nil, want error when password is empty")
	}
}

func TestCallFSMHappyPath(t *testing.T) {
	sm := newCallFSM()
	if sm.Current() != StateIdle {
		t.Fatalf("initial state = %v, want idle", sm.Current())
	}

	steps := []struct {
		event string
		want  string
	}{
		{eventInvite, StateAwaitingAudio},
		{eventAudioReady, StateAwaitingCellular},
		{eventCallInProgress, StateRinging},
		{eventTerminate, StateTerminated},
	}
	for _, step := range steps {
		if err := sm.Event(context.Background(), step.event); err != nil {
			t.Fatalf("Event(%q) error = %v", step.event, err)
		}
		if sm.Current() != step.want {
			t.Errorf("after Event(%q): state = %v, want %v", step.event, sm.Current(), step.want)
		}
	}
}

func TestCallFSMRejectsOutOfOrderTransition(t *testing.T) {
	sm := newCallFSM()
	// Ringing can't be reached from Idle: call_in_progress is only valid
	// from AwaitingCellular.
	if err := sm.Event(context.Background(), eventCallInProgress); err == nil {
		t.Error("Event(call_in_progress) from idle: error = nil, want error")
	}
}

func TestCallFSMTerminateFromAnyInFlightState(t *testing.T) {
	setup := map[string][]string{
		StateAwaitingAudio:    {eventInvite},
		StateAwaitingCellular: {eventInvite, eventAudioReady},
		StateRinging:          {eventInvite, eventAudioReady, eventCallInProgress},
	}
	for start, events := range setup {
		sm := newCallFSM()
		for _, ev := range events {
			if err := sm.Event(context.Background(), ev); err != nil {
				t.Fatalf("setting up %v: Event(%q) error = %v", start, ev, err)
			}
		}
		if err := sm.Event(context.Background(), eventTerminate); err != nil {
			t.Errorf("from %v: Event(terminate) error = %v", start, err)
		}
		if sm.Current() != StateTerminated {
			t.Errorf("from %v: final state = %v, want terminated", start, sm.Current())
		}
	}
}

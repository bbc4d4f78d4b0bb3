package sipactor

import "github.com/looplab/fsm"

// Call-setup states for the inbound invite-to-ringing lifecycle.
const (
	StateIdle             = "idle"
	StateAwaitingAudio    = "awaiting_audio"
	StateAwaitingCellular = "awaiting_cellular"
	StateRinging          = "ringing"
	StateTerminated       = "terminated"
)

const (
	eventInvite         = "invite"
	eventAudioReady     = "audio_ready"
	eventCallInProgress = "call_in_progress"
	eventTerminate      = "terminate"
	eventReset          = "reset"
)

// newCallFSM builds the inbound call-setup state machine: Idle ->
// AwaitingAudio -> AwaitingCellular -> Ringing -> Terminated, using
// looplab/fsm (one event per transition, rather than inlined if/else state
// checks).
func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventInvite, Src: []string{StateIdle}, Dst: StateAwaitingAudio},
			{Name: eventAudioReady, Src: []string{StateAwaitingAudio}, Dst: StateAwaitingCellular},
			{Name: eventCallInProgress, Src: []string{StateAwaitingCellular}, Dst: StateRinging},
			{Name: eventTerminate, Src: []string{StateAwaitingAudio, StateAwaitingCellular, StateRinging}, Dst: StateTerminated},
			{Name: eventReset, Src: []string{StateTerminated, StateIdle}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

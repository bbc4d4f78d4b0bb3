package audioactor

import (
	"testing"
	"time"

	"github.com/sebas/airvoice/internal/ctrlmsg"
	"github.com/sebas/airvoice/internal/pipe"
)

// TestRunExitsCleanlyBeforeInit exercises the pre-init half of AudioActor's
// lifecycle: AUDIO_READY announced, then CMD_AUDIO_EXIT before any
// AUDIO_INIT closes the actor down cleanly without ever touching the
// RTP/serial path, which would require real hardware this suite doesn't
// have.
func TestRunExitsCleanlyBeforeInit(t *testing.T) {
	mainSide, audioSide, err := pipe.New()
	if err != nil {
		t.Fatalf("pipe.New() error = %v", err)
	}
	defer mainSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(audioSide, 1)
	}()

	msg, err := mainSide.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if msg.Tag != ctrlmsg.AudioEventReady {
		t.Fatalf("first message tag = %v, want AudioEventReady", msg.Tag)
	}

	if err := mainSide.Send(ctrlmsg.Message{Tag: ctrlmsg.CmdAudioExit}); err != nil {
		t.Fatalf("Send(CmdAudioExit) error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after CmdAudioExit before init")
	}
}

// TestRunRejectsUnexpectedTagBeforeInit exercises the default branch of the
// pre-init switch: anything other than CmdAudioInit/CmdAudioExit is a
// protocol violation and the actor exits rather than hanging.
func TestRunRejectsUnexpectedTagBeforeInit(t *testing.T) {
	mainSide, audioSide, err := pipe.New()
	if err != nil {
		t.Fatalf("pipe.New() error = %v", err)
	}
	defer mainSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(audioSide, 1)
	}()

	if _, err := mainSide.Recv(); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}

	if err := mainSide.Send(ctrlmsg.Message{Tag: ctrlmsg.Tag(42)}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after an unexpected pre-init tag")
	}
}

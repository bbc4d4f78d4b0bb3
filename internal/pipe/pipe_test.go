package pipe

import (
	"testing"
	"time"

	"github.com/sebas/airvoice/internal/ctrlmsg"
)

func TestRoundTripNoPayload(t *testing.T) {
	one, zero, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer one.Close()
	defer zero.Close()

	want := ctrlmsg.Message{Tag: ctrlmsg.SipCmdExit}
	if err := one.Send(want); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := zero.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if got.Tag != want.Tag {
		t.Errorf("Tag = %v, want %v", got.Tag, want.Tag)
	}
	if got.Payload != nil {
		t.Errorf("Payload = %v, want nil", got.Payload)
	}
}

func TestRoundTripWithPayload(t *testing.T) {
	one, zero, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer one.Close()
	defer zero.Close()

	want := ctrlmsg.Message{
		Tag: ctrlmsg.SipCmdRegister,
		Payload: ctrlmsg.RegisterPayload{
			Username: "1234",
			SipHost:  "pbx.example.com",
			LocalIP:  "192.0.2.9",
		},
	}
	if err := one.Send(want); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := zero.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	payload, ok := got.Payload.(ctrlmsg.RegisterPayload)
	if !ok {
		t.Fatalf("Payload type = %T, want ctrlmsg.RegisterPayload", got.Payload)
	}
	if payload != want.Payload.(ctrlmsg.RegisterPayload) {
		t.Errorf("Payload = %+v, want %+v", payload, want.Payload)
	}
}

func TestRoundTripBothDirections(t *testing.T) {
	one, zero, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer one.Close()
	defer zero.Close()

	if err := zero.Send(ctrlmsg.Message{Tag: ctrlmsg.AudioEventReady}); err != nil {
		t.Fatalf("zero.Send() error = %v", err)
	}
	got, err := one.Recv()
	if err != nil {
		t.Fatalf("one.Recv() error = %v", err)
	}
	if got.Tag != ctrlmsg.AudioEventReady {
		t.Errorf("Tag = %v, want AudioEventReady", got.Tag)
	}
}

func TestRecvErrorsWhenPeerClosed(t *testing.T) {
	one, zero, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer zero.Close()

	one.Close()

	// Give the kernel a moment to deliver EOF/ECONNRESET on the other half.
	done := make(chan error, 1)
	go func() {
		_, err := zero.Recv()
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Recv() error = nil, want non-nil after peer closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer-gone signal")
	}
}

func TestSequentialMessagesPreserveOrder(t *testing.T) {
	one, zero, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer one.Close()
	defer zero.Close()

	tags := []ctrlmsg.Tag{ctrlmsg.SipEventReady, ctrlmsg.SipEventIncomingCall, ctrlmsg.SipCmdExit}
	for _, tag := range tags {
		if err := one.Send(ctrlmsg.Message{Tag: tag}); err != nil {
			t.Fatalf("Send(%v) error = %v", tag, err)
		}
	}
	for _, want := range tags {
		got, err := zero.Recv()
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if got.Tag != want {
			t.Errorf("Tag = %v, want %v", got.Tag, want)
		}
	}
}

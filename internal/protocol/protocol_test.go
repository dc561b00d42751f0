package protocol

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Verb: VerbStatus},
		{Verb: VerbShutdown},
		{Verb: VerbKill, Targets: []string{"sleeper"}},
		{Verb: VerbKill, Targets: []string{"a", "b"}},
		{Unknown: "bogus"},
	}
	for _, want := range cases {
		line := want.Encode()
		got, err := ParseRequest(line)
		if err != nil {
			t.Fatalf("ParseRequest(%q): %v", line, err)
		}
		if got.Verb != want.Verb || got.Unknown != want.Unknown || len(got.Targets) != len(want.Targets) {
			t.Errorf("round-trip mismatch: %+v != %+v (line %q)", got, want, line)
		}
	}
}

func TestParseRequestRejectsUnknownArgKind(t *testing.T) {
	if _, err := ParseRequest("[status]wat=1"); err == nil {
		t.Fatal("expected error for unknown argument kind")
	}
}

func TestParseRequestRejectsMissingBrackets(t *testing.T) {
	if _, err := ParseRequest("status"); err == nil {
		t.Fatal("expected error for missing '['")
	}
}

func TestSendRecvFrameAcks(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		payload, err := RecvFrame(b)
		if err != nil {
			done <- err
			return
		}
		if !bytes.Equal(payload, []byte("hello")) {
			done <- io.ErrUnexpectedEOF
			return
		}
		done <- nil
	}()

	if err := SendFrame(a, []byte("hello")); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RecvFrame: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receiver")
	}
}

package rpc

import (
	"testing"

	"github.com/roborock-go/rrcore/internal/wire"
)

func TestRegistry_DispatchExactlyOnce(t *testing.T) {
	r := NewRegistry()
	seq := r.NextSequence()
	p := r.register(seq, wire.ProtocolGeneralResponse)

	ok := r.Dispatch(wire.Frame{Protocol: wire.ProtocolGeneralResponse, Sequence: seq})
	if !ok {
		t.Fatal("expected first dispatch to match")
	}
	// A duplicate arrival for the same sequence (e.g. delivered on both legs
	// of a composite channel) must not re-queue a second result.
	ok = r.Dispatch(wire.Frame{Protocol: wire.ProtocolGeneralResponse, Sequence: seq})
	if ok {
		t.Fatal("dispatch should report false once the pending entry already completed or was removed")
	}

	select {
	case res := <-p.ch:
		if res.frame.Sequence != seq {
			t.Fatalf("unexpected result sequence: %d", res.frame.Sequence)
		}
	default:
		t.Fatal("expected a buffered result")
	}
}

func TestRegistry_DispatchIgnoresUnknownSequence(t *testing.T) {
	r := NewRegistry()
	if r.Dispatch(wire.Frame{Protocol: wire.ProtocolGeneralResponse, Sequence: 999}) {
		t.Fatal("expected no match for unregistered sequence")
	}
}

func TestRegistry_FailAllCompletesWaiters(t *testing.T) {
	r := NewRegistry()
	p := r.register(1, wire.ProtocolGeneralResponse)
	r.FailAll(errTest)

	res := <-p.ch
	if res.err != errTest {
		t.Fatalf("expected errTest, got %v", res.err)
	}
}

var errTest = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

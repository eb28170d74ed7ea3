package router

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/roborock-go/rrcore/internal/wire"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestB01Router_FlattensNestedEnvelopeNestedWins(t *testing.T) {
	r := New(nil, zerolog.Nop())
	defer r.Close()

	var got PropUpdate
	r.AddPropUpdateCallback(func(dps PropUpdate) { got = dps })

	// DP 6 appears both directly and inside the 101 envelope with a
	// different value; nested must win regardless of field order.
	payload := []byte(`{"dps":{"6":1,"101":{"6":99,"25":1},"122":88}}`)
	r.Feed(wire.Frame{Protocol: wire.ProtocolGeneralResponse, Payload: payload})

	waitFor(t, time.Second, func() bool { return got != nil })

	if got[6] != float64(99) {
		t.Fatalf("expected nested dp 6 to win with value 99, got %v", got[6])
	}
	if got[25] != float64(1) || got[122] != float64(88) {
		t.Fatalf("unexpected flattened result: %+v", got)
	}
	if _, ok := got[101]; ok {
		t.Fatalf("the 101 envelope key itself must not survive flattening: %+v", got)
	}
}

func TestB01Router_UnsubscribeStopsDelivery(t *testing.T) {
	r := New(nil, zerolog.Nop())
	defer r.Close()

	count := 0
	remove := r.AddPropUpdateCallback(func(dps PropUpdate) { count++ })
	remove()
	remove() // idempotent

	r.Feed(wire.Frame{Protocol: wire.ProtocolGeneralResponse, Payload: []byte(`{"dps":{"1":2}}`)})
	time.Sleep(50 * time.Millisecond)
	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestB01Router_MapResponseAndUnknownAreIgnoredNotPanicked(t *testing.T) {
	r := New(nil, zerolog.Nop())
	defer r.Close()

	called := false
	r.AddPropUpdateCallback(func(dps PropUpdate) { called = true })

	r.Feed(wire.Frame{Protocol: wire.ProtocolMapResponse, Payload: []byte(`{}`)})
	r.Feed(wire.Frame{Protocol: 9999, Payload: []byte(`{}`)})
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("map/unknown protocol frames must not trigger prop update callbacks")
	}
}

type fakePublisher struct {
	published []wire.Frame
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, fr wire.Frame) error {
	f.published = append(f.published, fr)
	return f.err
}

func TestB01Router_SendDPIsFireAndForget(t *testing.T) {
	r := New(nil, zerolog.Nop())
	defer r.Close()

	pub := &fakePublisher{}
	r.SendDP(context.Background(), pub, map[int]any{25: 1, 26: 2})
	if len(pub.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.published))
	}
}

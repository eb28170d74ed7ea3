package device

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/roborock-go/rrcore/internal/errs"
	"github.com/roborock-go/rrcore/internal/transport"
	"github.com/roborock-go/rrcore/internal/wire"
)

type noopSub struct{}

func (noopSub) Unsubscribe() {}

type fakeChannel struct {
	mu          sync.Mutex
	connected   bool
	subCb       func(wire.Frame)
	subscribeErr error
	closed      bool

	lastMethod string
	lastParams any
	sendResult json.RawMessage
	sendErr    error
}

func (f *fakeChannel) SendCommand(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMethod = method
	f.lastParams = params
	return f.sendResult, f.sendErr
}

func (f *fakeChannel) Subscribe(cb func(wire.Frame)) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subCb = cb
	return noopSub{}, nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) feed(fr wire.Frame) {
	f.mu.Lock()
	cb := f.subCb
	f.mu.Unlock()
	if cb != nil {
		cb(fr)
	}
}

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

func TestDevice_ConnectFiresReadyCallbacksOnceInOrder(t *testing.T) {
	ch := &fakeChannel{connected: true}
	d := New("duid1", ch, nil, zerolog.Nop())

	var order []int
	var mu sync.Mutex
	d.AddReadyCallback(func() { mu.Lock(); order = append(order, 1); mu.Unlock() })
	d.AddReadyCallback(func() { mu.Lock(); order = append(order, 2); mu.Unlock() })

	d.Connect(context.Background())
	defer d.Close()

	waitFor(t, time.Second, func() bool { return d.IsReady() })

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected callbacks to fire once in order, got %v", order)
	}
}

func TestDevice_AddReadyCallbackFiresImmediatelyWhenAlreadyReady(t *testing.T) {
	ch := &fakeChannel{connected: true}
	d := New("duid1", ch, nil, zerolog.Nop())
	d.Connect(context.Background())
	defer d.Close()

	waitFor(t, time.Second, func() bool { return d.IsReady() })

	called := make(chan struct{}, 1)
	d.AddReadyCallback(func() { called <- struct{}{} })

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected callback to fire immediately for an already-ready device")
	}
}

func TestDevice_ReconnectLoopTerminatesOnNonTransientError(t *testing.T) {
	ch := &fakeChannel{connected: true, subscribeErr: errs.New(errs.KindFatal, "boom")}
	d := New("duid1", ch, nil, zerolog.Nop())
	d.Connect(context.Background())
	defer d.Close()

	waitFor(t, time.Second, func() bool {
		d.wg.Wait()
		return true
	})
	if d.IsReady() {
		t.Fatal("device should never become ready when Subscribe fails fatally")
	}
}

func TestDevice_CloseIsIdempotentAndUnsubscribes(t *testing.T) {
	ch := &fakeChannel{connected: true}
	d := New("duid1", ch, nil, zerolog.Nop())
	d.Connect(context.Background())

	waitFor(t, time.Second, func() bool { return d.IsReady() })

	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
	if d.IsReady() {
		t.Fatal("device should not be ready after close")
	}
}

func TestDevice_DispatchRoutesDpsEntriesToTranslator(t *testing.T) {
	ch := &fakeChannel{connected: true}
	got := make(map[int]any)
	var mu sync.Mutex
	d := New("duid1", ch, func(dp int, value any) {
		mu.Lock()
		got[dp] = value
		mu.Unlock()
	}, zerolog.Nop())

	d.Connect(context.Background())
	defer d.Close()
	waitFor(t, time.Second, func() bool { return d.IsReady() })

	ch.feed(wire.Frame{
		Protocol: wire.ProtocolRPCResponse,
		Payload:  []byte(`{"dps":{"101":"2","123":5}}`),
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := got[123]
		return ok
	})

	mu.Lock()
	defer mu.Unlock()
	if got[123] != float64(5) {
		t.Fatalf("expected dp 123 to be routed with value 5, got %v", got[123])
	}
}

func TestDevice_SendCommandDelegatesToChannel(t *testing.T) {
	ch := &fakeChannel{connected: true, sendResult: json.RawMessage(`{"state":5}`)}
	d := New("duid1", ch, nil, zerolog.Nop())

	result, err := d.SendCommand(context.Background(), "get_status", []any{})
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if string(result) != `{"state":5}` {
		t.Fatalf("expected channel's result to pass through, got %s", result)
	}
	if ch.lastMethod != "get_status" {
		t.Fatalf("expected method to reach the channel, got %q", ch.lastMethod)
	}
}

func TestDevice_DispatchIgnoresNonDpsFrames(t *testing.T) {
	ch := &fakeChannel{connected: true}
	called := false
	d := New("duid1", ch, func(dp int, value any) { called = true }, zerolog.Nop())

	d.Connect(context.Background())
	defer d.Close()
	waitFor(t, time.Second, func() bool { return d.IsReady() })

	ch.feed(wire.Frame{Protocol: wire.ProtocolMapResponse, Payload: []byte(`{"some":"thing"}`)})
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("non rpc/general response frames must not reach the translator")
	}
}

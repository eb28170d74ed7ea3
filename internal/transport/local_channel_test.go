package transport

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/roborock-go/rrcore/internal/wire"
)

// fakeDevice accepts one connection and answers a HELLO carrying the given
// version with a HELLO response at that version. HELLOs at any other version
// and all other frames get no reply.
func fakeDevice(t *testing.T, ln net.Listener, localKey []byte, answerVersion string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var keys wire.KeySet
		keys.LocalKey = localKey
		dec := wire.NewDecoder(keys)
		buf := make([]byte, 4096)

		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			frames, _ := dec.Feed(buf[:n])
			for _, f := range frames {
				if f.Protocol == wire.ProtocolHelloRequest {
					if f.Version != answerVersion {
						continue // simulate a rejected version: device stays silent
					}
					ackNonce := uint32(999)
					keys.ConnectNonce = f.Random
					keys.AckNonce = ackNonce
					dec.UpdateKeys(keys)
					enc := wire.NewEncoder(keys)
					resp := wire.Frame{Protocol: wire.ProtocolHelloResponse, Version: answerVersion, Random: ackNonce}
					raw, _ := enc.Encode(resp)
					conn.Write(raw)
				}
			}
		}
	}()
}

func listenerHostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	addr := ln.Addr().String()
	idx := strings.LastIndex(addr, ":")
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return "127.0.0.1", port
}

func TestLocalChannel_HelloNegotiatesV1(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	key := []byte("0123456789abcdef")
	fakeDevice(t, ln, key, wire.VersionV1)

	host, port := listenerHostPort(t, ln)
	ch := NewLocalChannel(LocalChannelConfig{
		Host:             host,
		Port:             port,
		LocalKey:         key,
		HandshakeTimeout: 2 * time.Second,
		ConnectTimeout:   2 * time.Second,
	}, nil, zerolog.Nop())

	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if ch.negotiated != wire.VersionV1 {
		t.Fatalf("expected negotiated v1, got %q", ch.negotiated)
	}
	if !ch.IsConnected() {
		t.Fatal("expected connected")
	}
}

func TestLocalChannel_HelloFallsBackToL01(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	key := []byte("0123456789abcdef")
	fakeDevice(t, ln, key, wire.VersionL01)

	host, port := listenerHostPort(t, ln)
	ch := NewLocalChannel(LocalChannelConfig{
		Host:             host,
		Port:             port,
		LocalKey:         key,
		HandshakeTimeout: 500 * time.Millisecond,
		ConnectTimeout:   2 * time.Second,
	}, nil, zerolog.Nop())

	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if ch.negotiated != wire.VersionL01 {
		t.Fatalf("expected negotiated L01, got %q", ch.negotiated)
	}
}

func TestLocalChannel_OnDisconnectFiresWhenConnectionDrops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	key := []byte("0123456789abcdef")

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		var keys wire.KeySet
		keys.LocalKey = key
		dec := wire.NewDecoder(keys)
		buf := make([]byte, 4096)
		for {
			n, rerr := conn.Read(buf)
			if rerr != nil {
				return
			}
			frames, _ := dec.Feed(buf[:n])
			for _, f := range frames {
				if f.Protocol != wire.ProtocolHelloRequest || f.Version != wire.VersionV1 {
					continue
				}
				keys.ConnectNonce = f.Random
				dec.UpdateKeys(keys)
				enc := wire.NewEncoder(keys)
				resp := wire.Frame{Protocol: wire.ProtocolHelloResponse, Version: wire.VersionV1, Random: 999}
				raw, _ := enc.Encode(resp)
				conn.Write(raw)
				accepted <- conn
				return
			}
		}
	}()

	host, port := listenerHostPort(t, ln)
	ch := NewLocalChannel(LocalChannelConfig{
		Host:             host,
		Port:             port,
		LocalKey:         key,
		HandshakeTimeout: 2 * time.Second,
		ConnectTimeout:   2 * time.Second,
	}, nil, zerolog.Nop())

	notified := make(chan error, 1)
	ch.OnDisconnect(func(err error) { notified <- err })

	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("server never accepted the dialed connection")
	}

	select {
	case err := <-notified:
		if err == nil {
			t.Fatal("expected a non-nil disconnect notice")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnDisconnect to fire")
	}
	if ch.IsConnected() {
		t.Fatal("expected IsConnected to be false after the drop")
	}
}

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"seqfabric/internal/wire"
)

func TestTCPRoundTripsFrames(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan Channel, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server Channel
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept: %v", err)
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	defer server.Close()

	want := wire.Frame{Tag: wire.TagPublish, Channel: "telemetry", PublishSeq: 4.0, ReceiveSeq: 5.0, Payload: []byte("hi")}
	if err := client.Send(ctx, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Channel != want.Channel || got.PublishSeq != want.PublishSeq || got.ReceiveSeq != want.ReceiveSeq || string(got.Payload) != string(want.Payload) {
		t.Fatalf("frame mismatch: got %+v want %+v", got, want)
	}
}

func TestTCPCloseSurfacesAsErrClosed(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan Channel, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	server := <-accepted
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := server.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	server.Close()
}

func TestTCPListenerAcceptRespectsContextCancellation(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ln.Accept(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"seqfabric/internal/config"
	httpapi "seqfabric/internal/http"
	"seqfabric/internal/logging"
	"seqfabric/internal/transport"
	"seqfabric/internal/wire"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	return NewFabric(0, time.Now(), logging.NewTestLogger())
}

func TestFabricHelloAssignsClientIDAndAdvancesGrant(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := newTestFabric(t)
	go f.Run(ctx)

	client, server := transport.NewPipe()
	go f.Serve(ctx, server)

	if err := client.Send(ctx, wire.Frame{Tag: wire.TagHello}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	ack, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("recv hello ack: %v", err)
	}
	if ack.Tag != wire.TagHelloAck || ack.ClientID == 0 {
		t.Fatalf("unexpected hello ack: %+v", ack)
	}

	// G includes this session's own min_send_seq, so it must clear its frontier forward first.
	if err := client.Send(ctx, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 100}); err != nil {
		t.Fatalf("send clear-to-advance: %v", err)
	}
	if err := client.Send(ctx, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 100}); err != nil {
		t.Fatalf("send request-advance: %v", err)
	}
	grant, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("recv advance grant: %v", err)
	}
	if grant.Tag != wire.TagAdvanceGrant || grant.Seq != 100 {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestFabricRejectsOperationBeforeHello(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := newTestFabric(t)
	go f.Run(ctx)

	client, server := transport.NewPipe()
	go f.Serve(ctx, server)

	if err := client.Send(ctx, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer readCancel()
	if _, err := client.Recv(readCtx); err == nil {
		t.Fatalf("expected the connection to be closed without a reply")
	}
}

func TestFabricDeliversPublishedMessageAcrossSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := newTestFabric(t)
	go f.Run(ctx)

	publisherClient, publisherServer := transport.NewPipe()
	go f.Serve(ctx, publisherServer)
	subscriberClient, subscriberServer := transport.NewPipe()
	go f.Serve(ctx, subscriberServer)

	for _, c := range []transport.Channel{publisherClient, subscriberClient} {
		if err := c.Send(ctx, wire.Frame{Tag: wire.TagHello}); err != nil {
			t.Fatalf("send hello: %v", err)
		}
		if _, err := c.Recv(ctx); err != nil {
			t.Fatalf("recv hello ack: %v", err)
		}
	}

	if err := subscriberClient.Send(ctx, wire.Frame{Tag: wire.TagSubscribe, SelectorKind: wire.SelectorAll, Eff: 0}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := subscriberClient.Recv(ctx); err != nil {
		t.Fatalf("recv subscribe ack: %v", err)
	}

	// G is the minimum min_send_seq over every live session, so both the subscriber and the
	// publisher must clear their frontiers past the delivery's receive_seq (2).
	if err := subscriberClient.Send(ctx, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 1000}); err != nil {
		t.Fatalf("subscriber clear-to-advance: %v", err)
	}
	if err := subscriberClient.Send(ctx, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 1000}); err != nil {
		t.Fatalf("request-advance: %v", err)
	}

	if err := publisherClient.Send(ctx, wire.Frame{
		Tag: wire.TagPublish, Channel: "telemetry", PublishSeq: 1, ReceiveSeq: 2, Payload: []byte("hi"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := publisherClient.Send(ctx, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 1000}); err != nil {
		t.Fatalf("publisher clear-to-advance: %v", err)
	}

	var gotDeliver, gotGrant bool
	for i := 0; i < 4 && !(gotDeliver && gotGrant); i++ {
		frame, err := subscriberClient.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		switch frame.Tag {
		case wire.TagDeliver:
			gotDeliver = true
			if string(frame.Payload) != "hi" {
				t.Fatalf("unexpected payload: %q", frame.Payload)
			}
		case wire.TagAdvanceGrant:
			gotGrant = true
		}
	}
	if !gotDeliver || !gotGrant {
		t.Fatalf("expected both a deliver and a grant frame, got deliver=%v grant=%v", gotDeliver, gotGrant)
	}
}

func TestFabricSatisfiesReadinessProvider(t *testing.T) {
	f := newTestFabric(t)
	var _ httpapi.ReadinessProvider = f
	var _ httpapi.TraceDumper = httpapi.TraceDumperFunc(f.DumpTrace)

	sessions, pending := f.SnapshotSessionCounts()
	if sessions != 0 || pending != 0 {
		t.Fatalf("expected a fresh fabric to report no sessions, got sessions=%d pending=%d", sessions, pending)
	}
	if err := f.StartupError(); err != nil {
		t.Fatalf("unexpected startup error: %v", err)
	}
	if f.Uptime() < 0 {
		t.Fatalf("uptime must not be negative")
	}
}

func TestAdminSurfaceReportsReadinessAndStats(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := newTestFabric(t)
	go f.Run(ctx)

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logging.NewTestLogger(),
		Readiness: f,
		Stats:     f.Stats,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	readyResp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer readyResp.Body.Close()
	if readyResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /readyz, got %d", readyResp.StatusCode)
	}

	statsResp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer statsResp.Body.Close()
	if statsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /stats, got %d", statsResp.StatusCode)
	}
}

func TestFabricEnforcesMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := NewFabric(1, time.Now(), logging.NewTestLogger())
	go f.Run(ctx)

	firstClient, firstServer := transport.NewPipe()
	go f.Serve(ctx, firstServer)
	if err := firstClient.Send(ctx, wire.Frame{Tag: wire.TagHello}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	if _, err := firstClient.Recv(ctx); err != nil {
		t.Fatalf("recv hello ack: %v", err)
	}

	secondClient, secondServer := transport.NewPipe()
	f.Serve(ctx, secondServer)

	readCtx, readCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer readCancel()
	if _, err := secondClient.Recv(readCtx); err == nil {
		t.Fatalf("expected the second connection to be refused")
	}
}

func TestLoadDefaultsAgreeWithFabricTransportModes(t *testing.T) {
	t.Setenv("FABRIC_TRANSPORT", "tcp")
	t.Setenv("FABRIC_ADDR", "")
	t.Setenv("FABRIC_ADMIN_ADDR", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address == cfg.AdminAddress {
		t.Fatalf("tcp transport requires the admin surface on a distinct address, got %q for both", cfg.Address)
	}
}

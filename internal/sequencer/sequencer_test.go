package sequencer

import (
	"errors"
	"testing"

	"seqfabric/internal/wire"
)

func hello(t *testing.T, sq *Sequencer) *Session {
	t.Helper()
	s := sq.Register()
	if err := sq.Apply(s, wire.Frame{Tag: wire.TagHello}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return s
}

func tagsOf(frames []wire.Frame) []wire.Tag {
	out := make([]wire.Tag, len(frames))
	for i, f := range frames {
		out[i] = f.Tag
	}
	return out
}

// S1 / handshake.
func TestHandshakeAssignsSequentialIDs(t *testing.T) {
	sq := New()
	a := hello(t, sq)
	outbound := a.Flush()
	if len(outbound) != 1 || outbound[0].Tag != wire.TagHelloAck {
		t.Fatalf("expected single HelloAck, got %+v", outbound)
	}
	if outbound[0].ClientID != 1 || outbound[0].InitialSeq != 0.0 {
		t.Fatalf("unexpected HelloAck %+v", outbound[0])
	}
}

// S2 / publish-deliver.
func TestPublishThenDeliverThenGrant(t *testing.T) {
	sq := New()
	a := hello(t, sq)
	a.Flush()
	b := hello(t, sq)
	b.Flush()

	if err := sq.Apply(b, wire.Frame{Tag: wire.TagSubscribe, Eff: 0.0, SelectorKind: wire.SelectorChannel, Channel: "x"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ack := b.Flush()
	if len(ack) != 1 || ack[0].Tag != wire.TagSubscribeAck || ack[0].Eff != 0.0 {
		t.Fatalf("unexpected subscribe ack %+v", ack)
	}

	if err := sq.Apply(a, wire.Frame{Tag: wire.TagPublish, PublishSeq: 1.0, ReceiveSeq: 2.0, Channel: "x", Payload: []byte{0xDE, 0xAD}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 3.0}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	// B must also clear its own frontier forward: the global frontier G is the minimum
	// min_send_seq across every live session, the recipient included (spec.md §4.2), so B's
	// un-advanced frontier would otherwise cap the grant at 0.
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 3.0}); err != nil {
		t.Fatalf("b clear: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 3.0}); err != nil {
		t.Fatalf("request advance: %v", err)
	}

	out := b.Flush()
	if len(out) != 2 {
		t.Fatalf("expected Deliver then AdvanceGrant, got %+v", out)
	}
	if out[0].Tag != wire.TagDeliver || out[0].PublishSeq != 1.0 || out[0].ReceiveSeq != 2.0 {
		t.Fatalf("unexpected deliver frame %+v", out[0])
	}
	if out[1].Tag != wire.TagAdvanceGrant || out[1].Seq != 3.0 {
		t.Fatalf("unexpected grant frame %+v", out[1])
	}
}

// S3 / grant gated by a slow peer.
func TestGrantBlockedUntilOtherSessionsClear(t *testing.T) {
	sq := New()
	a, b, c := hello(t, sq), hello(t, sq), hello(t, sq)
	a.Flush()
	b.Flush()
	c.Flush()

	for _, s := range []*Session{a, b, c} {
		if err := sq.Apply(s, wire.Frame{Tag: wire.TagSubscribe, Eff: 0.0, SelectorKind: wire.SelectorChannel, Channel: "x"}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		s.Flush()
	}
	// A clears its own frontier well ahead so it is never the bottleneck; B and C establish a
	// shared, slower baseline frontier before A asks to run ahead. The global frontier G
	// includes A itself (spec.md §4.2), so A's own min_send_seq must not be the limiting factor
	// for this test to isolate B/C's lag.
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("a baseline: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 1.0}); err != nil {
		t.Fatalf("b baseline: %v", err)
	}
	if err := sq.Apply(c, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 1.0}); err != nil {
		t.Fatalf("c baseline: %v", err)
	}
	a.Flush()
	b.Flush()
	c.Flush()

	if err := sq.Apply(a, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("request advance: %v", err)
	}
	out := a.Flush()
	if len(out) != 1 || out[0].Tag != wire.TagAdvanceGrant || out[0].Seq > 1.0 {
		t.Fatalf("expected a partial grant bounded by the slow peers, got %+v", out)
	}

	if err := sq.Apply(b, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("b clears: %v", err)
	}
	if out := a.Flush(); len(out) != 0 {
		t.Fatalf("expected no grant yet while C still lags, got %+v", out)
	}
	if err := sq.Apply(c, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("c clears: %v", err)
	}
	out = a.Flush()
	if len(out) != 1 || out[0].Tag != wire.TagAdvanceGrant || out[0].Seq != 5.0 {
		t.Fatalf("expected full grant to 5.0 once peers caught up, got %+v", out)
	}
}

// S4 / wildcard vs specific subscription.
func TestWildcardSubscriptionMatchesAllChannels(t *testing.T) {
	sq := New()
	a, b := hello(t, sq), hello(t, sq)
	a.Flush()
	b.Flush()

	if err := sq.Apply(a, wire.Frame{Tag: wire.TagSubscribe, Eff: 0.0, SelectorKind: wire.SelectorAll}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	a.Flush()

	if err := sq.Apply(b, wire.Frame{Tag: wire.TagPublish, PublishSeq: 1.0, ReceiveSeq: 2.0, Channel: "x"}); err != nil {
		t.Fatalf("publish x: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagPublish, PublishSeq: 3.0, ReceiveSeq: 4.0, Channel: "y"}); err != nil {
		t.Fatalf("publish y: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	// A must also clear its own frontier forward; G includes A itself (spec.md §4.2).
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("a clear: %v", err)
	}
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("request advance: %v", err)
	}

	out := a.Flush()
	if len(out) != 3 {
		t.Fatalf("expected two delivers and a grant, got %+v", out)
	}
	if out[0].Channel != "x" || out[1].Channel != "y" || out[2].Tag != wire.TagAdvanceGrant {
		t.Fatalf("unexpected order %+v", out)
	}
}

// S5 / causality rejection.
func TestPublishViolatingCausalityIsRejected(t *testing.T) {
	sq := New()
	a := hello(t, sq)
	a.Flush()

	err := sq.Apply(a, wire.Frame{Tag: wire.TagPublish, PublishSeq: 2.0, ReceiveSeq: 2.0, Channel: "x"})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if a.State != Closing {
		t.Fatalf("expected session to move to Closing, got %v", a.State)
	}
}

func TestUnsubscribeStillDeliversAlreadyResolvedPublications(t *testing.T) {
	sq := New()
	a, b := hello(t, sq), hello(t, sq)
	a.Flush()
	b.Flush()

	if err := sq.Apply(b, wire.Frame{Tag: wire.TagSubscribe, Eff: 0.0, SelectorKind: wire.SelectorChannel, Channel: "x"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Flush()

	if err := sq.Apply(a, wire.Frame{Tag: wire.TagPublish, PublishSeq: 1.0, ReceiveSeq: 2.0, Channel: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagUnsubscribe, Eff: 1.0, SelectorKind: wire.SelectorChannel, Channel: "x"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	b.Flush()

	if err := sq.Apply(a, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	// B must also clear its own frontier forward; G includes B itself (spec.md §4.2).
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("b clear: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 5.0}); err != nil {
		t.Fatalf("request advance: %v", err)
	}
	out := b.Flush()
	if len(out) != 2 || out[0].Tag != wire.TagDeliver {
		t.Fatalf("expected the already-resolved publish to still be delivered, got %+v", out)
	}

	// A later publish (publish_seq 6.0 >= eff 1.0) must NOT reach B.
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagPublish, PublishSeq: 6.0, ReceiveSeq: 7.0, Channel: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 8.0}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 8.0}); err != nil {
		t.Fatalf("b clear: %v", err)
	}
	if err := sq.Apply(b, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 8.0}); err != nil {
		t.Fatalf("request advance: %v", err)
	}
	out = b.Flush()
	for _, f := range out {
		if f.Tag == wire.TagDeliver {
			t.Fatalf("unsubscribed channel should not deliver new publications: %+v", f)
		}
	}
}

// S6 / permutation equivalence: a fixed script of 9 publications across 3 clients, replayed
// under every permutation of session polling order, must yield identical per-recipient
// EventList projections.
func TestPermutationEquivalence(t *testing.T) {
	type publish struct {
		publisher int
		seq       float64
		channel   string
	}
	script := []publish{
		{0, 1.0, "x"}, {1, 1.0, "x"}, {2, 1.0, "x"},
		{0, 2.0, "y"}, {1, 2.0, "y"}, {2, 2.0, "y"},
		{0, 3.0, "x"}, {1, 3.0, "x"}, {2, 3.0, "x"},
	}

	type deliveryRecord struct {
		publisher  uint32
		publishSeq float64
		receiveSeq float64
		channel    string
	}

	run := func(order []int) map[int][]deliveryRecord {
		sq := New()
		sessions := make([]*Session, 3)
		for i := 0; i < 3; i++ {
			sessions[i] = hello(t, sq)
			sessions[i].Flush()
		}
		for i := 0; i < 3; i++ {
			if err := sq.Apply(sessions[i], wire.Frame{Tag: wire.TagSubscribe, Eff: 0.0, SelectorKind: wire.SelectorAll}); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			sessions[i].Flush()
		}
		seq := 0.0
		for _, p := range script {
			seq += 1.0
			receive := seq + 100.0
			if err := sq.Apply(sessions[p.publisher], wire.Frame{Tag: wire.TagPublish, PublishSeq: seq, ReceiveSeq: receive, Channel: p.channel}); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
		for i := 0; i < 3; i++ {
			if err := sq.Apply(sessions[i], wire.Frame{Tag: wire.TagClearToAdvance, Seq: 1000.0}); err != nil {
				t.Fatalf("clear: %v", err)
			}
		}
		transcripts := make(map[int][]deliveryRecord)
		for _, idx := range order {
			if err := sq.Apply(sessions[idx], wire.Frame{Tag: wire.TagRequestAdvance, Seq: 1000.0}); err != nil {
				t.Fatalf("request advance: %v", err)
			}
			for _, f := range sessions[idx].Flush() {
				if f.Tag != wire.TagDeliver {
					continue
				}
				transcripts[idx] = append(transcripts[idx], deliveryRecord{f.Publisher, f.PublishSeq, f.ReceiveSeq, f.Channel})
			}
		}
		return transcripts
	}

	permutations := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	baseline := run(permutations[0])
	for _, perm := range permutations[1:] {
		got := run(perm)
		for session, wantRecords := range baseline {
			gotRecords := got[session]
			if len(gotRecords) != len(wantRecords) {
				t.Fatalf("permutation %v session %d: got %d deliveries, want %d", perm, session, len(gotRecords), len(wantRecords))
			}
			for i, want := range wantRecords {
				if gotRecords[i] != want {
					t.Fatalf("permutation %v session %d delivery %d: got %+v, want %+v", perm, session, i, gotRecords[i], want)
				}
			}
		}
	}
}

func TestPublishBeforeHelloIsProtocolViolation(t *testing.T) {
	sq := New()
	s := sq.Register()
	err := sq.Apply(s, wire.Frame{Tag: wire.TagPublish, PublishSeq: 1, ReceiveSeq: 2, Channel: "x"})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestEvictRecomputesFrontierForRemainingSessions(t *testing.T) {
	sq := New()
	a, b := hello(t, sq), hello(t, sq)
	a.Flush()
	b.Flush()

	// A clears its own frontier ahead so only B's un-advanced min_send_seq (0.0) caps the grant;
	// G is the minimum min_send_seq across every live session, A included (spec.md §4.2).
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagClearToAdvance, Seq: 10.0}); err != nil {
		t.Fatalf("a clear: %v", err)
	}
	a.Flush()

	// B never advances, so its min_send_seq (0.0) caps any grant to A at A's current
	// min_recv_seq (0.0); a grant that would not advance A is not sent.
	if err := sq.Apply(a, wire.Frame{Tag: wire.TagRequestAdvance, Seq: 10.0}); err != nil {
		t.Fatalf("request advance: %v", err)
	}
	if out := a.Flush(); len(out) != 0 {
		t.Fatalf("expected no grant while B's frontier holds A at 0.0, got %+v", out)
	}

	sq.Fail(b)
	sq.Evict(b)

	if out := a.Flush(); len(out) != 1 || out[0].Tag != wire.TagAdvanceGrant || out[0].Seq != 10.0 {
		t.Fatalf("expected evicting the lagging session to unblock the remaining grant, got %+v", out)
	}
}

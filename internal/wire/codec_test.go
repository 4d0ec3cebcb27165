package wire

import (
	"bytes"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("decode consumed %d bytes, want %d", n, len(encoded))
	}
	return decoded
}

func TestHelloRoundTrip(t *testing.T) {
	got := roundTrip(t, Frame{Tag: TagHello})
	if got.Tag != TagHello {
		t.Fatalf("unexpected tag %v", got.Tag)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	got := roundTrip(t, Frame{Tag: TagHelloAck, ClientID: 42, InitialSeq: 7.5})
	if got.ClientID != 42 || got.InitialSeq != 7.5 {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestSubscribeWildcardRoundTrip(t *testing.T) {
	got := roundTrip(t, Frame{Tag: TagSubscribe, Eff: 3.0, SelectorKind: SelectorAll})
	if got.Eff != 3.0 || got.SelectorKind != SelectorAll || got.Channel != "" {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestSubscribeChannelRoundTrip(t *testing.T) {
	got := roundTrip(t, Frame{Tag: TagSubscribe, Eff: 4.0, SelectorKind: SelectorChannel, Channel: "telemetry"})
	if got.Channel != "telemetry" || got.SelectorKind != SelectorChannel {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestUnsubscribeAckRoundTrip(t *testing.T) {
	got := roundTrip(t, Frame{Tag: TagUnsubscribeAck, Eff: 11.0})
	if got.Eff != 11.0 {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	f := Frame{Tag: TagPublish, PublishSeq: 1.0, ReceiveSeq: 0, Channel: "radar", Payload: []byte("hello")}
	got := roundTrip(t, f)
	if got.PublishSeq != 1.0 || got.Channel != "radar" || !bytes.Equal(got.Payload, []byte("hello")) {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestDeliverRoundTrip(t *testing.T) {
	f := Frame{Tag: TagDeliver, Publisher: 9, PublishSeq: 2.0, ReceiveSeq: 3.0, Channel: "radar", Payload: []byte("x")}
	got := roundTrip(t, f)
	if got.Publisher != 9 || got.ReceiveSeq != 3.0 {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestControlSeqFramesRoundTrip(t *testing.T) {
	for _, tag := range []Tag{TagClearToAdvance, TagRequestAdvance, TagAdvanceGrant, TagDeliveryAck} {
		got := roundTrip(t, Frame{Tag: tag, Seq: 5.5})
		if got.Seq != 5.5 || got.Tag != tag {
			t.Fatalf("unexpected frame %+v for tag %v", got, tag)
		}
	}
}

func TestDecodeIncompleteFrameReturnsZeroConsumed(t *testing.T) {
	encoded, err := Encode(Frame{Tag: TagPublish, Channel: "x", Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for cut := 0; cut < len(encoded); cut++ {
		_, n, err := Decode(encoded[:cut])
		if err != nil {
			t.Fatalf("unexpected error decoding truncated prefix of length %d: %v", cut, err)
		}
		if n != 0 {
			t.Fatalf("expected zero bytes consumed for truncated prefix of length %d, got %d", cut, n)
		}
	}
}

func TestDecodeUnknownTagIsMalformed(t *testing.T) {
	raw := []byte{0, 0, 0, 1, 99}
	_, _, err := Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeZeroLengthBodyIsMalformed(t *testing.T) {
	raw := []byte{0, 0, 0, 0}
	_, _, err := Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeTrailingBytesAfterSeqIsMalformed(t *testing.T) {
	encoded, err := Encode(Frame{Tag: TagClearToAdvance, Seq: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Append one stray byte to the body and fix up the length prefix to match.
	tampered := append([]byte(nil), encoded...)
	tampered = append(tampered, 0xFF)
	tampered[3]++
	_, _, err = Decode(tampered)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeMultipleFramesFromStream(t *testing.T) {
	a, err := Encode(Frame{Tag: TagClearToAdvance, Seq: 1})
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	b, err := Encode(Frame{Tag: TagRequestAdvance, Seq: 2})
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	stream := append(append([]byte(nil), a...), b...)

	first, n1, err := Decode(stream)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if first.Tag != TagClearToAdvance || first.Seq != 1 {
		t.Fatalf("unexpected first frame %+v", first)
	}
	second, n2, err := Decode(stream[n1:])
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if second.Tag != TagRequestAdvance || second.Seq != 2 {
		t.Fatalf("unexpected second frame %+v", second)
	}
	if n1+n2 != len(stream) {
		t.Fatalf("did not consume entire stream: %d + %d != %d", n1, n2, len(stream))
	}
}

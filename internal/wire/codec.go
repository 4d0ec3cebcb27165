// Package wire implements the fabric's length-prefixed binary protocol: encoding and decoding
// of the small frame set exchanged between the sequencer and the client library. It is a pure
// function over bytes — no I/O, no concurrency — so that transports (internal/transport) and
// tests can exercise it in isolation.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Tag identifies a frame's wire type.
type Tag uint8

const (
	TagHello           Tag = 1
	TagHelloAck        Tag = 2
	TagSubscribe       Tag = 3
	TagSubscribeAck    Tag = 4
	TagUnsubscribe     Tag = 5
	TagUnsubscribeAck  Tag = 6
	TagPublish         Tag = 7
	TagClearToAdvance  Tag = 8
	TagRequestAdvance  Tag = 9
	TagAdvanceGrant    Tag = 10
	TagDeliver         Tag = 11
	TagDeliveryAck     Tag = 12
)

// SelectorKind distinguishes a wildcard subscription from a channel-specific one.
type SelectorKind uint8

const (
	SelectorAll     SelectorKind = 0
	SelectorChannel SelectorKind = 1
)

// ErrMalformed wraps any frame that fails codec validation: unknown tag, truncated body, or a
// declared length inconsistent with the payload. Malformed frames are fatal to the owning session.
var ErrMalformed = errors.New("wire: malformed frame")

// Frame is the tagged union of every message the protocol exchanges. Only the fields relevant
// to Tag are meaningful; exhaustive case analysis over Tag replaces a polymorphic hierarchy.
type Frame struct {
	Tag Tag

	// HelloAck
	ClientID   uint32
	InitialSeq float64

	// Subscribe / Unsubscribe / SubscribeAck / UnsubscribeAck
	Eff          float64
	SelectorKind SelectorKind
	Channel      string

	// Publish / Deliver
	Publisher  uint32
	PublishSeq float64
	ReceiveSeq float64
	Payload    []byte

	// ClearToAdvance / RequestAdvance / AdvanceGrant / DeliveryAck
	Seq float64
}

const maxChannelLen = 1 << 16
const maxPayloadLen = 1 << 24

// Encode serialises a frame into a length-prefixed byte string: a big-endian uint32 total body
// length, followed by the tag byte and the tag-specific body.
func Encode(f Frame) ([]byte, error) {
	body, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

func encodeBody(f Frame) ([]byte, error) {
	buf := []byte{byte(f.Tag)}
	switch f.Tag {
	case TagHello:
		// empty body
	case TagHelloAck:
		buf = append(buf, put32(f.ClientID)...)
		buf = append(buf, putFloat(f.InitialSeq)...)
	case TagSubscribe, TagUnsubscribe:
		buf = append(buf, putFloat(f.Eff)...)
		buf = append(buf, byte(f.SelectorKind))
		if f.SelectorKind == SelectorChannel {
			channelBytes, err := putChannel(f.Channel)
			if err != nil {
				return nil, err
			}
			buf = append(buf, channelBytes...)
		}
	case TagSubscribeAck, TagUnsubscribeAck:
		buf = append(buf, putFloat(f.Eff)...)
	case TagPublish, TagDeliver:
		if f.Tag == TagDeliver {
			buf = append(buf, put32(f.Publisher)...)
		}
		buf = append(buf, putFloat(f.PublishSeq)...)
		buf = append(buf, putFloat(f.ReceiveSeq)...)
		channelBytes, err := putChannel(f.Channel)
		if err != nil {
			return nil, err
		}
		buf = append(buf, channelBytes...)
		payloadBytes, err := putPayload(f.Payload)
		if err != nil {
			return nil, err
		}
		buf = append(buf, payloadBytes...)
	case TagClearToAdvance, TagRequestAdvance, TagAdvanceGrant, TagDeliveryAck:
		buf = append(buf, putFloat(f.Seq)...)
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, f.Tag)
	}
	return buf, nil
}

// Decode parses a single length-prefixed frame from raw, returning the frame and the number of
// bytes consumed. A zero consumed count with a nil error means raw holds an incomplete frame;
// callers should read more and retry.
func Decode(raw []byte) (Frame, int, error) {
	if len(raw) < 4 {
		return Frame{}, 0, nil
	}
	bodyLen := binary.BigEndian.Uint32(raw[0:4])
	total := 4 + int(bodyLen)
	if bodyLen == 0 {
		return Frame{}, 0, fmt.Errorf("%w: zero-length body", ErrMalformed)
	}
	if len(raw) < total {
		return Frame{}, 0, nil
	}
	body := raw[4:total]
	frame, err := decodeBody(body)
	if err != nil {
		return Frame{}, 0, err
	}
	return frame, total, nil
}

func decodeBody(body []byte) (Frame, error) {
	if len(body) < 1 {
		return Frame{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	tag := Tag(body[0])
	rest := body[1:]
	f := Frame{Tag: tag}
	switch tag {
	case TagHello:
		if len(rest) != 0 {
			return Frame{}, fmt.Errorf("%w: Hello carries a body", ErrMalformed)
		}
	case TagHelloAck:
		clientID, seq, err := takeUint32Float(rest)
		if err != nil {
			return Frame{}, err
		}
		f.ClientID, f.InitialSeq = clientID, seq
	case TagSubscribe, TagUnsubscribe:
		eff, tail, err := takeFloat(rest)
		if err != nil {
			return Frame{}, err
		}
		if len(tail) < 1 {
			return Frame{}, fmt.Errorf("%w: missing selector kind", ErrMalformed)
		}
		kind := SelectorKind(tail[0])
		tail = tail[1:]
		f.Eff, f.SelectorKind = eff, kind
		if kind == SelectorChannel {
			channel, tail2, err := takeChannel(tail)
			if err != nil {
				return Frame{}, err
			}
			if len(tail2) != 0 {
				return Frame{}, fmt.Errorf("%w: trailing bytes after channel", ErrMalformed)
			}
			f.Channel = channel
		} else if len(tail) != 0 {
			return Frame{}, fmt.Errorf("%w: trailing bytes after wildcard selector", ErrMalformed)
		}
	case TagSubscribeAck, TagUnsubscribeAck:
		eff, tail, err := takeFloat(rest)
		if err != nil {
			return Frame{}, err
		}
		if len(tail) != 0 {
			return Frame{}, fmt.Errorf("%w: trailing bytes after ack", ErrMalformed)
		}
		f.Eff = eff
	case TagPublish, TagDeliver:
		tail := rest
		if tag == TagDeliver {
			publisher, rest2, err := takeUint32(tail)
			if err != nil {
				return Frame{}, err
			}
			f.Publisher = publisher
			tail = rest2
		}
		publishSeq, tail, err := takeFloat(tail)
		if err != nil {
			return Frame{}, err
		}
		receiveSeq, tail, err := takeFloat(tail)
		if err != nil {
			return Frame{}, err
		}
		channel, tail, err := takeChannel(tail)
		if err != nil {
			return Frame{}, err
		}
		payload, tail, err := takePayload(tail)
		if err != nil {
			return Frame{}, err
		}
		if len(tail) != 0 {
			return Frame{}, fmt.Errorf("%w: trailing bytes after payload", ErrMalformed)
		}
		f.PublishSeq, f.ReceiveSeq, f.Channel, f.Payload = publishSeq, receiveSeq, channel, payload
	case TagClearToAdvance, TagRequestAdvance, TagAdvanceGrant, TagDeliveryAck:
		seq, tail, err := takeFloat(rest)
		if err != nil {
			return Frame{}, err
		}
		if len(tail) != 0 {
			return Frame{}, fmt.Errorf("%w: trailing bytes after seq", ErrMalformed)
		}
		f.Seq = seq
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag %d", ErrMalformed, tag)
	}
	return f, nil
}

func put32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func putFloat(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func putChannel(channel string) ([]byte, error) {
	if len(channel) > maxChannelLen {
		return nil, fmt.Errorf("%w: channel name too long", ErrMalformed)
	}
	b := make([]byte, 2+len(channel))
	binary.BigEndian.PutUint16(b[0:2], uint16(len(channel)))
	copy(b[2:], channel)
	return b, nil
}

func putPayload(payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload too long", ErrMalformed)
	}
	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(payload)))
	copy(b[4:], payload)
	return b, nil
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("%w: truncated uint32", ErrMalformed)
	}
	return binary.BigEndian.Uint32(b[0:4]), b[4:], nil
}

func takeFloat(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("%w: truncated float64", ErrMalformed)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b[0:8])), b[8:], nil
}

func takeUint32Float(b []byte) (uint32, float64, error) {
	id, rest, err := takeUint32(b)
	if err != nil {
		return 0, 0, err
	}
	seq, rest, err := takeFloat(rest)
	if err != nil {
		return 0, 0, err
	}
	if len(rest) != 0 {
		return 0, 0, fmt.Errorf("%w: trailing bytes after HelloAck", ErrMalformed)
	}
	return id, seq, nil
}

func takeChannel(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: truncated channel length", ErrMalformed)
	}
	length := int(binary.BigEndian.Uint16(b[0:2]))
	rest := b[2:]
	if len(rest) < length {
		return "", nil, fmt.Errorf("%w: truncated channel name", ErrMalformed)
	}
	return string(rest[:length]), rest[length:], nil
}

func takePayload(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated payload length", ErrMalformed)
	}
	length := int(binary.BigEndian.Uint32(b[0:4]))
	rest := b[4:]
	if len(rest) < length {
		return nil, nil, fmt.Errorf("%w: truncated payload", ErrMalformed)
	}
	payload := append([]byte(nil), rest[:length]...)
	return payload, rest[length:], nil
}

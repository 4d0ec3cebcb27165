// Package client implements the fabric client library: the side that mirrors the sequencer's
// protocol, exposes the public operations (Subscribe, Publish, AwaitAdvance, ...), and enforces
// the client-local monotonicity invariant before anything reaches the wire.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"seqfabric/internal/wire"
)

// ErrMisuse marks a call that violates a client-local invariant — a regressing publish_seq, a
// clear that moves backward, a receive_seq that does not exceed its publish_seq. Reported
// synchronously to the caller; library state is left unchanged.
var ErrMisuse = errors.New("client: misuse")

// ErrClosed is returned by a blocking call once the underlying transport has reached EOF.
var ErrClosed = errors.New("client: closed")

// Transport is the minimal contract the client library needs from a byte channel: send one
// frame, and block for the next inbound frame. Implementations live in internal/transport.
type Transport interface {
	Send(ctx context.Context, f wire.Frame) error
	Recv(ctx context.Context) (wire.Frame, error)
}

// Selector mirrors the sequencer's subscription target: a specific channel or the wildcard.
type Selector struct {
	Kind    wire.SelectorKind
	Channel string
}

// Wildcard matches every channel.
var Wildcard = Selector{Kind: wire.SelectorAll}

// ChannelSelector matches only the named channel.
func ChannelSelector(channel string) Selector {
	return Selector{Kind: wire.SelectorChannel, Channel: channel}
}

// Message is one delivered publication, as observed by a client.
type Message struct {
	Publisher  uint32
	PublishSeq float64
	ReceiveSeq float64
	Channel    string
	Payload    []byte
}

// Client is one endpoint's view of the protocol. It is not safe for concurrent use: per the
// cooperative concurrency model, every method runs on the single thread that owns this
// client's transport.
type Client struct {
	transport Transport

	id         uint32
	minSendSeq float64
	minRecvSeq float64
	lastGrant  float64

	buffered []Message
}

// New wraps transport in a Client. Call Start before anything else.
func New(transport Transport) *Client {
	return &Client{transport: transport}
}

// Start performs the Hello handshake and blocks until HelloAck arrives.
func (c *Client) Start(ctx context.Context) (uint32, error) {
	if err := c.transport.Send(ctx, wire.Frame{Tag: wire.TagHello}); err != nil {
		return 0, err
	}
	f, err := c.transport.Recv(ctx)
	if err != nil {
		return 0, mapTransportErr(err)
	}
	if f.Tag != wire.TagHelloAck {
		return 0, fmt.Errorf("%w: expected HelloAck, got tag %d", ErrMisuse, f.Tag)
	}
	c.id = f.ClientID
	c.minSendSeq = f.InitialSeq
	c.minRecvSeq = f.InitialSeq
	c.lastGrant = f.InitialSeq
	return c.id, nil
}

// Subscribe registers interest in sel effective no earlier than seq, blocks for the ack, and
// returns the server-echoed effective-from sequence number.
func (c *Client) Subscribe(ctx context.Context, sel Selector, seq float64) (float64, error) {
	return c.subscribeOrUnsubscribe(ctx, sel, seq, wire.TagSubscribe, wire.TagSubscribeAck)
}

// Unsubscribe withdraws interest in sel effective no earlier than seq.
func (c *Client) Unsubscribe(ctx context.Context, sel Selector, seq float64) (float64, error) {
	return c.subscribeOrUnsubscribe(ctx, sel, seq, wire.TagUnsubscribe, wire.TagUnsubscribeAck)
}

func (c *Client) subscribeOrUnsubscribe(ctx context.Context, sel Selector, seq float64, reqTag, ackTag wire.Tag) (float64, error) {
	if seq < c.minSendSeq {
		return 0, fmt.Errorf("%w: eff %v precedes min_send_seq %v", ErrMisuse, seq, c.minSendSeq)
	}
	req := wire.Frame{Tag: reqTag, Eff: seq, SelectorKind: sel.Kind, Channel: sel.Channel}
	if err := c.transport.Send(ctx, req); err != nil {
		return 0, err
	}
	for {
		f, err := c.transport.Recv(ctx)
		if err != nil {
			return 0, mapTransportErr(err)
		}
		if f.Tag == wire.TagDeliver || f.Tag == wire.TagAdvanceGrant {
			c.absorb(f)
			continue
		}
		if f.Tag != ackTag {
			return 0, fmt.Errorf("%w: expected ack tag %d, got %d", ErrMisuse, ackTag, f.Tag)
		}
		c.minSendSeq = maxFloat(c.minSendSeq, f.Eff)
		return f.Eff, nil
	}
}

// Publish queues m for transmission. It never blocks. It locally advances min_send_seq to
// m.PublishSeq and rejects m without sending it if that would regress min_send_seq or violate
// causality (ReceiveSeq must exceed PublishSeq).
func (c *Client) Publish(ctx context.Context, channel string, publishSeq, receiveSeq float64, payload []byte) error {
	if publishSeq < c.minSendSeq {
		return fmt.Errorf("%w: publish_seq %v precedes min_send_seq %v", ErrMisuse, publishSeq, c.minSendSeq)
	}
	if receiveSeq <= publishSeq {
		return fmt.Errorf("%w: receive_seq %v does not exceed publish_seq %v", ErrMisuse, receiveSeq, publishSeq)
	}
	c.minSendSeq = publishSeq
	return c.transport.Send(ctx, wire.Frame{
		Tag:        wire.TagPublish,
		PublishSeq: publishSeq,
		ReceiveSeq: receiveSeq,
		Channel:    channel,
		Payload:    payload,
	})
}

// ClearToAdvance promises the server that no future publish, subscribe, unsubscribe, or
// clear from this client will carry a sequence number below seq. Never blocks.
func (c *Client) ClearToAdvance(ctx context.Context, seq float64) error {
	if seq < c.minSendSeq {
		return fmt.Errorf("%w: clear %v regresses min_send_seq %v", ErrMisuse, seq, c.minSendSeq)
	}
	c.minSendSeq = seq
	return c.transport.Send(ctx, wire.Frame{Tag: wire.TagClearToAdvance, Seq: seq})
}

// requestAdvance asks the server to grant up to seq. Blocking callers (AwaitAdvance,
// ReceiveUntil) drive the request/response loop; this just sends the request frame.
func (c *Client) requestAdvance(ctx context.Context, seq float64) error {
	if seq < c.minRecvSeq {
		return fmt.Errorf("%w: request-advance %v regresses min_recv_seq %v", ErrMisuse, seq, c.minRecvSeq)
	}
	return c.transport.Send(ctx, wire.Frame{Tag: wire.TagRequestAdvance, Seq: seq})
}

// AwaitAdvance blocks until the next AdvanceGrant whose value exceeds the last one returned
// (or the handshake's initial_seq, before any grant has been observed).
func (c *Client) AwaitAdvance(ctx context.Context) (float64, error) {
	for {
		f, err := c.transport.Recv(ctx)
		if err != nil {
			return 0, mapTransportErr(err)
		}
		prev := c.lastGrant
		c.absorb(f)
		if f.Tag == wire.TagAdvanceGrant && f.Seq > prev {
			c.lastGrant = f.Seq
			return f.Seq, nil
		}
	}
}

// ReceiveMessages returns every delivery buffered locally, in delivery order, together with
// the current min_recv_seq. Nonblocking; drains the local buffer.
func (c *Client) ReceiveMessages() ([]Message, float64) {
	out := c.buffered
	c.buffered = nil
	return out, c.minRecvSeq
}

// ReceiveUntil clears and requests advance to T, then loops receiving and awaiting grants
// until min_recv_seq reaches T. Returns every message observed along the way, in order.
func (c *Client) ReceiveUntil(ctx context.Context, t float64) ([]Message, error) {
	if err := c.ClearToAdvance(ctx, t); err != nil {
		return nil, err
	}
	if err := c.requestAdvance(ctx, t); err != nil {
		return nil, err
	}
	var all []Message
	for c.minRecvSeq < t {
		if _, err := c.AwaitAdvance(ctx); err != nil {
			return all, err
		}
		msgs, _ := c.ReceiveMessages()
		all = append(all, msgs...)
	}
	msgs, _ := c.ReceiveMessages()
	all = append(all, msgs...)
	return all, nil
}

// absorb folds an inbound frame into local state: Deliver buffers a message in delivery order,
// AdvanceGrant advances min_recv_seq. Every blocking receive path funnels through here so no
// inbound frame is ever dropped on the floor while waiting for a specific ack.
func (c *Client) absorb(f wire.Frame) {
	switch f.Tag {
	case wire.TagDeliver:
		m := Message{Publisher: f.Publisher, PublishSeq: f.PublishSeq, ReceiveSeq: f.ReceiveSeq, Channel: f.Channel, Payload: f.Payload}
		i := sort.Search(len(c.buffered), func(i int) bool { return !less(c.buffered[i], m) })
		c.buffered = append(c.buffered, Message{})
		copy(c.buffered[i+1:], c.buffered[i:])
		c.buffered[i] = m
	case wire.TagAdvanceGrant:
		if f.Seq > c.minRecvSeq {
			c.minRecvSeq = f.Seq
		}
		if f.Seq > c.lastGrant {
			c.lastGrant = f.Seq
		}
	}
}

func less(a, b Message) bool {
	if a.ReceiveSeq != b.ReceiveSeq {
		return a.ReceiveSeq < b.ReceiveSeq
	}
	if a.Publisher != b.Publisher {
		return a.Publisher < b.Publisher
	}
	return a.PublishSeq < b.PublishSeq
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func mapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

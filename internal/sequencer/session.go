package sequencer

import (
	"math"

	"seqfabric/internal/wire"
)

// ClientId is the server-assigned, opaque identifier of a connected client. It is unique for
// the lifetime of the fabric.
type ClientId uint32

// KFirstSeqNum is the starting frontier of every entity: sessions begin with min_send_seq and
// min_recv_seq both equal to this value.
const KFirstSeqNum float64 = 0.0

// SessionState is a position in the per-session state machine: Handshaking -> Active ->
// Closing -> Dead.
type SessionState int

const (
	Handshaking SessionState = iota
	Active
	Closing
	Dead
)

func (s SessionState) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Selector identifies what a subscription matches: either a specific channel or every channel.
type Selector struct {
	Kind    wire.SelectorKind
	Channel string
}

// Wildcard is the selector that matches every channel.
var Wildcard = Selector{Kind: wire.SelectorAll}

// ChannelSelector matches only the named channel.
func ChannelSelector(channel string) Selector {
	return Selector{Kind: wire.SelectorChannel, Channel: channel}
}

func (s Selector) matches(channel string) bool {
	if s.Kind == wire.SelectorAll {
		return true
	}
	return s.Channel == channel
}

// interval is one span of effectiveness for a (session, selector) subscription: live for
// publish_seq in [start, end). end is +Inf while the subscription remains open.
type interval struct {
	start float64
	end   float64
}

func (iv interval) covers(publishSeq float64) bool {
	return publishSeq >= iv.start && publishSeq < iv.end
}

// Message is the immutable unit the sequencer routes: published by one client, delivered to
// some set of recipients at receive_seq > publish_seq.
type Message struct {
	Publisher  ClientId
	PublishSeq float64
	ReceiveSeq float64
	Channel    string
	Payload    []byte
}

// Session holds the server-side state of one connected client: its subscription history, its
// send/receive frontiers, its queue of matched-but-undelivered messages, and its outbound frame
// queue. All mutation happens from the sequencer's single cooperative thread of control.
type Session struct {
	ID    ClientId
	State SessionState

	// history holds every subscription interval this session has ever held, keyed by selector.
	// Unlike a simple live/dead map, history is retained indefinitely so that a Publish whose
	// publish_seq falls inside a since-closed interval still resolves correctly (see the
	// unsubscribe-effective-from design note).
	history map[Selector][]interval

	MinSendSeq   float64
	MinRecvSeq   float64
	PendingGrant *float64

	PendingDelivery []Message
	Outbound        []wire.Frame
}

// NewSession constructs a session in the Handshaking state. It has no ClientId until the
// sequencer processes its Hello frame.
func NewSession() *Session {
	return &Session{
		State:      Handshaking,
		history:    make(map[Selector][]interval),
		MinSendSeq: KFirstSeqNum,
		MinRecvSeq: KFirstSeqNum,
	}
}

// subscribe opens a new effectiveness interval for sel starting at eff, closing any interval
// left open by a prior Subscribe (re-subscribing updates eff going forward; it does not
// retroactively change the matching behaviour of already-processed publishes).
func (s *Session) subscribe(sel Selector, eff float64) {
	spans := s.history[sel]
	if n := len(spans); n > 0 && spans[n-1].end == math.Inf(1) {
		spans[n-1].end = eff
	}
	s.history[sel] = append(spans, interval{start: eff, end: math.Inf(1)})
}

// unsubscribe closes sel's open interval, if any, effective at eff: publications with
// publish_seq >= eff no longer match; publications with publish_seq < eff, already resolved or
// not, still match.
func (s *Session) unsubscribe(sel Selector, eff float64) {
	spans := s.history[sel]
	if n := len(spans); n > 0 && spans[n-1].end == math.Inf(1) {
		spans[n-1].end = eff
	}
}

// matchedAt reports whether this session holds (or held) a subscription — wildcard or to
// channel — covering publishSeq.
func (s *Session) matchedAt(channel string, publishSeq float64) bool {
	for sel, spans := range s.history {
		if !sel.matches(channel) {
			continue
		}
		for _, iv := range spans {
			if iv.covers(publishSeq) {
				return true
			}
		}
	}
	return false
}

// enqueueDelivery inserts m into pending_delivery at the position required by the delivery
// order invariant: non-decreasing receive_seq, ties broken by (publisher, publish_seq).
func (s *Session) enqueueDelivery(m Message) {
	i := len(s.PendingDelivery)
	for i > 0 && less(m, s.PendingDelivery[i-1]) {
		i--
	}
	s.PendingDelivery = append(s.PendingDelivery, Message{})
	copy(s.PendingDelivery[i+1:], s.PendingDelivery[i:])
	s.PendingDelivery[i] = m
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

func (s *Session) enqueueOutbound(f wire.Frame) {
	if s.State == Closing || s.State == Dead {
		return
	}
	s.Outbound = append(s.Outbound, f)
}

// Flush drains and returns every queued outbound frame. Callers hand these to the transport in
// order.
func (s *Session) Flush() []wire.Frame {
	out := s.Outbound
	s.Outbound = nil
	return out
}

// Defer pushes frames that a transport-level budget (e.g. per-session bandwidth pacing) could
// not send this tick back onto the front of the outbound queue, ahead of anything enqueued since
// Flush. Order is preserved: the deferred frames are retried before any newer ones.
func (s *Session) Defer(frames []wire.Frame) {
	if len(frames) == 0 {
		return
	}
	s.Outbound = append(frames, s.Outbound...)
}

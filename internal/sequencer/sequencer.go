// Package sequencer implements the fabric's server-side core: the shared coordinator that
// holds every connected session, interleaves their publish/subscribe/advance intents onto a
// single total order, and arbitrates AdvanceGrant issuance against the global send frontier.
//
// A Sequencer is not safe for concurrent use. The cooperative concurrency model (one thread
// per endpoint, driven by a caller-owned work loop) means every Apply/Evict call must come
// from the same goroutine; the host binary's Fabric.Run (main.go) is the loop that drives it.
package sequencer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"seqfabric/internal/wire"
)

// ErrProtocolViolation marks a frame that violates a precondition of the operation table: a
// non-monotone sequence number, a publish whose receive_seq does not exceed its publish_seq,
// or any operation attempted before Hello. Fatal to the owning session.
var ErrProtocolViolation = errors.New("sequencer: protocol violation")

// EventKind classifies a state transition reported through Sequencer.Debug.
type EventKind string

const (
	EventPublish EventKind = "publish"
	EventDeliver EventKind = "deliver"
	EventGrant   EventKind = "grant"
)

// Event is a single observable state transition, reported to Sequencer.Debug when set. It
// carries enough detail for a trace recorder or a live critic to reconstruct the EventList
// described in spec.md §4.6/§8 without the sequencer knowing anything about either.
type Event struct {
	Kind       EventKind
	ClientID   ClientId
	PublishSeq float64
	ReceiveSeq float64
	Channel    string
	Payload    []byte
}

// Sequencer is the single authority for the fabric's total order.
type Sequencer struct {
	sessions []*Session
	byID     map[ClientId]*Session
	nextID   uint32

	// Debug, when set, is invoked for every publish, deliver, and grant transition. A nil hook
	// costs one check per transition; this is how the trace recorder and admin stats surface
	// (spec.md's ambient stack) stay off the sequencing hot path.
	Debug func(Event)
}

// New constructs an empty Sequencer.
func New() *Sequencer {
	return &Sequencer{
		byID:   make(map[ClientId]*Session),
		nextID: 1,
	}
}

// Register admits a new session in the Handshaking state. The caller (transport accept loop)
// owns its byte channel; the session gains a ClientId only once it sends Hello.
func (sq *Sequencer) Register() *Session {
	s := NewSession()
	sq.sessions = append(sq.sessions, s)
	return s
}

// Apply executes f's state transition against s. A returned error is always
// ErrProtocolViolation-wrapped and means s has been moved to Closing: the caller must stop
// reading from s's channel, flush any remaining Outbound frames (there will be none), release
// the channel, and call Evict once torn down.
func (sq *Sequencer) Apply(s *Session, f wire.Frame) error {
	if s.State == Closing || s.State == Dead {
		return nil
	}

	if f.Tag == wire.TagHello {
		if s.State != Handshaking {
			return sq.violate(s, "Hello received outside handshake")
		}
		id := ClientId(sq.nextID)
		sq.nextID++
		s.ID = id
		s.State = Active
		sq.byID[id] = s
		s.enqueueOutbound(wire.Frame{Tag: wire.TagHelloAck, ClientID: uint32(id), InitialSeq: KFirstSeqNum})
		sq.evaluateGrants()
		return nil
	}

	if s.State != Active {
		return sq.violate(s, "operation received before Hello")
	}

	switch f.Tag {
	case wire.TagSubscribe:
		if err := sq.applySubscribe(s, f, true); err != nil {
			return err
		}
	case wire.TagUnsubscribe:
		if err := sq.applySubscribe(s, f, false); err != nil {
			return err
		}
	case wire.TagPublish:
		if err := sq.applyPublish(s, f); err != nil {
			return err
		}
	case wire.TagClearToAdvance:
		if f.Seq < s.MinSendSeq {
			return sq.violate(s, "clear-to-advance regresses min_send_seq")
		}
		s.MinSendSeq = f.Seq
	case wire.TagRequestAdvance:
		if f.Seq < s.MinRecvSeq {
			return sq.violate(s, "request-advance regresses min_recv_seq")
		}
		seq := f.Seq
		s.PendingGrant = &seq
	case wire.TagDeliveryAck:
		s.MinRecvSeq = math.Max(s.MinRecvSeq, f.Seq)
	default:
		return sq.violate(s, "unexpected frame tag")
	}

	sq.evaluateGrants()
	return nil
}

func (sq *Sequencer) applySubscribe(s *Session, f wire.Frame, subscribing bool) error {
	if f.Eff < s.MinSendSeq {
		verb := "subscribe"
		if !subscribing {
			verb = "unsubscribe"
		}
		return sq.violate(s, fmt.Sprintf("%s eff precedes min_send_seq", verb))
	}
	sel := selectorFromFrame(f)
	eff := math.Max(f.Eff, sq.releaseFrontier())
	ackTag := wire.TagSubscribeAck
	if subscribing {
		s.subscribe(sel, eff)
	} else {
		s.unsubscribe(sel, eff)
		ackTag = wire.TagUnsubscribeAck
	}
	s.enqueueOutbound(wire.Frame{Tag: ackTag, Eff: eff})
	return nil
}

func (sq *Sequencer) applyPublish(s *Session, f wire.Frame) error {
	if f.PublishSeq < s.MinSendSeq {
		return sq.violate(s, "publish_seq precedes min_send_seq")
	}
	if f.ReceiveSeq <= f.PublishSeq {
		return sq.violate(s, "receive_seq does not exceed publish_seq")
	}
	s.MinSendSeq = f.PublishSeq
	m := Message{
		Publisher:  s.ID,
		PublishSeq: f.PublishSeq,
		ReceiveSeq: f.ReceiveSeq,
		Channel:    f.Channel,
		Payload:    f.Payload,
	}
	sq.debug(Event{Kind: EventPublish, ClientID: s.ID, PublishSeq: f.PublishSeq, ReceiveSeq: f.ReceiveSeq, Channel: f.Channel, Payload: f.Payload})
	for _, recipient := range sq.sessions {
		if recipient.State != Active {
			continue
		}
		if recipient.matchedAt(m.Channel, m.PublishSeq) {
			recipient.enqueueDelivery(m)
		}
	}
	return nil
}

func selectorFromFrame(f wire.Frame) Selector {
	if f.SelectorKind == wire.SelectorChannel {
		return ChannelSelector(f.Channel)
	}
	return Wildcard
}

// releaseFrontier returns G, the literal global frontier per spec.md §4.2: the minimum
// min_send_seq across every live session, the recipient included. Used both to bump a
// Subscribe/Unsubscribe's effective-from point and, in evaluateGrants, as the grant-safety
// bound for dispatch and AdvanceGrant issuance. The recipient must be included: a session
// subscribed to its own channel can still publish below a grant it was just issued, so only the
// global minimum — not one that excludes the recipient — keeps the dispatch argument ("no
// future publication can reach a receive_seq below G") sound.
func (sq *Sequencer) releaseFrontier() float64 {
	g := math.Inf(1)
	for _, s := range sq.sessions {
		if s.State != Active {
			continue
		}
		if s.MinSendSeq < g {
			g = s.MinSendSeq
		}
	}
	return g
}

// evaluateGrants recomputes, for every session with a pending grant request, its effective
// frontier, dispatches deliveries up to that frontier, and issues a (possibly partial)
// AdvanceGrant. Sessions are processed in ascending ClientId order so the observable trace is
// deterministic under arbitrary polling interleavings.
func (sq *Sequencer) evaluateGrants() {
	var pending []ClientId
	for _, s := range sq.sessions {
		if s.State == Active && s.PendingGrant != nil {
			pending = append(pending, s.ID)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	for _, id := range pending {
		s := sq.byID[id]
		g := sq.releaseFrontier()
		for len(s.PendingDelivery) > 0 && s.PendingDelivery[0].ReceiveSeq <= g {
			m := s.PendingDelivery[0]
			s.PendingDelivery = s.PendingDelivery[1:]
			s.enqueueOutbound(wire.Frame{
				Tag:        wire.TagDeliver,
				Publisher:  uint32(m.Publisher),
				PublishSeq: m.PublishSeq,
				ReceiveSeq: m.ReceiveSeq,
				Channel:    m.Channel,
				Payload:    m.Payload,
			})
			sq.debug(Event{Kind: EventDeliver, ClientID: id, PublishSeq: m.PublishSeq, ReceiveSeq: m.ReceiveSeq, Channel: m.Channel, Payload: m.Payload})
		}
		target := *s.PendingGrant
		grant := math.Min(target, g)
		if grant > s.MinRecvSeq {
			s.MinRecvSeq = grant
			s.enqueueOutbound(wire.Frame{Tag: wire.TagAdvanceGrant, Seq: grant})
			sq.debug(Event{Kind: EventGrant, ClientID: id, ReceiveSeq: grant})
		}
		if grant == target {
			s.PendingGrant = nil
		}
	}
}

func (sq *Sequencer) debug(e Event) {
	if sq.Debug != nil {
		sq.Debug(e)
	}
}

// violate moves s to Closing, discards its queued outbound frames (Closing flushes nothing
// further per the state machine), and returns the wrapped protocol error.
func (sq *Sequencer) violate(s *Session, reason string) error {
	s.State = Closing
	s.Outbound = nil
	return fmt.Errorf("%w: %s", ErrProtocolViolation, reason)
}

// Fail externally terminates a session — transport EOF, a malformed frame from the codec, or
// any other fatal condition the I/O loop detects outside of Apply.
func (sq *Sequencer) Fail(s *Session) {
	if s.State == Closing || s.State == Dead {
		return
	}
	s.State = Closing
	s.Outbound = nil
	sq.evaluateGrants()
}

// Evict finalises a Closing (or otherwise torn down) session: removes it from sequencer
// bookkeeping and recomputes grants, since the departing session's frontier may have been the
// binding constraint on G.
func (sq *Sequencer) Evict(s *Session) {
	s.State = Dead
	s.Outbound = nil
	s.PendingDelivery = nil
	if s.ID != 0 {
		delete(sq.byID, s.ID)
	}
	for i, sess := range sq.sessions {
		if sess == s {
			sq.sessions = append(sq.sessions[:i], sq.sessions[i+1:]...)
			break
		}
	}
	sq.evaluateGrants()
}

// Session looks up a session by its assigned ClientId.
func (sq *Sequencer) Session(id ClientId) (*Session, bool) {
	s, ok := sq.byID[id]
	return s, ok
}

// Sessions returns every session currently tracked, in registration order, regardless of
// state. Callers use this to drive the per-endpoint I/O loop (poll_inbound / flush).
func (sq *Sequencer) Sessions() []*Session {
	out := make([]*Session, len(sq.sessions))
	copy(out, sq.sessions)
	return out
}

// Package transport supplies the byte-channel implementations the spec treats as an external
// collaborator (§6): reliable, in-order, length-delimited frame delivery between two endpoints.
// Nothing here knows about sequencing semantics; a Channel only moves wire.Frame values.
package transport

import (
	"context"
	"errors"

	"seqfabric/internal/wire"
)

// ErrClosed is returned by Send/Recv once the channel has been closed locally or the remote
// end has gone away cleanly.
var ErrClosed = errors.New("transport: closed")

// Channel is the fabric's transport contract: deliver frames reliably, in order, without
// duplication, and signal ErrClosed on clean remote close. Both the sequencer's session loop
// and the client library's Transport are driven through this interface.
type Channel interface {
	Send(ctx context.Context, f wire.Frame) error
	Recv(ctx context.Context) (wire.Frame, error)
	Close() error
}

// Listener is the server-side accept abstraction: its only operation hands the sequencer a
// freshly connected Channel.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Close() error
}

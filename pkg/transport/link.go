// Package transport defines the link the mesh runs over.
//
// A Link moves opaque frames between one-hop neighbours. It knows nothing of
// packets, relaying or encryption. MemoryLink connects nodes inside one
// process for tests; P2PLink carries frames over libp2p streams so a node can
// run on IP where no short-range radio is available.
package transport

import (
	"context"
	"errors"
)

// DefaultMTU is the frame size used when none is configured
const DefaultMTU = 512

var (
	ErrClosed        = errors.New("link closed")
	ErrUnknownPeer   = errors.New("peer not connected")
	ErrFrameTooLarge = errors.New("frame exceeds link MTU")
)

// Frame is one transmission received from a neighbour
type Frame struct {
	From string
	Data []byte
}

// Link is a one-hop broadcast medium
type Link interface {
	// Send transmits frame to one neighbour
	Send(ctx context.Context, peer string, frame []byte) error

	// Broadcast transmits frame to every neighbour except the named one
	Broadcast(ctx context.Context, frame []byte, except string) error

	// Peers lists the current neighbours
	Peers() []string

	// MTU is the largest frame Send accepts
	MTU() int

	// Inbound delivers received frames. It is never closed.
	Inbound() <-chan Frame

	Close() error
}

package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

const memoryInboundBuffer = 1024

var _ Link = (*MemoryLink)(nil)

// MemoryNetwork is an in-process topology of MemoryLinks. Edges are
// undirected and set explicitly, so tests can build lines, stars and meshes.
type MemoryNetwork struct {
	mu    sync.RWMutex
	mtu   int
	links map[string]*MemoryLink
	edges map[string]map[string]bool
}

// NewMemoryNetwork creates an empty network whose links share one MTU
func NewMemoryNetwork(mtu int) *MemoryNetwork {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &MemoryNetwork{
		mtu:   mtu,
		links: make(map[string]*MemoryLink),
		edges: make(map[string]map[string]bool),
	}
}

// Join adds a link with the given address, or returns the existing one
func (n *MemoryNetwork) Join(addr string) *MemoryLink {
	n.mu.Lock()
	defer n.mu.Unlock()

	if l, ok := n.links[addr]; ok {
		return l
	}
	l := &MemoryLink{
		addr:    addr,
		network: n,
		inbound: make(chan Frame, memoryInboundBuffer),
		done:    make(chan struct{}),
	}
	n.links[addr] = l
	n.edges[addr] = make(map[string]bool)
	return l
}

// Connect makes a and b neighbours
func (n *MemoryNetwork) Connect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.edges[a] == nil || n.edges[b] == nil || a == b {
		return
	}
	n.edges[a][b] = true
	n.edges[b][a] = true
}

// Disconnect removes the edge between a and b
func (n *MemoryNetwork) Disconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.edges[a], b)
	delete(n.edges[b], a)
}

func (n *MemoryNetwork) neighbours(addr string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.edges[addr]))
	for peer := range n.edges[addr] {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

func (n *MemoryNetwork) target(from, to string) (*MemoryLink, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.edges[from][to] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	return n.links[to], nil
}

func (n *MemoryNetwork) leave(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for peer := range n.edges[addr] {
		delete(n.edges[peer], addr)
	}
	delete(n.edges, addr)
	delete(n.links, addr)
}

// MemoryLink is one node's attachment to a MemoryNetwork
type MemoryLink struct {
	addr    string
	network *MemoryNetwork
	inbound chan Frame
	done    chan struct{}
	once    sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Addr returns the link address
func (l *MemoryLink) Addr() string {
	return l.addr
}

// Send delivers a copy of frame to a neighbour. Like a radio, a receiver
// whose queue is full loses the frame.
func (l *MemoryLink) Send(ctx context.Context, peer string, frame []byte) error {
	if err := l.checkSend(ctx, frame); err != nil {
		return err
	}
	dst, err := l.network.target(l.addr, peer)
	if err != nil {
		return err
	}
	l.deliver(dst, frame)
	return nil
}

// Broadcast delivers frame to every neighbour except one
func (l *MemoryLink) Broadcast(ctx context.Context, frame []byte, except string) error {
	if err := l.checkSend(ctx, frame); err != nil {
		return err
	}
	for _, peer := range l.network.neighbours(l.addr) {
		if peer == except {
			continue
		}
		if dst, err := l.network.target(l.addr, peer); err == nil {
			l.deliver(dst, frame)
		}
	}
	return nil
}

func (l *MemoryLink) checkSend(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if len(frame) > l.network.mtu {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), l.network.mtu)
	}
	return nil
}

func (l *MemoryLink) deliver(dst *MemoryLink, frame []byte) {
	f := Frame{From: l.addr, Data: append([]byte(nil), frame...)}
	select {
	case <-dst.done:
	case dst.inbound <- f:
		l.sent.Add(1)
	default:
		l.dropped.Add(1)
	}
}

// Peers lists the neighbours of this link
func (l *MemoryLink) Peers() []string {
	return l.network.neighbours(l.addr)
}

// MTU returns the network MTU
func (l *MemoryLink) MTU() int {
	return l.network.mtu
}

// Inbound returns the receive queue
func (l *MemoryLink) Inbound() <-chan Frame {
	return l.inbound
}

// Sent returns how many frames were queued at a neighbour
func (l *MemoryLink) Sent() uint64 {
	return l.sent.Load()
}

// Dropped returns how many frames were lost to full queues
func (l *MemoryLink) Dropped() uint64 {
	return l.dropped.Load()
}

// Close detaches the link from the network
func (l *MemoryLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.leave(l.addr)
	})
	return nil
}

package transport

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// ProtocolID is the libp2p protocol carrying mesh frames
const ProtocolID = protocol.ID("/zentalk-mesh/frame/1.0.0")

const p2pInboundBuffer = 1024

var _ Link = (*P2PLink)(nil)

// P2PConfig configures a P2PLink
type P2PConfig struct {
	// ListenAddrs are multiaddrs such as /ip4/0.0.0.0/tcp/4001
	ListenAddrs []string

	// Bootstrap are full peer multiaddrs ending in /p2p/<id>
	Bootstrap []string

	MTU int

	// SigningKey is used as the libp2p host identity. A fresh key is
	// generated when nil.
	SigningKey ed25519.PrivateKey
}

// p2pStream is an outgoing stream to one neighbour
type p2pStream struct {
	mu sync.Mutex
	s  network.Stream
	w  *bufio.Writer
}

// P2PLink runs the mesh link over libp2p. Every neighbour gets one
// long-lived outgoing stream; each frame is written as a 2-byte big-endian
// length followed by the frame.
type P2PLink struct {
	host    host.Host
	mtu     int
	inbound chan Frame
	logger  *zap.Logger

	mu      sync.Mutex
	streams map[peer.ID]*p2pStream

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewP2PLink starts a libp2p host and connects to the bootstrap peers
func NewP2PLink(ctx context.Context, cfg P2PConfig, logger *zap.Logger) (*P2PLink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	var priv p2pcrypto.PrivKey
	var err error
	if cfg.SigningKey != nil {
		priv, err = p2pcrypto.UnmarshalEd25519PrivateKey(cfg.SigningKey)
	} else {
		priv, _, err = p2pcrypto.GenerateEd25519Key(rand.Reader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to prepare host key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	linkCtx, cancel := context.WithCancel(ctx)
	l := &P2PLink{
		host:    h,
		mtu:     cfg.MTU,
		inbound: make(chan Frame, p2pInboundBuffer),
		logger:  logger,
		streams: make(map[peer.ID]*p2pStream),
		ctx:     linkCtx,
		cancel:  cancel,
	}
	h.SetStreamHandler(ProtocolID, l.handleStream)

	for _, addr := range cfg.Bootstrap {
		if err := l.Connect(ctx, addr); err != nil {
			logger.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}

	return l, nil
}

// ID returns the libp2p peer ID of the host
func (l *P2PLink) ID() string {
	return l.host.ID().String()
}

// Addrs returns the full multiaddrs other nodes can bootstrap from
func (l *P2PLink) Addrs() []string {
	suffix, err := multiaddr.NewMultiaddr("/p2p/" + l.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(l.host.Addrs()))
	for _, addr := range l.host.Addrs() {
		out = append(out, addr.Encapsulate(suffix).String())
	}
	return out
}

// Connect dials a peer given its full multiaddr
func (l *P2PLink) Connect(ctx context.Context, peerAddr string) error {
	maddr, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer info: %w", err)
	}

	if err := l.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	l.logger.Info("connected to peer", zap.String("peer", info.ID.String()))
	return nil
}

func (l *P2PLink) handleStream(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer().String()
	r := bufio.NewReader(s)
	var lenBuf [2]byte

	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Debug("stream read failed", zap.String("peer", from), zap.Error(err))
			}
			return
		}

		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n > l.mtu {
			l.logger.Debug("oversized frame, resetting stream", zap.String("peer", from), zap.Int("size", n))
			s.Reset()
			return
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}

		select {
		case l.inbound <- Frame{From: from, Data: data}:
		case <-l.ctx.Done():
			return
		}
	}
}

// Send writes frame to one connected neighbour
func (l *P2PLink) Send(ctx context.Context, peerStr string, frame []byte) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	if len(frame) > l.mtu {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), l.mtu)
	}

	pid, err := peer.Decode(peerStr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}
	if l.host.Network().Connectedness(pid) != network.Connected {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerStr)
	}

	ps, err := l.stream(ctx, pid)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(frame)))
	if _, err = ps.w.Write(lenBuf[:]); err == nil {
		if _, err = ps.w.Write(frame); err == nil {
			err = ps.w.Flush()
		}
	}
	if err != nil {
		l.dropStream(pid, ps)
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Broadcast writes frame to every neighbour except one
func (l *P2PLink) Broadcast(ctx context.Context, frame []byte, except string) error {
	var errs []error
	for _, p := range l.Peers() {
		if p == except {
			continue
		}
		if err := l.Send(ctx, p, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stream returns the outgoing stream to pid, opening one if needed. The
// dial runs without l.mu so a slow neighbour does not hold up the others.
func (l *P2PLink) stream(ctx context.Context, pid peer.ID) (*p2pStream, error) {
	l.mu.Lock()
	ps, ok := l.streams[pid]
	l.mu.Unlock()
	if ok {
		return ps, nil
	}

	s, err := l.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		s.Reset()
		return nil, ErrClosed
	}
	if existing, ok := l.streams[pid]; ok {
		// Another sender won the race
		s.Close()
		return existing, nil
	}
	ps = &p2pStream{s: s, w: bufio.NewWriter(s)}
	l.streams[pid] = ps
	return ps, nil
}

func (l *P2PLink) dropStream(pid peer.ID, ps *p2pStream) {
	l.mu.Lock()
	if l.streams[pid] == ps {
		delete(l.streams, pid)
	}
	l.mu.Unlock()
	ps.s.Reset()
}

// Peers lists connected libp2p peers
func (l *P2PLink) Peers() []string {
	conns := l.host.Network().Peers()
	out := make([]string, 0, len(conns))
	for _, p := range conns {
		out = append(out, p.String())
	}
	return out
}

// MTU returns the configured frame limit
func (l *P2PLink) MTU() int {
	return l.mtu
}

// Inbound returns the receive queue
func (l *P2PLink) Inbound() <-chan Frame {
	return l.inbound
}

// Close shuts down the host
func (l *P2PLink) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		l.mu.Lock()
		for pid, ps := range l.streams {
			ps.s.Close()
			delete(l.streams, pid)
		}
		l.mu.Unlock()
		err = l.host.Close()
	})
	return err
}

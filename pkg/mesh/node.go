// Package mesh runs a mesh node on top of a transport link.
//
// A Node owns the codec, fragmentation, relay policy and Noise sessions.
// Every frame heard on the link is decoded, deduplicated, offered to the
// relay controller and, when it concerns this node, delivered: announces
// update the peer table, handshakes advance the Noise session, encrypted
// packets are decrypted and handed to the application handler.
package mesh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/fragment"
	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/relay"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

var (
	ErrClosed          = errors.New("node closed")
	ErrInvalidPeerID   = errors.New("invalid peer id")
	ErrNotDeliverable  = errors.New("message type cannot be sent by the application")
	ErrPendingFull     = errors.New("pending queue full")
	ErrIdentityMissing = errors.New("identity required")
)

// Message is an application message delivered to the handler
type Message struct {
	From      []byte
	Type      protocol.MessageType
	Payload   []byte
	Timestamp time.Time

	// Private is set for messages that arrived inside a Noise session
	Private bool

	// Verified is set when the sender is authenticated, either by the Noise
	// session or by a signature from an announced signing key
	Verified bool
}

// Handler receives application messages. It runs on the node's receive
// goroutine and should return quickly.
type Handler func(msg Message)

// PeerInfo describes a peer learned from its announces
type PeerInfo struct {
	ID          string    `json:"id"`
	Nickname    string    `json:"nickname,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Via         string    `json:"via"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Session     string    `json:"session"`
}

// Stats is a snapshot of node counters
type Stats struct {
	Received          uint64         `json:"received"`
	Malformed         uint64         `json:"malformed"`
	Duplicates        uint64         `json:"duplicates"`
	Delivered         uint64         `json:"delivered"`
	Relayed           uint64         `json:"relayed"`
	Sent              uint64         `json:"sent"`
	SignatureFailures uint64         `json:"signature_failures"`
	DecryptFailures   uint64         `json:"decrypt_failures"`
	Rehandshakes      uint64         `json:"rehandshakes"`
	Peers             int            `json:"peers"`
	Neighbours        int            `json:"neighbours"`
	Sessions          int            `json:"sessions"`
	Fragments         fragment.Stats `json:"fragments"`
}

type counters struct {
	received          atomic.Uint64
	malformed         atomic.Uint64
	duplicates        atomic.Uint64
	delivered         atomic.Uint64
	relayed           atomic.Uint64
	sent              atomic.Uint64
	signatureFailures atomic.Uint64
	decryptFailures   atomic.Uint64
	rehandshakes      atomic.Uint64
}

type peerState struct {
	noiseStatic [noise.KeySize]byte
	signingKey  ed25519.PublicKey
	nickname    string
	via         string
	firstSeen   time.Time
	lastSeen    time.Time
}

// Node is a mesh participant
type Node struct {
	id      *crypto.Identity
	self    []byte
	selfHex string
	link    transport.Link
	cfg     Config
	logger  *zap.Logger
	handler Handler
	dedup   Deduplicator
	now     func() time.Time

	sessions    *noise.Manager
	reassembler *fragment.Reassembler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	peers    map[string]*peerState
	pending  map[string][][]byte
	failures map[string]int
	timers   map[*time.Timer]struct{}
	closed   bool

	stats counters
}

// Option configures a Node
type Option func(*Node)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithHandler sets the application message handler
func WithHandler(h Handler) Option {
	return func(n *Node) { n.handler = h }
}

// WithDeduplicator replaces the default LRU deduplicator
func WithDeduplicator(d Deduplicator) Option {
	return func(n *Node) { n.dedup = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// New creates a node for id on link. Call Run to start processing.
func New(id *crypto.Identity, link transport.Link, cfg Config, opts ...Option) (*Node, error) {
	if id == nil {
		return nil, ErrIdentityMissing
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mesh config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:       id,
		self:     id.PeerID(),
		link:     link,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]*peerState),
		pending:  make(map[string][][]byte),
		failures: make(map[string]int),
		timers:   make(map[*time.Timer]struct{}),
	}
	n.selfHex = hex.EncodeToString(n.self)
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("node", n.selfHex))

	if n.dedup == nil {
		d, err := NewLRUDeduplicator(cfg.DedupSize)
		if err != nil {
			cancel()
			return nil, err
		}
		n.dedup = d
	}

	n.sessions = noise.NewManager(id.Noise,
		noise.WithLogger(n.logger),
		noise.WithClock(n.now),
		noise.WithOnEstablished(n.onEstablished),
	)
	n.reassembler = fragment.NewReassembler(append(cfg.Fragment.options(),
		fragment.WithLogger(n.logger),
		fragment.WithClock(n.now),
	)...)

	return n, nil
}

// ID returns the 8-byte peer ID of this node
func (n *Node) ID() []byte {
	return append([]byte(nil), n.self...)
}

// IDString returns the hex peer ID of this node
func (n *Node) IDString() string {
	return n.selfHex
}

// Fingerprint returns the fingerprint of the node's static key
func (n *Node) Fingerprint() string {
	return n.id.Fingerprint()
}

// Run processes inbound frames and periodic work until ctx is cancelled or
// the node is closed
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.reassembler.Run(ctx)
	}()
	defer wg.Wait()

	var announceC <-chan time.Time
	if n.cfg.AnnounceInterval > 0 {
		t := time.NewTicker(n.cfg.AnnounceInterval)
		defer t.Stop()
		announceC = t.C
	}

	maintenance := time.NewTicker(n.maintenanceInterval())
	defer maintenance.Stop()

	n.logger.Info("mesh node running",
		zap.String("fingerprint", n.Fingerprint()),
		zap.Int("mtu", n.link.MTU()))

	if err := n.Announce(ctx); err != nil {
		n.logger.Warn("initial announce failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-n.link.Inbound():
			n.handleFrame(f)
		case <-announceC:
			if err := n.Announce(ctx); err != nil {
				n.logger.Debug("announce failed", zap.Error(err))
			}
		case <-maintenance.C:
			n.maintain()
		}
	}
}

func (n *Node) maintenanceInterval() time.Duration {
	d := n.cfg.HandshakeTimeout / 2
	if d <= 0 || d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// Close broadcasts a leave, stops pending relays and detaches from the link
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.sendSigned(ctx, protocol.MsgTypeLeave, nil); err != nil {
		n.logger.Debug("leave not sent", zap.Error(err))
	}

	n.mu.Lock()
	n.closed = true
	for t := range n.timers {
		t.Stop()
	}
	n.timers = make(map[*time.Timer]struct{})
	n.mu.Unlock()

	for _, s := range n.sessions.Sessions() {
		n.sessions.RemoveSession(s.Peer)
	}
	n.cancel()
	n.logger.Info("mesh node closed")
	return n.link.Close()
}

// ===== OUTBOUND =====

// Announce broadcasts the node's keys and nickname
func (n *Node) Announce(ctx context.Context) error {
	a := &announce{
		NoiseStatic: n.id.Noise.Public,
		SigningKey:  n.id.SigningPublic(),
		Nickname:    n.cfg.Nickname,
	}
	return n.sendSigned(ctx, protocol.MsgTypeAnnounce, a.encode())
}

// Broadcast sends a public message to the whole mesh
func (n *Node) Broadcast(ctx context.Context, payload []byte) error {
	return n.Publish(ctx, protocol.MsgTypeMessage, payload)
}

// Publish floods an application payload of the given type to the whole mesh
func (n *Node) Publish(ctx context.Context, typ protocol.MessageType, payload []byte) error {
	if !applicationType(typ) {
		return fmt.Errorf("%w: %s", ErrNotDeliverable, typ)
	}
	if n.cfg.SignBroadcasts {
		return n.sendSigned(ctx, typ, payload)
	}
	return n.send(ctx, n.newPacket(typ, payload))
}

// SendPrivate encrypts payload for one peer. Without an established
// session the payload is queued and a handshake is started; it is sent once
// the session is up.
func (n *Node) SendPrivate(ctx context.Context, peerID []byte, typ protocol.MessageType, payload []byte) error {
	if !applicationType(typ) {
		return fmt.Errorf("%w: %s", ErrNotDeliverable, typ)
	}
	peer, err := peerKey(peerID)
	if err != nil {
		return err
	}
	if peer == n.selfHex {
		return fmt.Errorf("%w: cannot send to self", ErrInvalidPeerID)
	}

	plaintext := make([]byte, 0, 1+len(payload))
	plaintext = append(plaintext, byte(typ))
	plaintext = append(plaintext, payload...)

	if n.sessions.HasEstablishedSession(peer) {
		return n.sendEncrypted(ctx, peer, plaintext)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if len(n.pending[peer]) >= n.cfg.PendingPerPeer {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPendingFull, shortID(peer))
	}
	n.pending[peer] = append(n.pending[peer], plaintext)
	n.mu.Unlock()

	err = n.startHandshake(ctx, peer)
	switch {
	case errors.Is(err, noise.ErrHandshakeInProgress):
		return nil
	case errors.Is(err, noise.ErrSessionExists):
		n.flushPending(ctx, peer)
		return nil
	}
	return err
}

// Handshake starts a Noise handshake with a peer
func (n *Node) Handshake(ctx context.Context, peerID []byte) error {
	peer, err := peerKey(peerID)
	if err != nil {
		return err
	}
	return n.startHandshake(ctx, peer)
}

func (n *Node) startHandshake(ctx context.Context, peer string) error {
	msg, err := n.sessions.InitiateHandshake(peer)
	if err != nil {
		return err
	}
	return n.sendHandshake(ctx, peer, msg)
}

func (n *Node) sendHandshake(ctx context.Context, peer string, msg []byte) error {
	p := n.newPacket(protocol.MsgTypeNoiseHandshake, msg)
	p.RecipientID, _ = hex.DecodeString(peer)
	return n.send(ctx, p)
}

func (n *Node) sendEncrypted(ctx context.Context, peer string, plaintext []byte) error {
	ct, err := n.sessions.Encrypt(plaintext, peer)
	if err != nil {
		return err
	}
	p := n.newPacket(protocol.MsgTypeNoiseEncrypted, ct)
	p.RecipientID, _ = hex.DecodeString(peer)
	return n.send(ctx, p)
}

func (n *Node) flushPending(ctx context.Context, peer string) {
	n.mu.Lock()
	queued := n.pending[peer]
	delete(n.pending, peer)
	n.mu.Unlock()

	for i, plaintext := range queued {
		if err := n.sendEncrypted(ctx, peer, plaintext); err != nil {
			n.logger.Warn("pending private message dropped",
				zap.String("peer", shortID(peer)),
				zap.Int("dropped", len(queued)-i),
				zap.Error(err))
			return
		}
	}
	if len(queued) > 0 {
		n.logger.Debug("pending private messages sent",
			zap.String("peer", shortID(peer)), zap.Int("count", len(queued)))
	}
}

func (n *Node) newPacket(typ protocol.MessageType, payload []byte) *protocol.Packet {
	p := protocol.NewPacket(typ, n.self, payload)
	p.Version = n.cfg.Version
	p.TTL = n.cfg.TTL
	p.Timestamp = uint64(n.now().UnixMilli())
	return p
}

func (n *Node) sendSigned(ctx context.Context, typ protocol.MessageType, payload []byte) error {
	p := n.newPacket(typ, payload)
	if err := protocol.Sign(p, n.id.Signing); err != nil {
		return err
	}
	return n.send(ctx, p)
}

// send floods a locally originated packet
func (n *Node) send(ctx context.Context, p *protocol.Packet) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}

	// Echoes from neighbours are then recognised as duplicates
	if id, err := PacketID(p); err == nil {
		n.dedup.Seen(id)
	}

	frames, err := n.frames(p)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := n.link.Broadcast(ctx, f, ""); err != nil {
			return fmt.Errorf("failed to send %s: %w", p.Type, err)
		}
		n.stats.sent.Add(1)
	}
	return nil
}

// frames encodes p for the link, fragmenting when it exceeds the MTU
func (n *Node) frames(p *protocol.Packet) ([][]byte, error) {
	mtu := n.link.MTU()
	frame, err := n.encode(p, mtu)
	if err != nil {
		return nil, err
	}
	if len(frame) <= mtu {
		return [][]byte{frame}, nil
	}

	parts, err := fragment.Fragment(p, fragment.ChunkSizeForMTU(mtu, p.IsDirected()))
	if err != nil {
		return nil, fmt.Errorf("failed to fragment %s: %w", p.Type, err)
	}
	out := make([][]byte, 0, len(parts))
	for _, part := range parts {
		f, err := n.encode(part, mtu)
		if err != nil {
			return nil, err
		}
		if len(f) > mtu {
			return nil, fmt.Errorf("%w: fragment of %d bytes", transport.ErrFrameTooLarge, len(f))
		}
		out = append(out, f)
	}
	n.logger.Debug("packet fragmented",
		zap.Stringer("type", p.Type), zap.Int("fragments", len(out)))
	return out, nil
}

// encode pads when configured and the padded frame still fits the MTU
func (n *Node) encode(p *protocol.Packet, mtu int) ([]byte, error) {
	if n.cfg.Padding {
		if f, err := protocol.Encode(p, true); err == nil && len(f) <= mtu {
			return f, nil
		}
	}
	return protocol.Encode(p, false)
}

// ===== INBOUND =====

func (n *Node) handleFrame(f transport.Frame) {
	p, err := protocol.DecodeErr(f.Data)
	if err != nil {
		n.stats.malformed.Add(1)
		n.logger.Debug("malformed frame dropped", zap.String("from", f.From), zap.Error(err))
		return
	}
	n.handlePacket(p, f.From)
}

func (n *Node) handlePacket(p *protocol.Packet, from string) {
	n.stats.received.Add(1)

	if bytes.Equal(p.SenderID, n.self) {
		n.stats.duplicates.Add(1)
		return
	}

	id, err := PacketID(p)
	if err != nil {
		n.stats.malformed.Add(1)
		return
	}
	if n.dedup.Seen(id) {
		n.stats.duplicates.Add(1)
		return
	}

	forUs := !p.IsDirected() || bytes.Equal(p.RecipientID, n.self)
	if !(forUs && p.IsDirected()) {
		n.maybeRelay(p, from)
	}
	if forUs {
		n.deliver(p, from)
	}
}

func (n *Node) maybeRelay(p *protocol.Packet, from string) {
	degree := len(n.link.Peers())
	if n.relayTargets(from) == 0 {
		return
	}

	encrypted := p.Type == protocol.MsgTypeNoiseEncrypted
	isFragment := p.Type == protocol.MsgTypeFragment

	d := n.cfg.Relay.Decide(relay.Input{
		TTL:                 p.TTL,
		SenderIsSelf:        bytes.Equal(p.SenderID, n.self),
		IsEncrypted:         encrypted,
		IsDirectedEncrypted: encrypted && p.IsDirected(),
		IsFragment:          isFragment,
		IsDirectedFragment:  isFragment && p.IsDirected(),
		IsHandshake:         p.Type == protocol.MsgTypeNoiseHandshake,
		IsAnnounce:          p.Type == protocol.MsgTypeAnnounce,
		Degree:              degree,
	})
	if !d.ShouldRelay {
		return
	}

	fwd := p.Clone()
	fwd.TTL = d.NewTTL

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d.Delay, func() {
		n.mu.Lock()
		delete(n.timers, t)
		closed := n.closed
		n.mu.Unlock()
		if !closed {
			n.forward(fwd, from)
		}
	})
	n.timers[t] = struct{}{}
}

// forward rebroadcasts a relayed packet to every neighbour but the one it
// came from
func (n *Node) forward(p *protocol.Packet, from string) {
	if n.relayTargets(from) == 0 {
		return
	}
	frame, err := n.encode(p, n.link.MTU())
	if err != nil || len(frame) > n.link.MTU() {
		n.logger.Debug("relay frame not encodable", zap.Stringer("type", p.Type), zap.Error(err))
		return
	}
	if err := n.link.Broadcast(n.ctx, frame, from); err != nil {
		n.logger.Debug("relay failed", zap.Stringer("type", p.Type), zap.Error(err))
		return
	}
	n.stats.relayed.Add(1)
}

// relayTargets counts the neighbours a relay from the given neighbour would reach
func (n *Node) relayTargets(from string) int {
	count := 0
	for _, peer := range n.link.Peers() {
		if peer != from {
			count++
		}
	}
	return count
}

func (n *Node) deliver(p *protocol.Packet, from string) {
	switch p.Type {
	case protocol.MsgTypeFragment:
		whole := n.reassembler.Ingest(p, from)
		if whole == nil || whole.Type == protocol.MsgTypeFragment {
			return
		}
		if whole.IsDirected() && !bytes.Equal(whole.RecipientID, n.self) {
			return
		}
		n.deliver(whole, from)
	case protocol.MsgTypeAnnounce:
		n.handleAnnounce(p, from)
	case protocol.MsgTypeLeave:
		n.handleLeave(p)
	case protocol.MsgTypeNoiseHandshake:
		n.handleHandshake(p)
	case protocol.MsgTypeNoiseEncrypted:
		n.handleEncrypted(p)
	case protocol.MsgTypeMessage, protocol.MsgTypeRequestSync, protocol.MsgTypeFileTransfer:
		n.handlePublic(p)
	}
}

func (n *Node) handleAnnounce(p *protocol.Packet, from string) {
	a, err := decodeAnnounce(p.Payload)
	if err != nil {
		n.stats.malformed.Add(1)
		return
	}
	if !crypto.VerifyPeerID(a.NoiseStatic[:], p.SenderID) ||
		!protocol.Verify(p, a.SigningKey) {
		n.stats.signatureFailures.Add(1)
		n.logger.Debug("announce rejected", zap.String("sender", hex.EncodeToString(p.SenderID)))
		return
	}

	peer := hex.EncodeToString(p.SenderID)
	now := n.now()

	n.mu.Lock()
	ps, known := n.peers[peer]
	if !known {
		ps = &peerState{firstSeen: now}
		n.peers[peer] = ps
	}
	ps.noiseStatic = a.NoiseStatic
	ps.signingKey = a.SigningKey
	ps.nickname = a.Nickname
	ps.via = from
	ps.lastSeen = now
	n.mu.Unlock()

	if !known {
		n.logger.Info("peer discovered",
			zap.String("peer", shortID(peer)),
			zap.String("nickname", a.Nickname),
			zap.String("via", from))
	}
}

func (n *Node) handleLeave(p *protocol.Packet) {
	peer := hex.EncodeToString(p.SenderID)

	n.mu.Lock()
	ps, ok := n.peers[peer]
	if !ok || !protocol.Verify(p, ps.signingKey) {
		n.mu.Unlock()
		if ok {
			n.stats.signatureFailures.Add(1)
		}
		return
	}
	delete(n.peers, peer)
	delete(n.pending, peer)
	delete(n.failures, peer)
	n.mu.Unlock()

	n.sessions.RemoveSession(peer)
	n.logger.Info("peer left", zap.String("peer", shortID(peer)))
}

func (n *Node) handleHandshake(p *protocol.Packet) {
	peer := hex.EncodeToString(p.SenderID)

	reply, err := n.sessions.HandleIncomingHandshake(peer, p.Payload)
	if err != nil {
		return
	}
	if reply != nil {
		if err := n.sendHandshake(n.ctx, peer, reply); err != nil {
			n.logger.Debug("handshake reply not sent", zap.String("peer", shortID(peer)), zap.Error(err))
			return
		}
	}
	if n.sessions.HasEstablishedSession(peer) {
		n.flushPending(n.ctx, peer)
	}
}

// onEstablished binds the session to the peer ID it was opened for
func (n *Node) onEstablished(peer string, remoteStatic [noise.KeySize]byte) {
	want, _ := hex.DecodeString(peer)
	ok := crypto.VerifyPeerID(remoteStatic[:], want)

	n.mu.Lock()
	if ps, known := n.peers[peer]; known && ps.noiseStatic != remoteStatic {
		ok = false
	}
	if ok {
		delete(n.failures, peer)
	} else {
		delete(n.pending, peer)
	}
	n.mu.Unlock()

	if !ok {
		n.sessions.RemoveSession(peer)
		n.logger.Warn("session static key does not match peer id", zap.String("peer", shortID(peer)))
	}
}

func (n *Node) handleEncrypted(p *protocol.Packet) {
	peer := hex.EncodeToString(p.SenderID)

	plaintext, err := n.sessions.Decrypt(p.Payload, peer)
	if err != nil {
		n.decryptFailed(peer, err)
		return
	}

	n.mu.Lock()
	delete(n.failures, peer)
	n.mu.Unlock()

	if len(plaintext) == 0 || !applicationType(protocol.MessageType(plaintext[0])) {
		n.stats.malformed.Add(1)
		return
	}
	n.dispatch(Message{
		From:      append([]byte(nil), p.SenderID...),
		Type:      protocol.MessageType(plaintext[0]),
		Payload:   plaintext[1:],
		Timestamp: time.UnixMilli(int64(p.Timestamp)),
		Private:   true,
		Verified:  true,
	})
}

// decryptFailed counts a failure and rebuilds the session once the peer has
// failed often enough. A handshake already running is left alone.
func (n *Node) decryptFailed(peer string, err error) {
	n.stats.decryptFailures.Add(1)
	n.logger.Debug("decrypt failed", zap.String("peer", shortID(peer)), zap.Error(err))

	if n.cfg.RehandshakeAfterFailures == 0 {
		return
	}

	n.mu.Lock()
	n.failures[peer]++
	due := n.failures[peer] >= n.cfg.RehandshakeAfterFailures
	if due {
		delete(n.failures, peer)
	}
	n.mu.Unlock()
	if !due {
		return
	}

	switch n.sessions.State(peer) {
	case noise.StateInitiated, noise.StateResponded:
		return
	}
	n.sessions.RemoveSession(peer)
	n.stats.rehandshakes.Add(1)
	n.logger.Info("rebuilding session after decrypt failures", zap.String("peer", shortID(peer)))
	if err := n.startHandshake(n.ctx, peer); err != nil {
		n.logger.Debug("rehandshake not sent", zap.String("peer", shortID(peer)), zap.Error(err))
	}
}

func (n *Node) handlePublic(p *protocol.Packet) {
	peer := hex.EncodeToString(p.SenderID)

	n.mu.Lock()
	var signingKey ed25519.PublicKey
	if ps, ok := n.peers[peer]; ok {
		signingKey = ps.signingKey
	}
	n.mu.Unlock()

	verified := false
	if signingKey != nil && len(p.Signature) > 0 {
		if !protocol.Verify(p, signingKey) {
			n.stats.signatureFailures.Add(1)
			n.logger.Debug("bad signature", zap.String("peer", shortID(peer)), zap.Stringer("type", p.Type))
			return
		}
		verified = true
	}

	n.dispatch(Message{
		From:      append([]byte(nil), p.SenderID...),
		Type:      p.Type,
		Payload:   p.Payload,
		Timestamp: time.UnixMilli(int64(p.Timestamp)),
		Verified:  verified,
	})
}

func (n *Node) dispatch(msg Message) {
	n.stats.delivered.Add(1)
	if n.handler != nil {
		n.handler(msg)
	}
}

// ===== MAINTENANCE =====

// maintain drops stale handshakes, the messages queued behind them, and
// peers that stopped announcing
func (n *Node) maintain() {
	if n.cfg.HandshakeTimeout > 0 {
		if dropped := n.sessions.SweepStale(n.cfg.HandshakeTimeout); dropped > 0 {
			n.logger.Debug("stale handshakes dropped", zap.Int("count", dropped))
		}
	}

	now := n.now()
	var gone []string

	n.mu.Lock()
	for peer := range n.pending {
		if n.sessions.State(peer) == noise.StateNone {
			delete(n.pending, peer)
		}
	}
	if n.cfg.PeerTimeout > 0 {
		for peer, ps := range n.peers {
			if now.Sub(ps.lastSeen) > n.cfg.PeerTimeout {
				delete(n.peers, peer)
				gone = append(gone, peer)
			}
		}
	}
	n.mu.Unlock()

	for _, peer := range gone {
		n.logger.Info("peer expired", zap.String("peer", shortID(peer)))
	}
}

// ===== QUERIES =====

// Peers returns the announced peers sorted by ID
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	out := make([]PeerInfo, 0, len(n.peers))
	for id, ps := range n.peers {
		out = append(out, PeerInfo{
			ID:          id,
			Nickname:    ps.nickname,
			Fingerprint: crypto.Fingerprint(ps.noiseStatic[:]),
			Via:         ps.via,
			FirstSeen:   ps.firstSeen,
			LastSeen:    ps.lastSeen,
		})
	}
	n.mu.Unlock()

	for i := range out {
		out[i].Session = n.sessions.State(out[i].ID).String()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns the Noise sessions
func (n *Node) Sessions() []noise.SessionInfo {
	return n.sessions.Sessions()
}

// SessionState returns the Noise session state with a peer
func (n *Node) SessionState(peerID []byte) noise.State {
	peer, err := peerKey(peerID)
	if err != nil {
		return noise.StateNone
	}
	return n.sessions.State(peer)
}

// Stats returns a snapshot of the node counters
func (n *Node) Stats() Stats {
	n.mu.Lock()
	peers := len(n.peers)
	n.mu.Unlock()

	return Stats{
		Received:          n.stats.received.Load(),
		Malformed:         n.stats.malformed.Load(),
		Duplicates:        n.stats.duplicates.Load(),
		Delivered:         n.stats.delivered.Load(),
		Relayed:           n.stats.relayed.Load(),
		Sent:              n.stats.sent.Load(),
		SignatureFailures: n.stats.signatureFailures.Load(),
		DecryptFailures:   n.stats.decryptFailures.Load(),
		Rehandshakes:      n.stats.rehandshakes.Load(),
		Peers:             peers,
		Neighbours:        len(n.link.Peers()),
		Sessions:          len(n.sessions.Sessions()),
		Fragments:         n.reassembler.Stats(),
	}
}

// ===== HELPER FUNCTIONS =====

func applicationType(t protocol.MessageType) bool {
	switch t {
	case protocol.MsgTypeMessage, protocol.MsgTypeRequestSync, protocol.MsgTypeFileTransfer:
		return true
	}
	return false
}

// peerKey returns the session key of an 8-byte peer ID
func peerKey(peerID []byte) (string, error) {
	if len(peerID) != protocol.IDSize || protocol.IsBroadcast(peerID) {
		return "", fmt.Errorf("%w: %x", ErrInvalidPeerID, peerID)
	}
	return hex.EncodeToString(peerID), nil
}

// ParsePeerID parses a hex peer ID
func ParsePeerID(s string) ([]byte, error) {
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if _, err := peerKey(id); err != nil {
		return nil, err
	}
	return id, nil
}

func shortID(peer string) string {
	if len(peer) > 8 {
		return peer[:8]
	}
	return peer
}

// Package noise manages per-peer Noise_XX_25519_ChaChaPoly_SHA256 sessions.
//
// A Manager runs the three-message XX handshake with each peer and then
// encrypts and decrypts transport messages with the split keys. Transport
// ciphertexts carry their nonce explicitly so messages that arrive out of
// order over a lossy mesh still decrypt; a sliding window rejects replays.
//
// Each peer has its own lock. Handshake steps for one peer are serialized,
// and traffic for different peers never contends.
package noise

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrSessionNotFound     = errors.New("no established session")
	ErrInvalidCiphertext   = errors.New("invalid ciphertext")
	ErrHandshakeInProgress = errors.New("handshake already in progress")
	ErrSessionExists       = errors.New("session already established")
	ErrHandshakeFailed     = errors.New("handshake failed")
	ErrNonceExhausted      = errors.New("nonce space exhausted")
)

// Manager owns the Noise sessions of the local node
type Manager struct {
	static KeyPair

	mu       sync.RWMutex
	sessions map[string]*session

	rng           io.Reader
	now           func() time.Time
	logger        *zap.Logger
	onEstablished func(peer string, remoteStatic [KeySize]byte)
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRandom replaces crypto/rand as the ephemeral key source
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.rng = r }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithOnEstablished registers a callback run after a handshake completes.
// It is called without any manager lock held.
func WithOnEstablished(fn func(peer string, remoteStatic [KeySize]byte)) Option {
	return func(m *Manager) { m.onEstablished = fn }
}

// NewManager creates a manager for the given static key pair
func NewManager(static KeyPair, opts ...Option) *Manager {
	m := &Manager{
		static:   static,
		sessions: make(map[string]*session),
		rng:      rand.Reader,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LocalStaticKey returns the local static public key
func (m *Manager) LocalStaticKey() [KeySize]byte {
	return m.static.Public
}

// InitiateHandshake starts a handshake with peer and returns message 1
func (m *Manager) InitiateHandshake(peer string) ([]byte, error) {
	s := m.lockSession(peer, true)
	defer s.mu.Unlock()

	switch s.state {
	case StateEstablished:
		return nil, ErrSessionExists
	case StateInitiated, StateResponded:
		return nil, ErrHandshakeInProgress
	}

	now := m.now()
	hs := newHandshakeState(m.static, true, m.rng)
	msg, err := hs.writeMessage1(nil)
	if err != nil {
		hs.zero()
		m.discardLocked(s)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	s.hs = hs
	s.state = StateInitiated
	s.startedAt = now
	s.lastActivity = now

	m.logger.Debug("noise handshake initiated", zap.String("peer", shortPeer(peer)))
	return msg, nil
}

// HandleIncomingHandshake advances the handshake with peer and returns the
// next message to send, or nil when none is due. A failed message leaves
// the session as it was.
func (m *Manager) HandleIncomingHandshake(peer string, msg []byte) ([]byte, error) {
	s := m.lockSession(peer, true)
	reply, established, err := m.advance(s, msg)
	var remote [KeySize]byte
	if established {
		remote = s.remoteStatic
	}
	s.mu.Unlock()

	if err != nil {
		m.logger.Debug("noise handshake message rejected",
			zap.String("peer", shortPeer(peer)), zap.Error(err))
		return nil, err
	}
	if established {
		m.logger.Info("noise session established",
			zap.String("peer", shortPeer(peer)),
			zap.String("remote_static", hex.EncodeToString(remote[:8])))
		if m.onEstablished != nil {
			m.onEstablished(peer, remote)
		}
	}
	return reply, nil
}

// advance runs one handshake step. Caller holds s.mu.
func (m *Manager) advance(s *session, msg []byte) (reply []byte, established bool, err error) {
	isFirst := isMessage1(msg)

	switch s.state {
	case StateNone:
		if !isFirst {
			m.discardLocked(s)
			return nil, false, fmt.Errorf("%w: unexpected message without a handshake", ErrHandshakeFailed)
		}
		reply, err = m.respond(s, msg)
		if err != nil {
			m.discardLocked(s)
		}
		return reply, false, err

	case StateInitiated:
		if isFirst {
			return m.resolveCollision(s, msg)
		}
		next := s.hs.clone()
		if _, err := next.readMessage2(msg); err != nil {
			next.zero()
			return nil, false, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		reply, err = next.writeMessage3(nil)
		if err != nil {
			next.zero()
			return nil, false, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		s.hs.zero()
		s.hs = next
		if err := s.establish(m.now()); err != nil {
			s.reset()
			return nil, false, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		s.lastActivity = m.now()
		return reply, true, nil

	case StateResponded:
		if isFirst {
			// Peer started over before finishing
			return m.restart(s, msg)
		}
		next := s.hs.clone()
		if _, err := next.readMessage3(msg); err != nil {
			next.zero()
			return nil, false, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		s.hs.zero()
		s.hs = next
		if err := s.establish(m.now()); err != nil {
			s.reset()
			return nil, false, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		s.lastActivity = m.now()
		return nil, true, nil

	case StateEstablished:
		if isFirst {
			// A fresh message 1 on a live session means the peer restarted
			return m.restart(s, msg)
		}
		return nil, false, fmt.Errorf("%w: session already established", ErrHandshakeFailed)
	}

	return nil, false, fmt.Errorf("%w: unknown state %v", ErrHandshakeFailed, s.state)
}

// respond reads message 1 on a fresh session and writes message 2
func (m *Manager) respond(s *session, msg []byte) ([]byte, error) {
	hs := newHandshakeState(m.static, false, m.rng)
	if _, err := hs.readMessage1(msg); err != nil {
		hs.zero()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	reply, err := hs.writeMessage2(nil)
	if err != nil {
		hs.zero()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	now := m.now()
	s.hs = hs
	s.answered = hs.re
	s.state = StateResponded
	s.startedAt = now
	s.lastActivity = now
	return reply, nil
}

// restart replaces whatever s holds with a responder for msg. The old key
// material is only zeroed once msg has been accepted.
func (m *Manager) restart(s *session, msg []byte) ([]byte, bool, error) {
	if s.state != StateInitiated && len(msg) >= Message1Size && bytes.Equal(msg[:KeySize], s.answered[:]) {
		// A flooded copy of the message 1 we already answered
		return nil, false, nil
	}

	fresh := &session{peer: s.peer}
	reply, err := m.respond(fresh, msg)
	if err != nil {
		return nil, false, err
	}

	if s.state == StateEstablished {
		m.logger.Info("peer restarted handshake, replacing session",
			zap.String("peer", shortPeer(s.peer)))
	}
	s.reset()
	s.hs = fresh.hs
	s.answered = fresh.answered
	s.state = fresh.state
	s.startedAt = fresh.startedAt
	s.lastActivity = fresh.lastActivity
	return reply, false, nil
}

// resolveCollision handles message 1 arriving while our own message 1 is
// outstanding. Static keys are still hidden at this point, so the lower
// ephemeral public key keeps the initiator role and the other side answers.
func (m *Manager) resolveCollision(s *session, msg []byte) ([]byte, bool, error) {
	if len(msg) < Message1Size {
		return nil, false, fmt.Errorf("%w: message 1 too short", ErrHandshakeFailed)
	}

	if bytes.Compare(s.hs.e.Public[:], msg[:KeySize]) < 0 {
		m.logger.Debug("handshake collision, keeping initiator role",
			zap.String("peer", shortPeer(s.peer)))
		return nil, false, nil
	}

	m.logger.Debug("handshake collision, switching to responder",
		zap.String("peer", shortPeer(s.peer)))
	return m.restart(s, msg)
}

// Encrypt seals plaintext for peer. The output is the 8-byte big-endian
// nonce followed by the ciphertext and tag.
func (m *Manager) Encrypt(plaintext []byte, peer string) ([]byte, error) {
	s := m.lockSession(peer, false)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrSessionNotFound
	}
	out, err := s.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	s.lastActivity = m.now()
	return out, nil
}

// Decrypt opens a ciphertext produced by peer's Encrypt. Failures never
// change the session.
func (m *Manager) Decrypt(ciphertext []byte, peer string) ([]byte, error) {
	s := m.lockSession(peer, false)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrSessionNotFound
	}
	pt, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	s.lastActivity = m.now()
	return pt, nil
}

// RemoveSession drops the session with peer and zeroes its keys
func (m *Manager) RemoveSession(peer string) {
	m.mu.Lock()
	s := m.sessions[peer]
	delete(m.sessions, peer)
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.mu.Lock()
	s.reset()
	s.removed = true
	s.mu.Unlock()

	m.logger.Debug("noise session removed", zap.String("peer", shortPeer(peer)))
}

// State returns the handshake state for peer
func (m *Manager) State(peer string) State {
	s := m.lockSession(peer, false)
	if s == nil {
		return StateNone
	}
	defer s.mu.Unlock()
	return s.state
}

// HasEstablishedSession reports whether peer has transport keys
func (m *Manager) HasEstablishedSession(peer string) bool {
	return m.State(peer) == StateEstablished
}

// RemoteStaticKey returns peer's authenticated static key
func (m *Manager) RemoteStaticKey(peer string) ([KeySize]byte, bool) {
	s := m.lockSession(peer, false)
	if s == nil {
		return [KeySize]byte{}, false
	}
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return [KeySize]byte{}, false
	}
	return s.remoteStatic, true
}

// Sessions returns a snapshot of every session, ordered by peer
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		if !s.removed {
			infos = append(infos, s.info())
		}
		s.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Peer < infos[j].Peer })
	return infos
}

// SweepStale drops handshakes that started more than maxAge ago and never
// completed. It returns the number removed.
func (m *Manager) SweepStale(maxAge time.Duration) int {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, s := range list {
		s.mu.Lock()
		if !s.removed && s.state != StateEstablished && s.startedAt.Before(cutoff) {
			m.discardLocked(s)
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		m.logger.Debug("swept stale handshakes", zap.Int("count", removed))
	}
	return removed
}

// lockSession returns peer's session with its lock held. With create it
// makes a new session when none exists; otherwise it returns nil.
func (m *Manager) lockSession(peer string, create bool) *session {
	for {
		m.mu.RLock()
		s := m.sessions[peer]
		m.mu.RUnlock()

		if s == nil {
			if !create {
				return nil
			}
			m.mu.Lock()
			s = m.sessions[peer]
			if s == nil {
				s = &session{peer: peer}
				m.sessions[peer] = s
			}
			m.mu.Unlock()
		}

		s.mu.Lock()
		if !s.removed {
			return s
		}
		// Removed between lookup and lock
		s.mu.Unlock()
	}
}

// discardLocked zeroes s and removes it from the map. Caller holds s.mu.
func (m *Manager) discardLocked(s *session) {
	s.reset()
	s.removed = true
	m.mu.Lock()
	if m.sessions[s.peer] == s {
		delete(m.sessions, s.peer)
	}
	m.mu.Unlock()
}

// isMessage1 tells message 1 apart from messages 2 and 3, which are never
// shorter than Message3Size
func isMessage1(msg []byte) bool {
	return len(msg) < Message3Size
}

func shortPeer(peer string) string {
	if len(peer) > 16 {
		return peer[:16]
	}
	return peer
}

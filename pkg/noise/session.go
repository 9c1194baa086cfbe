package noise

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// NonceSize is the explicit nonce prefix on transport ciphertexts
const NonceSize = 8

// Overhead is the number of bytes Encrypt adds to a plaintext
const Overhead = NonceSize + tagSize

// State is the handshake progress of a session
type State int

const (
	StateNone State = iota
	StateInitiated
	StateResponded
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInitiated:
		return "initiated"
	case StateResponded:
		return "responded"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionInfo is a snapshot of one session, without key material
type SessionInfo struct {
	Peer          string    `json:"peer"`
	State         string    `json:"state"`
	RemoteStatic  []byte    `json:"remote_static,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EstablishedAt time.Time `json:"established_at,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	Sent          uint64    `json:"sent"`
	Received      uint64    `json:"received"`
}

// session is the per-peer state. Every field is guarded by mu.
type session struct {
	mu      sync.Mutex
	peer    string
	removed bool

	state        State
	hs           *handshakeState
	remoteStatic [KeySize]byte

	// ephemeral key of the message 1 this session answered
	answered [KeySize]byte

	sendKey   [KeySize]byte
	recvKey   [KeySize]byte
	sendNonce uint64
	window    replayWindow

	startedAt     time.Time
	establishedAt time.Time
	lastActivity  time.Time
	sent          uint64
	received      uint64
}

// reset zeroes all key material and returns the session to StateNone
func (s *session) reset() {
	if s.hs != nil {
		s.hs.zero()
		s.hs = nil
	}
	s.remoteStatic = [KeySize]byte{}
	s.answered = [KeySize]byte{}
	s.sendKey = [KeySize]byte{}
	s.recvKey = [KeySize]byte{}
	s.sendNonce = 0
	s.window = replayWindow{}
	s.state = StateNone
	s.establishedAt = time.Time{}
	s.sent = 0
	s.received = 0
}

// establish derives transport keys from the finished handshake and discards it
func (s *session) establish(now time.Time) error {
	send, recv, err := s.hs.split()
	if err != nil {
		return err
	}
	s.sendKey, s.recvKey = send, recv
	s.remoteStatic = s.hs.rs
	s.hs.zero()
	s.hs = nil
	s.sendNonce = 0
	s.window = replayWindow{}
	s.state = StateEstablished
	s.establishedAt = now
	return nil
}

func (s *session) encrypt(plaintext []byte) ([]byte, error) {
	if s.sendNonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	n := s.sendNonce

	ct, err := seal(&s.sendKey, n, nil, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(ct))
	binary.BigEndian.PutUint64(out, n)
	out = append(out, ct...)

	s.sendNonce++
	s.sent++
	return out, nil
}

// decrypt leaves the session untouched unless the message authenticates
func (s *session) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(ciphertext))
	}

	n := binary.BigEndian.Uint64(ciphertext[:NonceSize])
	if n == math.MaxUint64 || !s.window.check(n) {
		return nil, fmt.Errorf("%w: replayed or stale nonce %d", ErrInvalidCiphertext, n)
	}

	pt, err := open(&s.recvKey, n, nil, ciphertext[NonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	s.window.mark(n)
	s.received++
	return pt, nil
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		Peer:          s.peer,
		State:         s.state.String(),
		StartedAt:     s.startedAt,
		EstablishedAt: s.establishedAt,
		LastActivity:  s.lastActivity,
		Sent:          s.sent,
		Received:      s.received,
	}
	if s.state == StateEstablished {
		info.RemoteStatic = append([]byte(nil), s.remoteStatic[:]...)
	}
	return info
}

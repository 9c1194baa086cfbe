package noise

import (
	"fmt"
	"io"
)

// XX message sizes with empty payloads
const (
	Message1Size = KeySize
	Message2Size = KeySize + KeySize + tagSize + tagSize
	Message3Size = KeySize + tagSize + tagSize
)

// handshakeState runs one side of the XX pattern:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
type handshakeState struct {
	ss        symmetricState
	s         KeyPair
	e         KeyPair
	re        [KeySize]byte
	rs        [KeySize]byte
	initiator bool
	rng       io.Reader
}

func newHandshakeState(static KeyPair, initiator bool, rng io.Reader) *handshakeState {
	hs := &handshakeState{
		ss:        newSymmetricState(),
		s:         static,
		initiator: initiator,
		rng:       rng,
	}
	// Empty prologue
	hs.ss.mixHash(nil)
	return hs
}

func (hs *handshakeState) clone() *handshakeState {
	c := *hs
	return &c
}

func (hs *handshakeState) zero() {
	hs.ss.zero()
	hs.s.Zero()
	hs.e.Zero()
	hs.re = [KeySize]byte{}
	hs.rs = [KeySize]byte{}
}

func (hs *handshakeState) mixDH(private, public [KeySize]byte) error {
	shared, err := dh(private, public)
	if err != nil {
		return err
	}
	err = hs.ss.mixKey(shared)
	clear(shared)
	return err
}

func (hs *handshakeState) writeEphemeral(msg []byte) ([]byte, error) {
	e, err := generateKeyPair(hs.rng)
	if err != nil {
		return nil, err
	}
	hs.e = e
	hs.ss.mixHash(e.Public[:])
	return append(msg, e.Public[:]...), nil
}

func (hs *handshakeState) readEphemeral(msg []byte) []byte {
	copy(hs.re[:], msg[:KeySize])
	hs.ss.mixHash(hs.re[:])
	return msg[KeySize:]
}

func (hs *handshakeState) writeStatic(msg []byte) ([]byte, error) {
	ct, err := hs.ss.encryptAndHash(hs.s.Public[:])
	if err != nil {
		return nil, err
	}
	return append(msg, ct...), nil
}

func (hs *handshakeState) readStatic(msg []byte) ([]byte, error) {
	pub, err := hs.ss.decryptAndHash(msg[:KeySize+tagSize])
	if err != nil {
		return nil, fmt.Errorf("remote static key: %w", err)
	}
	copy(hs.rs[:], pub)
	return msg[KeySize+tagSize:], nil
}

func (hs *handshakeState) writePayload(msg, payload []byte) ([]byte, error) {
	ct, err := hs.ss.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}
	return append(msg, ct...), nil
}

// writeMessage1: -> e
func (hs *handshakeState) writeMessage1(payload []byte) ([]byte, error) {
	msg, err := hs.writeEphemeral(make([]byte, 0, Message1Size+len(payload)))
	if err != nil {
		return nil, err
	}
	return hs.writePayload(msg, payload)
}

func (hs *handshakeState) readMessage1(msg []byte) ([]byte, error) {
	if len(msg) < Message1Size {
		return nil, fmt.Errorf("message 1 too short: %d bytes", len(msg))
	}
	rest := hs.readEphemeral(msg)
	return hs.ss.decryptAndHash(rest)
}

// writeMessage2: <- e, ee, s, es
func (hs *handshakeState) writeMessage2(payload []byte) ([]byte, error) {
	msg, err := hs.writeEphemeral(make([]byte, 0, Message2Size+len(payload)))
	if err != nil {
		return nil, err
	}
	if err := hs.mixDH(hs.e.Private, hs.re); err != nil {
		return nil, err
	}
	if msg, err = hs.writeStatic(msg); err != nil {
		return nil, err
	}
	if err := hs.mixDH(hs.s.Private, hs.re); err != nil {
		return nil, err
	}
	return hs.writePayload(msg, payload)
}

func (hs *handshakeState) readMessage2(msg []byte) ([]byte, error) {
	if len(msg) < Message2Size {
		return nil, fmt.Errorf("message 2 too short: %d bytes", len(msg))
	}
	rest := hs.readEphemeral(msg)
	if err := hs.mixDH(hs.e.Private, hs.re); err != nil {
		return nil, err
	}
	rest, err := hs.readStatic(rest)
	if err != nil {
		return nil, err
	}
	if err := hs.mixDH(hs.e.Private, hs.rs); err != nil {
		return nil, err
	}
	return hs.ss.decryptAndHash(rest)
}

// writeMessage3: -> s, se
func (hs *handshakeState) writeMessage3(payload []byte) ([]byte, error) {
	msg, err := hs.writeStatic(make([]byte, 0, Message3Size+len(payload)))
	if err != nil {
		return nil, err
	}
	if err := hs.mixDH(hs.s.Private, hs.re); err != nil {
		return nil, err
	}
	return hs.writePayload(msg, payload)
}

func (hs *handshakeState) readMessage3(msg []byte) ([]byte, error) {
	if len(msg) < Message3Size {
		return nil, fmt.Errorf("message 3 too short: %d bytes", len(msg))
	}
	rest, err := hs.readStatic(msg)
	if err != nil {
		return nil, err
	}
	if err := hs.mixDH(hs.e.Private, hs.rs); err != nil {
		return nil, err
	}
	return hs.ss.decryptAndHash(rest)
}

// split derives the transport keys as (send, receive) for this side
func (hs *handshakeState) split() (send, recv [KeySize]byte, err error) {
	c1, c2, err := hs.ss.split()
	if err != nil {
		return send, recv, err
	}
	if hs.initiator {
		return c1, c2, nil
	}
	return c2, c1, nil
}

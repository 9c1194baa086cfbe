package noise

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	flynn "github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, KeyPair) {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return NewManager(kp, opts...), kp
}

// handshake runs initiator -> responder to completion and returns the messages
func handshake(t *testing.T, initiator *Manager, initiatorID string, responder *Manager, responderID string) [][]byte {
	t.Helper()

	msg1, err := initiator.InitiateHandshake(responderID)
	require.NoError(t, err)

	msg2, err := responder.HandleIncomingHandshake(initiatorID, msg1)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	msg3, err := initiator.HandleIncomingHandshake(responderID, msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)

	final, err := responder.HandleIncomingHandshake(initiatorID, msg3)
	require.NoError(t, err)
	require.Nil(t, final)

	return [][]byte{msg1, msg2, msg3}
}

func TestHandshakeCompletesInThreeMessages(t *testing.T) {
	alice, aliceKey := newTestManager(t)
	bob, bobKey := newTestManager(t)

	msgs := handshake(t, alice, "alice", bob, "bob")
	assert.Len(t, msgs[0], Message1Size)
	assert.Len(t, msgs[1], Message2Size)
	assert.Len(t, msgs[2], Message3Size)

	assert.Equal(t, StateEstablished, alice.State("bob"))
	assert.Equal(t, StateEstablished, bob.State("alice"))
	assert.True(t, alice.HasEstablishedSession("bob"))

	remote, ok := alice.RemoteStaticKey("bob")
	require.True(t, ok)
	assert.Equal(t, bobKey.Public, remote)

	remote, ok = bob.RemoteStaticKey("alice")
	require.True(t, ok)
	assert.Equal(t, aliceKey.Public, remote)
}

func TestHandshakeStates(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)

	assert.Equal(t, StateNone, alice.State("bob"))

	msg1, err := alice.InitiateHandshake("bob")
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, alice.State("bob"))

	_, err = alice.InitiateHandshake("bob")
	assert.ErrorIs(t, err, ErrHandshakeInProgress)

	msg2, err := bob.HandleIncomingHandshake("alice", msg1)
	require.NoError(t, err)
	assert.Equal(t, StateResponded, bob.State("alice"))

	_, err = bob.InitiateHandshake("alice")
	assert.ErrorIs(t, err, ErrHandshakeInProgress)

	msg3, err := alice.HandleIncomingHandshake("bob", msg2)
	require.NoError(t, err)
	_, err = bob.HandleIncomingHandshake("alice", msg3)
	require.NoError(t, err)

	_, err = alice.InitiateHandshake("bob")
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestEncryptDecrypt(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	handshake(t, alice, "alice", bob, "bob")

	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for i, pt := range payloads {
		t.Run(fmt.Sprintf("payload %d", i), func(t *testing.T) {
			ct, err := alice.Encrypt(pt, "bob")
			require.NoError(t, err)
			assert.Len(t, ct, len(pt)+Overhead)

			got, err := bob.Decrypt(ct, "alice")
			require.NoError(t, err)
			assert.Equal(t, len(pt), len(got))
			assert.True(t, bytes.Equal(pt, got))

			ct, err = bob.Encrypt(pt, "alice")
			require.NoError(t, err)
			got, err = alice.Decrypt(ct, "bob")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(pt, got))
		})
	}
}

func TestDecryptRejectsCorruptInput(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	handshake(t, alice, "alice", bob, "bob")

	ct, err := alice.Encrypt([]byte("attack at dawn"), "bob")
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0x01

	wrongNonce := append([]byte(nil), ct...)
	wrongNonce[NonceSize-1] ^= 0x01

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"nonce only", ct[:NonceSize]},
		{"truncated tag", ct[:Overhead-1]},
		{"truncated body", ct[:len(ct)-3]},
		{"tampered tag", tampered},
		{"tampered nonce", wrongNonce},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bob.Decrypt(tt.input, "alice")
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}

	// The session survives every failure
	got, err := bob.Decrypt(ct, "alice")
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", string(got))

	ct, err = alice.Encrypt([]byte("second"), "bob")
	require.NoError(t, err)
	got, err = bob.Decrypt(ct, "alice")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestDecryptReplayAndReorder(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	handshake(t, alice, "alice", bob, "bob")

	var cts [][]byte
	for i := 0; i < 5; i++ {
		ct, err := alice.Encrypt([]byte{byte(i)}, "bob")
		require.NoError(t, err)
		cts = append(cts, ct)
	}

	for _, i := range []int{3, 0, 4, 1, 2} {
		got, err := bob.Decrypt(cts[i], "alice")
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, got)
	}

	for _, ct := range cts {
		_, err := bob.Decrypt(ct, "alice")
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	}
}

func TestDecryptRejectsNonceOutsideWindow(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	handshake(t, alice, "alice", bob, "bob")

	first, err := alice.Encrypt([]byte("old"), "bob")
	require.NoError(t, err)

	var last []byte
	for i := 0; i < ReplayWindowSize+5; i++ {
		last, err = alice.Encrypt([]byte("new"), "bob")
		require.NoError(t, err)
	}

	_, err = bob.Decrypt(last, "alice")
	require.NoError(t, err)

	_, err = bob.Decrypt(first, "alice")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestSessionNotFound(t *testing.T) {
	alice, _ := newTestManager(t)

	_, err := alice.Encrypt([]byte("x"), "nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = alice.Decrypt(make([]byte, 64), "nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = alice.InitiateHandshake("bob")
	require.NoError(t, err)

	_, err = alice.Encrypt([]byte("x"), "bob")
	assert.ErrorIs(t, err, ErrSessionNotFound, "handshake not finished")
}

func TestPeerRestart(t *testing.T) {
	alice, _ := newTestManager(t)
	bobKey, err := GenerateKeyPair()
	require.NoError(t, err)
	bob := NewManager(bobKey)

	handshake(t, alice, "alice", bob, "bob")

	ct, err := alice.Encrypt([]byte("hello"), "bob")
	require.NoError(t, err)
	got, err := bob.Decrypt(ct, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// Bob restarts with the same identity and no sessions
	bob = NewManager(bobKey)
	_, err = bob.Encrypt([]byte("x"), "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Alice still holds the old session, so Bob's message 1 replaces it
	handshake(t, bob, "bob", alice, "alice")

	ct, err = alice.Encrypt([]byte("hello again"), "bob")
	require.NoError(t, err)
	got, err = bob.Decrypt(ct, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello again", string(got))

	ct, err = bob.Encrypt([]byte("welcome back"), "alice")
	require.NoError(t, err)
	got, err = alice.Decrypt(ct, "bob")
	require.NoError(t, err)
	assert.Equal(t, "welcome back", string(got))
}

func TestSimultaneousInitiationConverges(t *testing.T) {
	for i := 0; i < 20; i++ {
		alice, _ := newTestManager(t)
		bob, _ := newTestManager(t)

		fromAlice, err := alice.InitiateHandshake("bob")
		require.NoError(t, err)
		fromBob, err := bob.InitiateHandshake("alice")
		require.NoError(t, err)

		// Both message 1s cross in flight
		replyFromAlice, err := alice.HandleIncomingHandshake("bob", fromBob)
		require.NoError(t, err)
		replyFromBob, err := bob.HandleIncomingHandshake("alice", fromAlice)
		require.NoError(t, err)

		require.True(t, (replyFromAlice == nil) != (replyFromBob == nil),
			"exactly one side must answer as responder")

		if replyFromBob != nil {
			msg3, err := alice.HandleIncomingHandshake("bob", replyFromBob)
			require.NoError(t, err)
			_, err = bob.HandleIncomingHandshake("alice", msg3)
			require.NoError(t, err)
		} else {
			msg3, err := bob.HandleIncomingHandshake("alice", replyFromAlice)
			require.NoError(t, err)
			_, err = alice.HandleIncomingHandshake("bob", msg3)
			require.NoError(t, err)
		}

		require.True(t, alice.HasEstablishedSession("bob"))
		require.True(t, bob.HasEstablishedSession("alice"))

		ct, err := alice.Encrypt([]byte("converged"), "bob")
		require.NoError(t, err)
		got, err := bob.Decrypt(ct, "alice")
		require.NoError(t, err)
		assert.Equal(t, "converged", string(got))
	}
}

func TestDuplicateMessage1IsIgnored(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)

	msg1, err := alice.InitiateHandshake("bob")
	require.NoError(t, err)
	msg2, err := bob.HandleIncomingHandshake("alice", msg1)
	require.NoError(t, err)

	// A relayed copy arrives later
	dup, err := bob.HandleIncomingHandshake("alice", msg1)
	require.NoError(t, err)
	assert.Nil(t, dup)

	msg3, err := alice.HandleIncomingHandshake("bob", msg2)
	require.NoError(t, err)
	_, err = bob.HandleIncomingHandshake("alice", msg3)
	require.NoError(t, err)

	dup, err = bob.HandleIncomingHandshake("alice", msg1)
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.True(t, bob.HasEstablishedSession("alice"))
}

func TestMessage3EstablishesResponder(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)

	msg1, err := alice.InitiateHandshake("bob")
	require.NoError(t, err)
	msg2, err := bob.HandleIncomingHandshake("alice", msg1)
	require.NoError(t, err)
	msg3, err := alice.HandleIncomingHandshake("bob", msg2)
	require.NoError(t, err)
	require.Len(t, msg3, Message3Size)
	require.Equal(t, StateEstablished, alice.State("bob"))

	reply, err := bob.HandleIncomingHandshake("alice", msg3)
	require.NoError(t, err)
	assert.Nil(t, reply, "message 3 must not be answered")
	assert.Equal(t, StateEstablished, bob.State("alice"))

	// A relayed copy of message 3 leaves the session alone
	_, err = bob.HandleIncomingHandshake("alice", msg3)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateEstablished, bob.State("alice"))

	ct, err := alice.Encrypt([]byte("after message 3"), "bob")
	require.NoError(t, err)
	got, err := bob.Decrypt(ct, "alice")
	require.NoError(t, err)
	assert.Equal(t, "after message 3", string(got))
}

func TestBadHandshakeMessageKeepsState(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)

	msg1, err := alice.InitiateHandshake("bob")
	require.NoError(t, err)
	msg2, err := bob.HandleIncomingHandshake("alice", msg1)
	require.NoError(t, err)

	garbage := make([]byte, Message2Size)
	_, err = rand.Read(garbage)
	require.NoError(t, err)

	_, err = alice.HandleIncomingHandshake("bob", garbage)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateInitiated, alice.State("bob"))

	corrupt := append([]byte(nil), msg2...)
	corrupt[len(corrupt)-1] ^= 0xFF
	_, err = alice.HandleIncomingHandshake("bob", corrupt)
	assert.ErrorIs(t, err, ErrHandshakeFailed)

	msg3, err := alice.HandleIncomingHandshake("bob", msg2)
	require.NoError(t, err)
	_, err = bob.HandleIncomingHandshake("alice", msg3)
	require.NoError(t, err)
	assert.True(t, bob.HasEstablishedSession("alice"))
}

func TestUnexpectedMessageWithoutHandshake(t *testing.T) {
	bob, _ := newTestManager(t)

	_, err := bob.HandleIncomingHandshake("alice", make([]byte, Message2Size+10))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Empty(t, bob.Sessions())

	_, err = bob.HandleIncomingHandshake("alice", []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Empty(t, bob.Sessions())
}

func TestRemoveSessionZeroesKeys(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	handshake(t, alice, "alice", bob, "bob")

	alice.mu.RLock()
	s := alice.sessions["bob"]
	alice.mu.RUnlock()
	require.NotNil(t, s)
	require.NotEqual(t, [KeySize]byte{}, s.sendKey)

	alice.RemoveSession("bob")

	assert.Equal(t, [KeySize]byte{}, s.sendKey)
	assert.Equal(t, [KeySize]byte{}, s.recvKey)
	assert.Equal(t, [KeySize]byte{}, s.remoteStatic)
	assert.Nil(t, s.hs)
	assert.Equal(t, StateNone, alice.State("bob"))

	_, err := alice.Encrypt([]byte("x"), "bob")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Removing twice is harmless
	alice.RemoveSession("bob")
}

func TestEstablishedSessionDropsEphemeral(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	handshake(t, alice, "alice", bob, "bob")

	for _, m := range []*Manager{alice, bob} {
		m.mu.RLock()
		for _, s := range m.sessions {
			assert.Nil(t, s.hs)
		}
		m.mu.RUnlock()
	}
}

func TestSweepStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	alice, _ := newTestManager(t, WithClock(clock))
	bob, _ := newTestManager(t, WithClock(clock))
	handshake(t, alice, "alice", bob, "bob")

	_, err := alice.InitiateHandshake("carol")
	require.NoError(t, err)

	assert.Equal(t, 0, alice.SweepStale(time.Minute))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, alice.SweepStale(time.Minute))
	assert.Equal(t, StateNone, alice.State("carol"))
	assert.True(t, alice.HasEstablishedSession("bob"))
}

func TestOnEstablishedCallback(t *testing.T) {
	var mu sync.Mutex
	got := map[string][KeySize]byte{}
	record := func(peer string, remote [KeySize]byte) {
		mu.Lock()
		got[peer] = remote
		mu.Unlock()
	}

	alice, aliceKey := newTestManager(t, WithOnEstablished(record))
	bob, bobKey := newTestManager(t, WithOnEstablished(record))
	handshake(t, alice, "alice", bob, "bob")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, bobKey.Public, got["bob"])
	assert.Equal(t, aliceKey.Public, got["alice"])
}

func TestSessionsSnapshot(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, bobKey := newTestManager(t)
	handshake(t, alice, "alice", bob, "bob")

	_, err := alice.InitiateHandshake("carol")
	require.NoError(t, err)

	ct, err := alice.Encrypt([]byte("x"), "bob")
	require.NoError(t, err)
	_, err = bob.Decrypt(ct, "alice")
	require.NoError(t, err)

	infos := alice.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "bob", infos[0].Peer)
	assert.Equal(t, "established", infos[0].State)
	assert.Equal(t, bobKey.Public[:], infos[0].RemoteStatic)
	assert.Equal(t, uint64(1), infos[0].Sent)
	assert.Equal(t, "carol", infos[1].Peer)
	assert.Equal(t, "initiated", infos[1].State)
	assert.Nil(t, infos[1].RemoteStatic)
}

func TestConcurrentPeers(t *testing.T) {
	hub, _ := newTestManager(t)

	const peers = 8
	spokes := make([]*Manager, peers)
	for i := range spokes {
		spokes[i], _ = newTestManager(t)
		handshake(t, spokes[i], fmt.Sprintf("spoke-%d", i), hub, "hub")
	}

	var wg sync.WaitGroup
	errs := make(chan error, peers)
	for i := range spokes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("spoke-%d", i)
			for n := 0; n < 100; n++ {
				msg := []byte(fmt.Sprintf("%s #%d", id, n))
				ct, err := spokes[i].Encrypt(msg, "hub")
				if err != nil {
					errs <- err
					return
				}
				got, err := hub.Decrypt(ct, id)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, msg) {
					errs <- fmt.Errorf("mismatch for %s", id)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func flynnConfig(kp KeyPair, initiator bool) flynn.Config {
	return flynn.Config{
		CipherSuite: flynn.NewCipherSuite(flynn.DH25519, flynn.CipherChaChaPoly, flynn.HashSHA256),
		Random:      rand.Reader,
		Pattern:     flynn.HandshakeXX,
		Initiator:   initiator,
		StaticKeypair: flynn.DHKey{
			Private: append([]byte(nil), kp.Private[:]...),
			Public:  append([]byte(nil), kp.Public[:]...),
		},
	}
}

func withNonce(n uint64, ct []byte) []byte {
	out := make([]byte, NonceSize, NonceSize+len(ct))
	binary.BigEndian.PutUint64(out, n)
	return append(out, ct...)
}

func TestInteropFlynnInitiator(t *testing.T) {
	remoteKey, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, bobKey := newTestManager(t)

	hs, err := flynn.NewHandshakeState(flynnConfig(remoteKey, true))
	require.NoError(t, err)

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	require.NoError(t, err)

	msg2, err := bob.HandleIncomingHandshake("flynn", msg1)
	require.NoError(t, err)

	_, _, _, err = hs.ReadMessage(nil, msg2)
	require.NoError(t, err)
	assert.Equal(t, bobKey.Public[:], hs.PeerStatic())

	msg3, toBob, fromBob, err := hs.WriteMessage(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, toBob)
	require.NotNil(t, fromBob)

	final, err := bob.HandleIncomingHandshake("flynn", msg3)
	require.NoError(t, err)
	assert.Nil(t, final)

	remote, ok := bob.RemoteStaticKey("flynn")
	require.True(t, ok)
	assert.Equal(t, remoteKey.Public, remote)

	ct := toBob.Cipher().Encrypt(nil, 0, nil, []byte("from flynn"))
	got, err := bob.Decrypt(withNonce(0, ct), "flynn")
	require.NoError(t, err)
	assert.Equal(t, "from flynn", string(got))

	out, err := bob.Encrypt([]byte("to flynn"), "flynn")
	require.NoError(t, err)
	pt, err := fromBob.Cipher().Decrypt(nil, binary.BigEndian.Uint64(out[:NonceSize]), nil, out[NonceSize:])
	require.NoError(t, err)
	assert.Equal(t, "to flynn", string(pt))
}

func TestInteropFlynnResponder(t *testing.T) {
	remoteKey, err := GenerateKeyPair()
	require.NoError(t, err)
	alice, aliceKey := newTestManager(t)

	hs, err := flynn.NewHandshakeState(flynnConfig(remoteKey, false))
	require.NoError(t, err)

	msg1, err := alice.InitiateHandshake("flynn")
	require.NoError(t, err)

	_, _, _, err = hs.ReadMessage(nil, msg1)
	require.NoError(t, err)
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	require.NoError(t, err)

	msg3, err := alice.HandleIncomingHandshake("flynn", msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)

	_, fromAlice, toAlice, err := hs.ReadMessage(nil, msg3)
	require.NoError(t, err)
	require.NotNil(t, fromAlice)
	assert.Equal(t, aliceKey.Public[:], hs.PeerStatic())

	out, err := alice.Encrypt([]byte("to flynn"), "flynn")
	require.NoError(t, err)
	pt, err := fromAlice.Cipher().Decrypt(nil, binary.BigEndian.Uint64(out[:NonceSize]), nil, out[NonceSize:])
	require.NoError(t, err)
	assert.Equal(t, "to flynn", string(pt))

	ct := toAlice.Cipher().Encrypt(nil, 7, nil, []byte("from flynn"))
	got, err := alice.Decrypt(withNonce(7, ct), "flynn")
	require.NoError(t, err)
	assert.Equal(t, "from flynn", string(got))
}

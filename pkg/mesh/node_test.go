package mesh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/relay"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

const waitFor = 3 * time.Second

// testConfig keeps handshake relays strictly faster than everything else so
// message 3 of a handshake overtakes traffic queued behind it
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AnnounceInterval = 0
	slow := relay.Window{MinMs: 5, MaxMs: 8}
	cfg.Relay.HandshakeJitter = relay.Window{MinMs: 0, MaxMs: 1}
	cfg.Relay.FragmentJitter = slow
	cfg.Relay.DenseJitter = slow
	cfg.Relay.AnnounceJitter = slow
	cfg.Relay.DefaultJitter = slow
	return cfg
}

type testNode struct {
	*Node
	link *transport.MemoryLink
	msgs chan Message
}

func (tn *testNode) receive(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-tn.msgs:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func (tn *testNode) assertNothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-tn.msgs:
		t.Fatalf("unexpected %s message from %x", m.Type, m.From)
	case <-time.After(50 * time.Millisecond):
	}
}

// buildMesh joins names to network, wires edges, then starts every node
func buildMesh(t *testing.T, network *transport.MemoryNetwork, cfg Config, names []string, edges [][2]string) map[string]*testNode {
	t.Helper()

	nodes := make(map[string]*testNode, len(names))
	for _, name := range names {
		id, err := crypto.GenerateIdentity()
		require.NoError(t, err)

		tn := &testNode{link: network.Join(name), msgs: make(chan Message, 64)}
		n, err := New(id, tn.link, cfg, WithHandler(func(m Message) { tn.msgs <- m }))
		require.NoError(t, err)
		tn.Node = n
		nodes[name] = tn
	}
	for _, e := range edges {
		network.Connect(e[0], e[1])
	}

	for _, name := range names {
		startNode(t, nodes[name].Node)
	}
	return nodes
}

func startNode(t *testing.T, n *Node) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		n.Close()
	})
}

func awaitPeers(t *testing.T, nodes map[string]*testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, tn := range nodes {
			if len(tn.Peers()) != len(nodes)-1 {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond, "announces did not reach every node")
}

// awaitRelaysIdle waits until no relay timers are pending on n
func awaitRelaysIdle(t *testing.T, n *Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.timers) == 0
	}, waitFor, 5*time.Millisecond)
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func line(names ...string) [][2]string {
	var edges [][2]string
	for i := 1; i < len(names); i++ {
		edges = append(edges, [2]string{names[i-1], names[i]})
	}
	return edges
}

func TestAnnounceDiscoversPeersAcrossHops(t *testing.T) {
	cfg := testConfig()
	cfg.Nickname = "node"
	nodes := buildMesh(t, transport.NewMemoryNetwork(0), cfg, []string{"a", "b", "c"}, line("a", "b", "c"))
	awaitPeers(t, nodes)

	peers := nodes["c"].Peers()
	require.Len(t, peers, 2)
	ids := []string{peers[0].ID, peers[1].ID}
	assert.Contains(t, ids, nodes["a"].IDString())
	assert.Contains(t, ids, nodes["b"].IDString())
	for _, p := range peers {
		assert.Equal(t, "node", p.Nickname)
		assert.Equal(t, "b", p.Via, "c only hears the mesh through b")
		assert.Equal(t, noise.StateNone.String(), p.Session)
	}
}

func TestBroadcastReachesEveryNodeOnce(t *testing.T) {
	ctx := context.Background()
	names := []string{"a", "b", "c", "d"}
	edges := append(line(names...), [2]string{"a", "c"}, [2]string{"b", "d"})
	nodes := buildMesh(t, transport.NewMemoryNetwork(0), testConfig(), names, edges)
	awaitPeers(t, nodes)

	require.NoError(t, nodes["a"].Broadcast(ctx, []byte("hello mesh")))

	for _, name := range []string{"b", "c", "d"} {
		m := nodes[name].receive(t)
		assert.Equal(t, nodes["a"].ID(), m.From)
		assert.Equal(t, protocol.MsgTypeMessage, m.Type)
		assert.Equal(t, "hello mesh", string(m.Payload))
		assert.True(t, m.Verified)
		assert.False(t, m.Private)
	}
	for _, name := range names {
		nodes[name].assertNothing(t)
	}

	var dups uint64
	for _, name := range []string{"b", "c", "d"} {
		dups += nodes[name].Stats().Duplicates
	}
	assert.Positive(t, dups, "redundant paths deliver copies that are dropped")
}

func TestPublishTypes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SignBroadcasts = false
	nodes := buildMesh(t, transport.NewMemoryNetwork(0), cfg, []string{"a", "b"}, line("a", "b"))
	awaitPeers(t, nodes)

	require.NoError(t, nodes["a"].Publish(ctx, protocol.MsgTypeRequestSync, []byte("since:42")))
	m := nodes["b"].receive(t)
	assert.Equal(t, protocol.MsgTypeRequestSync, m.Type)
	assert.False(t, m.Verified, "unsigned broadcast")

	assert.ErrorIs(t, nodes["a"].Publish(ctx, protocol.MsgTypeAnnounce, nil), ErrNotDeliverable)
}

func TestPrivateMessageOverMultipleHops(t *testing.T) {
	ctx := context.Background()
	nodes := buildMesh(t, transport.NewMemoryNetwork(0), testConfig(), []string{"a", "b", "c"}, line("a", "b", "c"))
	awaitPeers(t, nodes)

	a, b, c := nodes["a"], nodes["b"], nodes["c"]
	require.NoError(t, a.SendPrivate(ctx, c.ID(), protocol.MsgTypeMessage, []byte("first")))
	require.NoError(t, a.SendPrivate(ctx, c.ID(), protocol.MsgTypeFileTransfer, []byte("second")))

	// Relay jitter may reorder the two
	got := make(map[string]Message)
	for i := 0; i < 2; i++ {
		m := c.receive(t)
		got[string(m.Payload)] = m
	}
	require.Contains(t, got, "first")
	require.Contains(t, got, "second")
	assert.Equal(t, a.ID(), got["first"].From)
	assert.Equal(t, protocol.MsgTypeMessage, got["first"].Type)
	assert.True(t, got["first"].Private)
	assert.True(t, got["first"].Verified)
	assert.Equal(t, protocol.MsgTypeFileTransfer, got["second"].Type)

	assert.Equal(t, noise.StateEstablished, a.SessionState(c.ID()))
	assert.Equal(t, noise.StateEstablished, c.SessionState(a.ID()))
	assert.Equal(t, noise.StateNone, b.SessionState(a.ID()))
	b.assertNothing(t)

	// Reply over the established session
	require.NoError(t, c.SendPrivate(ctx, a.ID(), protocol.MsgTypeMessage, []byte("ack")))
	assert.Equal(t, "ack", string(a.receive(t).Payload))
	assert.Positive(t, b.Stats().Relayed)
}

func TestFragmentedBroadcast(t *testing.T) {
	ctx := context.Background()
	nodes := buildMesh(t, transport.NewMemoryNetwork(128), testConfig(), []string{"a", "b", "c"}, line("a", "b", "c"))
	awaitPeers(t, nodes)

	payload := randomPayload(t, 1000)
	require.NoError(t, nodes["a"].Broadcast(ctx, payload))

	for _, name := range []string{"b", "c"} {
		m := nodes[name].receive(t)
		assert.True(t, bytes.Equal(payload, m.Payload), "%s reassembled the payload", name)
		assert.True(t, m.Verified)
	}
	assert.Positive(t, nodes["c"].Stats().Fragments.Completed)
}

func TestFragmentedPrivateMessage(t *testing.T) {
	ctx := context.Background()
	nodes := buildMesh(t, transport.NewMemoryNetwork(128), testConfig(), []string{"a", "b", "c"}, line("a", "b", "c"))
	awaitPeers(t, nodes)

	payload := randomPayload(t, 500)
	require.NoError(t, nodes["a"].SendPrivate(ctx, nodes["c"].ID(), protocol.MsgTypeMessage, payload))

	m := nodes["c"].receive(t)
	assert.Equal(t, payload, m.Payload)
	assert.True(t, m.Private)
	nodes["b"].assertNothing(t)
}

func TestRehandshakeAfterDecryptFailures(t *testing.T) {
	ctx := context.Background()
	nodes := buildMesh(t, transport.NewMemoryNetwork(0), testConfig(), []string{"a", "b"}, line("a", "b"))
	awaitPeers(t, nodes)
	a, b := nodes["a"], nodes["b"]

	require.NoError(t, a.SendPrivate(ctx, b.ID(), protocol.MsgTypeMessage, []byte("one")))
	assert.Equal(t, "one", string(b.receive(t).Payload))

	// b forgets the session, as after a restart
	b.sessions.RemoveSession(a.IDString())

	for i := 0; i < 3; i++ {
		require.NoError(t, a.SendPrivate(ctx, b.ID(), protocol.MsgTypeMessage, []byte("lost")))
	}

	require.Eventually(t, func() bool {
		return b.Stats().Rehandshakes == 1 &&
			a.SessionState(b.ID()) == noise.StateEstablished &&
			b.SessionState(a.ID()) == noise.StateEstablished
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(3), b.Stats().DecryptFailures)
	b.assertNothing(t)

	require.NoError(t, a.SendPrivate(ctx, b.ID(), protocol.MsgTypeMessage, []byte("two")))
	assert.Equal(t, "two", string(b.receive(t).Payload))
}

func TestSendPrivateErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PendingPerPeer = 1
	nodes := buildMesh(t, transport.NewMemoryNetwork(0), cfg, []string{"a"}, nil)
	a := nodes["a"]

	assert.ErrorIs(t, a.SendPrivate(ctx, []byte{1, 2, 3}, protocol.MsgTypeMessage, nil), ErrInvalidPeerID)
	assert.ErrorIs(t, a.SendPrivate(ctx, protocol.BroadcastID, protocol.MsgTypeMessage, nil), ErrInvalidPeerID)
	assert.ErrorIs(t, a.SendPrivate(ctx, a.ID(), protocol.MsgTypeMessage, nil), ErrInvalidPeerID)
	assert.ErrorIs(t, a.SendPrivate(ctx, protocol.PeerIDFromUint64(7), protocol.MsgTypeLeave, nil), ErrNotDeliverable)

	// Nobody answers the handshake, so the second message has no room
	absent := protocol.PeerIDFromUint64(7)
	require.NoError(t, a.SendPrivate(ctx, absent, protocol.MsgTypeMessage, []byte("queued")))
	assert.Equal(t, noise.StateInitiated, a.SessionState(absent))
	assert.ErrorIs(t, a.SendPrivate(ctx, absent, protocol.MsgTypeMessage, []byte("full")), ErrPendingFull)
}

func TestMaintainDropsStaleHandshakesAndPeers(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	network := transport.NewMemoryNetwork(0)
	cfg := testConfig()

	idA, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	idB, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	a, err := New(idA, network.Join("a"), cfg, WithClock(clock))
	require.NoError(t, err)
	b, err := New(idB, network.Join("b"), cfg)
	require.NoError(t, err)
	network.Connect("a", "b")
	startNode(t, a)
	startNode(t, b)

	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, 5*time.Millisecond)

	absent := protocol.PeerIDFromUint64(99)
	require.NoError(t, a.SendPrivate(context.Background(), absent, protocol.MsgTypeMessage, []byte("x")))

	advance(cfg.HandshakeTimeout + time.Second)
	a.maintain()
	assert.Equal(t, noise.StateNone, a.SessionState(absent))
	a.mu.Lock()
	assert.Empty(t, a.pending)
	a.mu.Unlock()
	assert.Len(t, a.Peers(), 1)

	advance(cfg.PeerTimeout)
	a.maintain()
	assert.Empty(t, a.Peers())
}

func TestLeaveRemovesPeer(t *testing.T) {
	ctx := context.Background()
	nodes := buildMesh(t, transport.NewMemoryNetwork(0), testConfig(), []string{"a", "b"}, line("a", "b"))
	awaitPeers(t, nodes)
	a, b := nodes["a"], nodes["b"]

	require.NoError(t, a.SendPrivate(ctx, b.ID(), protocol.MsgTypeMessage, []byte("hi")))
	b.receive(t)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		return len(b.Peers()) == 0 && b.SessionState(a.ID()) == noise.StateNone
	}, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, a.Broadcast(ctx, []byte("late")), ErrClosed)
}

// injector is a bare link used to put hand-made frames on the mesh
func injector(t *testing.T, network *transport.MemoryNetwork, to string) func(p *protocol.Packet) {
	raw := network.Join("raw")
	network.Connect("raw", to)
	return func(p *protocol.Packet) {
		t.Helper()
		frame, err := protocol.Encode(p, false)
		require.NoError(t, err)
		require.NoError(t, raw.Send(context.Background(), to, frame))
	}
}

func TestMalformedFramesCounted(t *testing.T) {
	network := transport.NewMemoryNetwork(0)
	nodes := buildMesh(t, network, testConfig(), []string{"a"}, nil)
	raw := network.Join("raw")
	network.Connect("raw", "a")

	require.NoError(t, raw.Send(context.Background(), "a", []byte{1, 2, 3}))
	require.NoError(t, raw.Send(context.Background(), "a", make([]byte, 40)))

	require.Eventually(t, func() bool {
		return nodes["a"].Stats().Malformed == 2
	}, waitFor, 5*time.Millisecond)
	nodes["a"].assertNothing(t)
}

func TestForgedAnnounceRejected(t *testing.T) {
	network := transport.NewMemoryNetwork(0)
	nodes := buildMesh(t, network, testConfig(), []string{"a"}, nil)
	inject := injector(t, network, "a")

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	ann := &announce{NoiseStatic: id.Noise.Public, SigningKey: id.SigningPublic()}

	// Sender ID not derived from the announced static key
	p := protocol.NewPacket(protocol.MsgTypeAnnounce, protocol.PeerIDFromUint64(1), ann.encode())
	require.NoError(t, protocol.Sign(p, id.Signing))
	inject(p)

	// Correct sender ID, signed by someone else
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p = protocol.NewPacket(protocol.MsgTypeAnnounce, id.PeerID(), ann.encode())
	require.NoError(t, protocol.Sign(p, other))
	inject(p)

	require.Eventually(t, func() bool {
		return nodes["a"].Stats().SignatureFailures == 2
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, nodes["a"].Peers())

	// The genuine announce is accepted
	p = protocol.NewPacket(protocol.MsgTypeAnnounce, id.PeerID(), ann.encode())
	p.Timestamp++
	require.NoError(t, protocol.Sign(p, id.Signing))
	inject(p)
	require.Eventually(t, func() bool { return len(nodes["a"].Peers()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestBadSignatureFromKnownPeerDropped(t *testing.T) {
	network := transport.NewMemoryNetwork(0)
	nodes := buildMesh(t, network, testConfig(), []string{"a", "b"}, line("a", "b"))
	awaitPeers(t, nodes)
	inject := injector(t, network, "b")

	_, forger, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := protocol.NewPacket(protocol.MsgTypeMessage, nodes["a"].ID(), []byte("forged"))
	require.NoError(t, protocol.Sign(p, forger))
	inject(p)

	require.Eventually(t, func() bool {
		return nodes["b"].Stats().SignatureFailures == 1
	}, waitFor, 5*time.Millisecond)
	nodes["b"].assertNothing(t)
}

func TestTTLExhaustedNotRelayed(t *testing.T) {
	network := transport.NewMemoryNetwork(0)
	nodes := buildMesh(t, network, testConfig(), []string{"a", "b"}, line("a", "b"))
	awaitPeers(t, nodes)
	awaitRelaysIdle(t, nodes["a"].Node)

	// b's announce had nowhere to go but back to b
	assert.Zero(t, nodes["a"].Stats().Relayed)

	inject := injector(t, network, "a")
	p := protocol.NewPacket(protocol.MsgTypeMessage, protocol.PeerIDFromUint64(5), []byte("last hop"))
	p.TTL = 1
	inject(p)

	assert.Equal(t, "last hop", string(nodes["a"].receive(t).Payload))
	nodes["b"].assertNothing(t)
	assert.Zero(t, nodes["a"].Stats().Relayed)
}

func TestNewRejectsBadInput(t *testing.T) {
	network := transport.NewMemoryNetwork(0)
	_, err := New(nil, network.Join("a"), DefaultConfig())
	assert.ErrorIs(t, err, ErrIdentityMissing)

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Version = 3
	_, err = New(id, network.Join("a"), cfg)
	assert.Error(t, err)
}

func TestParsePeerID(t *testing.T) {
	id, err := ParsePeerID("0102030405060708")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, id)

	for _, bad := range []string{"", "zz", "0102", "ffffffffffffffff"} {
		_, err := ParsePeerID(bad)
		assert.ErrorIs(t, err, ErrInvalidPeerID, bad)
	}
}

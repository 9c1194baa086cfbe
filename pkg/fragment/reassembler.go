package fragment

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
	DefaultMaxFragments  = 1024
	DefaultMaxBuffers    = 256
	DefaultMaxJobBytes   = 128 * 1024
	DefaultCompletedSize = 1024

	shardCount = 16
)

// Stats is a snapshot of reassembler counters
type Stats struct {
	Pending    int    `json:"pending"`
	Completed  uint64 `json:"completed"`
	Expired    uint64 `json:"expired"`
	Dropped    uint64 `json:"dropped"`
	Duplicates uint64 `json:"duplicates"`
}

type jobKey struct {
	sender [protocol.IDSize]byte
	id     FragmentID
}

type buffer struct {
	chunks       map[uint16][]byte
	total        uint16
	originalType protocol.MessageType
	size         int
	firstSeen    time.Time
	lastSeen     time.Time
}

type shard struct {
	mu      sync.Mutex
	buffers map[jobKey]*buffer
}

// Reassembler rebuilds frames from fragment packets. Jobs are spread over
// independently locked shards so unrelated transfers never wait on each other.
type Reassembler struct {
	shards    [shardCount]*shard
	completed *lru.Cache

	timeout       time.Duration
	sweepInterval time.Duration
	maxFragments  int
	maxPerShard   int
	maxJobBytes   int
	now           func() time.Time
	logger        *zap.Logger

	completedCount atomic.Uint64
	expiredCount   atomic.Uint64
	droppedCount   atomic.Uint64
	duplicateCount atomic.Uint64
}

// Option configures a Reassembler
type Option func(*Reassembler)

// WithTimeout sets how long an idle job is kept
func WithTimeout(d time.Duration) Option {
	return func(r *Reassembler) { r.timeout = d }
}

// WithSweepInterval sets how often Run sweeps idle jobs
func WithSweepInterval(d time.Duration) Option {
	return func(r *Reassembler) { r.sweepInterval = d }
}

// WithMaxFragments caps the declared total of a job
func WithMaxFragments(n int) Option {
	return func(r *Reassembler) { r.maxFragments = n }
}

// WithMaxBuffers caps the number of concurrent jobs
func WithMaxBuffers(n int) Option {
	return func(r *Reassembler) { r.maxPerShard = (n + shardCount - 1) / shardCount }
}

// WithMaxJobBytes caps the bytes buffered for a single job
func WithMaxJobBytes(n int) Option {
	return func(r *Reassembler) { r.maxJobBytes = n }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) { r.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reassembler) { r.logger = logger }
}

// NewReassembler creates a reassembler. Call Run to start idle eviction.
func NewReassembler(opts ...Option) *Reassembler {
	r := &Reassembler{
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		maxFragments:  DefaultMaxFragments,
		maxPerShard:   (DefaultMaxBuffers + shardCount - 1) / shardCount,
		maxJobBytes:   DefaultMaxJobBytes,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxPerShard < 1 {
		r.maxPerShard = 1
	}

	for i := range r.shards {
		r.shards[i] = &shard{buffers: make(map[jobKey]*buffer)}
	}

	// Only fails for a non-positive size
	completed, _ := lru.New(DefaultCompletedSize)
	r.completed = completed

	return r
}

// Ingest adds a fragment packet received from fromPeer. It returns the
// reassembled packet once every index of the job has arrived, and nil while
// the job is incomplete or when the fragment is dropped.
func (r *Reassembler) Ingest(p *protocol.Packet, fromPeer string) *protocol.Packet {
	if p == nil || p.Type != protocol.MsgTypeFragment {
		return nil
	}

	env, err := DecodeEnvelope(p.Payload)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		r.drop("malformed envelope", fromPeer)
		return nil
	}
	if int(env.Total) > r.maxFragments {
		r.drop("fragment total over limit", fromPeer)
		return nil
	}

	key := jobKey{id: env.FragmentID}
	copy(key.sender[:], protocol.NormalizeID(p.SenderID))

	if r.completed.Contains(key) {
		r.duplicateCount.Add(1)
		return nil
	}

	s := r.shardFor(key)
	now := r.now()

	s.mu.Lock()
	buf, exists := s.buffers[key]
	if !exists {
		if len(s.buffers) >= r.maxPerShard {
			r.evictOldest(s)
		}
		buf = &buffer{
			chunks:       make(map[uint16][]byte, env.Total),
			total:        env.Total,
			originalType: env.OriginalType,
			firstSeen:    now,
		}
		s.buffers[key] = buf
	} else if buf.total != env.Total || buf.originalType != env.OriginalType {
		s.mu.Unlock()
		r.drop("fragment disagrees with open job", fromPeer)
		return nil
	}
	buf.lastSeen = now

	if _, dup := buf.chunks[env.Index]; dup {
		s.mu.Unlock()
		r.duplicateCount.Add(1)
		return nil
	}

	if buf.size+len(env.Chunk) > r.maxJobBytes {
		delete(s.buffers, key)
		s.mu.Unlock()
		r.drop("fragment job over byte limit", fromPeer)
		return nil
	}

	buf.chunks[env.Index] = env.Chunk
	buf.size += len(env.Chunk)

	if len(buf.chunks) < int(buf.total) {
		s.mu.Unlock()
		return nil
	}

	// Indices are unique and below total, so the job holds 0..total-1
	delete(s.buffers, key)
	r.completed.Add(key, struct{}{})
	s.mu.Unlock()

	frame := make([]byte, 0, buf.size)
	for i := uint16(0); i < buf.total; i++ {
		frame = append(frame, buf.chunks[i]...)
	}

	pkt := protocol.Decode(frame)
	if pkt == nil || pkt.Type != buf.originalType {
		r.drop("reassembled frame does not decode", fromPeer)
		return nil
	}

	r.completedCount.Add(1)
	r.logger.Debug("fragment job complete",
		zap.String("fragment_id", hex.EncodeToString(key.id[:])),
		zap.Uint16("total", buf.total),
		zap.Int("bytes", len(frame)),
		zap.Stringer("type", pkt.Type))

	return pkt
}

// Run sweeps idle jobs every sweep interval until ctx is cancelled
func (r *Reassembler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Debug("expired fragment jobs", zap.Int("count", n))
			}
		}
	}
}

// Sweep evicts jobs idle longer than the timeout and returns how many it removed
func (r *Reassembler) Sweep(now time.Time) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for key, buf := range s.buffers {
			if now.Sub(buf.lastSeen) > r.timeout {
				delete(s.buffers, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	r.expiredCount.Add(uint64(removed))
	return removed
}

// Pending returns the number of incomplete jobs
func (r *Reassembler) Pending() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.buffers)
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the counters
func (r *Reassembler) Stats() Stats {
	return Stats{
		Pending:    r.Pending(),
		Completed:  r.completedCount.Load(),
		Expired:    r.expiredCount.Load(),
		Dropped:    r.droppedCount.Load(),
		Duplicates: r.duplicateCount.Load(),
	}
}

func (r *Reassembler) shardFor(key jobKey) *shard {
	h := binary.BigEndian.Uint64(key.id[:]) ^ binary.BigEndian.Uint64(key.sender[:])
	return r.shards[h%shardCount]
}

// evictOldest removes the least recently touched job. Caller holds s.mu.
func (r *Reassembler) evictOldest(s *shard) {
	var oldestKey jobKey
	var oldest *buffer
	for key, buf := range s.buffers {
		if oldest == nil || buf.lastSeen.Before(oldest.lastSeen) {
			oldestKey, oldest = key, buf
		}
	}
	if oldest != nil {
		delete(s.buffers, oldestKey)
		r.expiredCount.Add(1)
	}
}

func (r *Reassembler) drop(reason, fromPeer string) {
	r.droppedCount.Add(1)
	r.logger.Debug("dropped fragment", zap.String("reason", reason), zap.String("from", fromPeer))
}

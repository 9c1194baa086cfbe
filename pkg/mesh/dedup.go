package mesh

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Deduplicator decides whether a packet was already handled. Flooding
// delivers every packet many times; only the first copy is processed.
type Deduplicator interface {
	// Seen records id and reports whether it had been recorded before
	Seen(id [32]byte) bool
}

// LRUDeduplicator remembers the most recent packet digests
type LRUDeduplicator struct {
	cache *lru.Cache
}

// NewLRUDeduplicator creates a deduplicator holding size digests
func NewLRUDeduplicator(size int) (*LRUDeduplicator, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &LRUDeduplicator{cache: cache}, nil
}

// Seen implements Deduplicator
func (d *LRUDeduplicator) Seen(id [32]byte) bool {
	found, _ := d.cache.ContainsOrAdd(id, struct{}{})
	return found
}

// Len returns the number of remembered digests
func (d *LRUDeduplicator) Len() int {
	return d.cache.Len()
}

// PacketID is the dedup digest of a packet. It covers the signed bytes, so
// copies that differ only in TTL, padding or compression share one ID.
func PacketID(p *protocol.Packet) ([32]byte, error) {
	b, err := protocol.SigningBytes(p)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Sum256(b), nil
}

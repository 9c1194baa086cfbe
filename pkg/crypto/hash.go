package crypto

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// Sum256 returns the BLAKE2b-256 digest of data
func Sum256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// HashString generates a BLAKE2b hash and returns hex string
func HashString(data []byte) (string, error) {
	hash, err := Hash(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// VerifyPeerID reports whether peerID is the mesh identifier derived from
// the static key. The comparison is constant time.
func VerifyPeerID(static, peerID []byte) bool {
	sum := Sum256(static)
	return subtle.ConstantTimeCompare(sum[:protocol.IDSize], peerID) == 1
}

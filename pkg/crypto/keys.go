package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var (
	ErrInvalidKey = errors.New("invalid key")
)

const (
	noiseKeyBlock   = "NOISE STATIC KEY"
	signingKeyBlock = "PRIVATE KEY"
)

// Identity is a node's long-term key material: the X25519 static key used
// for Noise handshakes and the Ed25519 key used to sign broadcast packets
type Identity struct {
	Noise   noise.KeyPair
	Signing ed25519.PrivateKey
}

// GenerateIdentity generates a new identity
func GenerateIdentity() (*Identity, error) {
	static, err := noise.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate noise key: %w", err)
	}

	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &Identity{Noise: static, Signing: signing}, nil
}

// SigningPublic returns the Ed25519 public key
func (id *Identity) SigningPublic() ed25519.PublicKey {
	return id.Signing.Public().(ed25519.PublicKey)
}

// PeerID returns the 8-byte mesh identifier of this identity
func (id *Identity) PeerID() []byte {
	return PeerIDFromStatic(id.Noise.Public[:])
}

// Fingerprint returns the hex fingerprint of the Noise static key
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.Noise.Public[:])
}

// Zero clears the private keys
func (id *Identity) Zero() {
	id.Noise.Zero()
	clear(id.Signing)
}

// PeerIDFromStatic derives the mesh identifier from a Noise static public
// key: the first 8 bytes of its BLAKE2b-256 digest
func PeerIDFromStatic(static []byte) []byte {
	sum := Sum256(static)
	return append([]byte(nil), sum[:protocol.IDSize]...)
}

// Fingerprint returns the hex BLAKE2b-256 digest of a public key
func Fingerprint(pub []byte) string {
	s, _ := HashString(pub)
	return s
}

// ExportIdentityPEM exports both private keys as PEM blocks
func ExportIdentityPEM(id *Identity) ([]byte, error) {
	if id == nil || len(id.Signing) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}

	signingDER, err := x509.MarshalPKCS8PrivateKey(id.Signing)
	if err != nil {
		return nil, err
	}

	out := pem.EncodeToMemory(&pem.Block{
		Type:  noiseKeyBlock,
		Bytes: id.Noise.Private[:],
	})
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:  signingKeyBlock,
		Bytes: signingDER,
	})...)

	return out, nil
}

// ImportIdentityPEM imports an identity written by ExportIdentityPEM
func ImportIdentityPEM(pemData []byte) (*Identity, error) {
	id := &Identity{}
	var haveNoise bool

	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case noiseKeyBlock:
			kp, err := noise.NewKeyPair(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			id.Noise = kp
			haveNoise = true

		case signingKeyBlock:
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signing, ok := key.(ed25519.PrivateKey)
			if !ok {
				return nil, ErrInvalidKey
			}
			id.Signing = signing
		}
	}

	if !haveNoise || id.Signing == nil {
		return nil, ErrInvalidKey
	}
	return id, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// LoadOrCreateIdentity loads the identity at filename, generating and saving
// a new one when the file does not exist
func LoadOrCreateIdentity(filename string) (id *Identity, created bool, err error) {
	data, err := LoadKeyFromFile(filename)
	if err == nil {
		id, err = ImportIdentityPEM(data)
		return id, false, err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	pemData, err := ExportIdentityPEM(id)
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyToFile(filename, pemData); err != nil {
		return nil, false, fmt.Errorf("failed to save identity: %w", err)
	}
	return id, true, nil
}

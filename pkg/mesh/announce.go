package mesh

import (
	"crypto/ed25519"
	"errors"
	"unicode/utf8"

	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
)

// MaxNicknameLength bounds the nickname carried in an announce
const MaxNicknameLength = 64

const announceKeysSize = noise.KeySize + ed25519.PublicKeySize

var ErrInvalidAnnounce = errors.New("invalid announce payload")

// announce is the payload of an announce packet:
// [noiseStatic:32][signingKey:32][nickname:utf-8]
type announce struct {
	NoiseStatic [noise.KeySize]byte
	SigningKey  ed25519.PublicKey
	Nickname    string
}

func (a *announce) encode() []byte {
	nick := a.Nickname
	if len(nick) > MaxNicknameLength {
		nick = nick[:MaxNicknameLength]
		for len(nick) > 0 && !utf8.ValidString(nick) {
			nick = nick[:len(nick)-1]
		}
	}
	buf := make([]byte, 0, announceKeysSize+len(nick))
	buf = append(buf, a.NoiseStatic[:]...)
	buf = append(buf, a.SigningKey...)
	buf = append(buf, nick...)
	return buf
}

func decodeAnnounce(buf []byte) (*announce, error) {
	if len(buf) < announceKeysSize || len(buf) > announceKeysSize+MaxNicknameLength {
		return nil, ErrInvalidAnnounce
	}
	nick := buf[announceKeysSize:]
	if !utf8.Valid(nick) {
		return nil, ErrInvalidAnnounce
	}

	a := &announce{
		SigningKey: append(ed25519.PublicKey(nil), buf[noise.KeySize:announceKeysSize]...),
		Nickname:   string(nick),
	}
	copy(a.NoiseStatic[:], buf[:noise.KeySize])
	return a, nil
}

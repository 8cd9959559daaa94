package tracker

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const sealInfo = "upscale-tracker credential v1"

var errSealed = errors.New("sealed credential is corrupt or was sealed with another key")

// Sealer encrypts service credentials before they are written to the database.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the sealing key from secret. An empty secret yields nil:
// credentials are then kept in memory only.
func NewSealer(secret string) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, nil
	}
	s := &Sealer{}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sealer) Seal(plain string) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key), nil
}

func (s *Sealer) Open(box []byte) (string, error) {
	if len(box) < 24+secretbox.Overhead {
		return "", errSealed
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return "", errSealed
	}
	return string(plain), nil
}

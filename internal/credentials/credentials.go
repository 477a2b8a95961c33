// Package credentials seals provider tokens for transport through workflow
// history and derives the stable hash used to list a caller's evaluations.
//
// The submission API key doubles as the provider token. It is never stored
// in plaintext: workflow inputs carry a secretbox-sealed copy, and the
// database keeps only HashAPIKey's output.
package credentials

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrInvalidKey indicates the sealing key is not 32 bytes of hex.
	ErrInvalidKey = errors.New("credentials: sealing key must be 32 hex-encoded bytes")
	// ErrUnsealFailed indicates a sealed token was malformed or sealed under another key.
	ErrUnsealFailed = errors.New("credentials: unable to unseal token")
)

// Sealer seals and opens provider tokens with a shared symmetric key.
type Sealer struct {
	key        [keySize]byte
	signingKey []byte
}

// NewSealer builds a Sealer from a hex-encoded 32-byte sealing key and an
// HMAC signing key used for API key hashing.
func NewSealer(hexKey, signingKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	s := &Sealer{signingKey: []byte(signingKey)}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts token and returns a URL-safe string suitable for workflow inputs.
func (s *Sealer) Seal(token string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("credentials: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(token), &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	box, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(box) < nonceSize+secretbox.Overhead {
		return "", ErrUnsealFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrUnsealFailed
	}
	return string(plain), nil
}

// HashAPIKey signs apiKey with the signing key and returns the hex sha256 of
// the signed value. Equal keys always hash equal under the same signing key.
func (s *Sealer) HashAPIKey(apiKey string) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(apiKey))
	signed := apiKey + ":" + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	sum := sha256.Sum256([]byte(signed))
	return hex.EncodeToString(sum[:])
}

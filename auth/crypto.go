package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Encryptor seals TOTP secrets and recovery codes at rest with
// nacl/secretbox (XSalsa20-Poly1305).
type Encryptor struct {
	key [32]byte
}

// NewEncryptor builds an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	e := &Encryptor{}
	copy(e.key[:], key)
	return e, nil
}

// Encrypt seals the plaintext and returns a base64 envelope with the nonce
// prepended.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", err
	}
	if len(raw) < 24 {
		return "", errors.New("envelope too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	opened, ok := secretbox.Open(nil, raw[24:], &nonce, &e.key)
	if !ok {
		return "", errors.New("decryption failed")
	}
	return string(opened), nil
}

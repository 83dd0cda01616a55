package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

// Codec is the reversible transform applied to capsule content before it
// touches the database. Decode(Encode(x)) == x for all x.
type Codec interface {
	Encode(plaintext string) (string, error)
	Decode(ciphertext string) (string, error)
}

var (
	ErrBadKey        = errors.New("vault: key must be 32 bytes (64 hex chars) for AES-256")
	ErrBadCiphertext = errors.New("vault: ciphertext malformed or tampered")
)

type aesCodec struct {
	aead cipher.AEAD
}

// New builds an AES-256-GCM codec from a hex-encoded 32-byte key.
func New(hexKey string) (Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aesCodec{aead: aead}, nil
}

// Encode seals plaintext with a fresh random nonce. The nonce is prepended to
// the ciphertext and the whole blob is base64-encoded for storage in a text
// column.
func (c *aesCodec) Encode(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *aesCodec) Decode(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrBadCiphertext
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrBadCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plain), nil
}

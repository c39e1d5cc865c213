package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1."
	minKeyBytes  = 32
	hkdfInfo     = "relaygate token encryption v1"
)

// ErrDecrypt is returned for any ciphertext that fails to open.
var ErrDecrypt = errors.New("decrypt failed")

// Cipher seals short secrets with XChaCha20-Poly1305.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from the configured key material. The
// material may be hex, base64 or raw bytes but must carry at least 32 bytes.
func NewCipher(keyMaterial string) (*Cipher, error) {
	raw := decodeKeyMaterial(strings.TrimSpace(keyMaterial))
	if len(raw) < minKeyBytes {
		return nil, fmt.Errorf("encryption key must be at least %d bytes", minKeyBytes)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init xchacha20poly1305: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func decodeKeyMaterial(s string) []byte {
	if b, err := hex.DecodeString(s); err == nil && len(b) >= minKeyBytes {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) >= minKeyBytes {
		return b
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(b) >= minKeyBytes {
		return b
	}
	return []byte(s)
}

// Encrypt seals plaintext bound to aad. A fresh random nonce is drawn per call,
// so sealing the same value twice never yields the same output.
func (c *Cipher) Encrypt(plaintext, aad string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with the same aad.
func (c *Cipher) Decrypt(sealed, aad string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrDecrypt
	}
	blob, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", ErrDecrypt
	}
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return "", ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, blob[:ns], blob[ns:], []byte(aad))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

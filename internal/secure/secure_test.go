package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	for _, plaintext := range []string{"gho_abc123", "", strings.Repeat("x", 4096)} {
		sealed, err := c.Encrypt(plaintext, "inst-1")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sealed, "v1."))

		got, err := c.Decrypt(sealed, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestCipherNonDeterministic(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("same-token", "inst-1")
	require.NoError(t, err)
	b, err := c.Encrypt("same-token", "inst-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherRejectsTamperingAndWrongBinding(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	other, err := NewCipher(strings.Repeat("k", 40))
	require.NoError(t, err)

	sealed, err := c.Encrypt("secret", "inst-1")
	require.NoError(t, err)

	_, err = c.Decrypt(sealed, "inst-2")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = other.Decrypt(sealed, "inst-1")
	assert.ErrorIs(t, err, ErrDecrypt)

	blob, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, "v1."))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	_, err = c.Decrypt("v1."+base64.RawStdEncoding.EncodeToString(blob), "inst-1")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = c.Decrypt("plaintext-token", "inst-1")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewCipherShortKey(t *testing.T) {
	_, err := NewCipher("too-short")
	assert.Error(t, err)
}

func TestVerifyHMAC(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"event":"push","repository":"test"}`)
	sig256 := SignHMACHex(SHA256, secret, body)
	sig1 := SignHMACHex(SHA1, secret, body)

	tests := []struct {
		name      string
		alg       Algorithm
		body      []byte
		signature string
		prefix    string
		secret    string
		want      bool
	}{
		{name: "sha256 plain hex", alg: SHA256, body: body, signature: sig256, secret: secret, want: true},
		{name: "sha256 with prefix", alg: SHA256, body: body, signature: "sha256=" + sig256, prefix: "sha256=", secret: secret, want: true},
		{name: "sha1 plain hex", alg: SHA1, body: body, signature: sig1, secret: secret, want: true},
		{name: "prefix required but missing", alg: SHA256, body: body, signature: sig256, prefix: "sha256=", secret: secret, want: false},
		{name: "tampered body", alg: SHA256, body: []byte(`{"event":"push","repository":"hacked"}`), signature: sig256, secret: secret, want: false},
		{name: "wrong secret", alg: SHA256, body: body, signature: sig256, secret: "wrong-secret", want: false},
		{name: "empty signature", alg: SHA256, body: body, signature: "", secret: secret, want: false},
		{name: "empty secret", alg: SHA256, body: body, signature: sig256, secret: "", want: false},
		{name: "malformed hex", alg: SHA256, body: body, signature: "not-valid-hex", secret: secret, want: false},
		{name: "sha1 digest offered for sha256", alg: SHA256, body: body, signature: sig1, secret: secret, want: false},
		{name: "truncated digest", alg: SHA256, body: body, signature: sig256[:32], secret: secret, want: false},
		{name: "unknown algorithm", alg: Algorithm("md5"), body: body, signature: sig256, secret: secret, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyHMAC(tt.alg, tt.secret, tt.body, tt.signature, tt.prefix))
		})
	}
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
	assert.False(t, ConstantTimeEqual("", ""))
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)

	_, err = RandomToken(0)
	assert.Error(t, err)
}

func TestSignAppJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()

	signed, err := SignAppJWT("12345", key, now)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.True(t, tok.Valid)
	assert.Equal(t, "12345", claims.Issuer)
	assert.WithinDuration(t, now.Add(AppJWTLifetime), claims.ExpiresAt.Time, time.Second)

	_, err = SignAppJWT("", key, now)
	assert.Error(t, err)
}

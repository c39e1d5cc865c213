package secure

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

// Algorithm names a keyed-hash family used by a provider's webhook signature.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

func (a Algorithm) newHash() (func() hash.Hash, int) {
	switch a {
	case SHA1:
		return sha1.New, sha1.Size
	case SHA256:
		return sha256.New, sha256.Size
	default:
		return nil, 0
	}
}

// SignHMAC computes the raw keyed-hash digest of body.
func SignHMAC(alg Algorithm, secret string, body []byte) []byte {
	h, _ := alg.newHash()
	if h == nil {
		return nil
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHMACHex is SignHMAC encoded as lowercase hex.
func SignHMACHex(alg Algorithm, secret string, body []byte) string {
	return hex.EncodeToString(SignHMAC(alg, secret, body))
}

// VerifyHMAC checks a hex signature, optionally framed with prefix (for
// example "sha256="), against body. The decoded signature must have
// the digest's exact length before the constant-time compare runs.
func VerifyHMAC(alg Algorithm, secret string, body []byte, signature, prefix string) bool {
	if secret == "" || signature == "" {
		return false
	}
	_, size := alg.newHash()
	if size == 0 {
		return false
	}

	signature = strings.TrimSpace(signature)
	if prefix != "" {
		if !strings.HasPrefix(signature, prefix) {
			return false
		}
		signature = strings.TrimPrefix(signature, prefix)
	}

	actual, err := hex.DecodeString(signature)
	if err != nil || len(actual) != size {
		return false
	}
	return hmac.Equal(SignHMAC(alg, secret, body), actual)
}

// ConstantTimeEqual reports whether a and b match without leaking timing.
// Empty strings never match.
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

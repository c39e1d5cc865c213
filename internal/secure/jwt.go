package secure

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppJWTLifetime stays under the ten minutes GitHub accepts for app JWTs.
const AppJWTLifetime = 9 * time.Minute

// ParseRSAPrivateKey parses a PEM encoded PKCS#1 or PKCS#8 RSA key.
func ParseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	return key, nil
}

// SignAppJWT issues the short-lived RS256 credential an app uses to mint
// installation tokens. iat is backdated a minute to absorb clock drift.
func SignAppJWT(appID string, key *rsa.PrivateKey, now time.Time) (string, error) {
	if appID == "" || key == nil {
		return "", fmt.Errorf("app id and private key are required")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(AppJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

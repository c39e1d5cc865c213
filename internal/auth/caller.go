package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallerHeader carries the signed caller assertion.
const CallerHeader = "X-Relaygate-Caller"

var ErrInvalidCaller = errors.New("invalid caller assertion")

// Caller is the authenticated end user a request acts for.
type Caller struct {
	OrgID  string
	UserID string
}

type callerClaims struct {
	Org string `json:"org"`
	jwt.RegisteredClaims
}

// CallerVerifier checks HS256 caller assertions minted by the internal
// product with the shared caller secret.
type CallerVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewCallerVerifier(secret string) *CallerVerifier {
	return &CallerVerifier{secret: []byte(secret), now: time.Now}
}

// Verify parses an assertion. sub is the user, org the organization, and
// exp is required.
func (v *CallerVerifier) Verify(token string) (Caller, error) {
	if len(v.secret) == 0 {
		return Caller{}, fmt.Errorf("%w: caller secret not configured", ErrInvalidCaller)
	}
	claims := &callerClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidCaller, err)
	}
	if claims.Subject == "" || claims.Org == "" {
		return Caller{}, fmt.Errorf("%w: sub and org are required", ErrInvalidCaller)
	}
	return Caller{OrgID: claims.Org, UserID: claims.Subject}, nil
}

// VerifyRequest reads and verifies the caller header.
func (v *CallerVerifier) VerifyRequest(r *http.Request) (Caller, error) {
	token := r.Header.Get(CallerHeader)
	if token == "" {
		return Caller{}, fmt.Errorf("%w: missing %s header", ErrInvalidCaller, CallerHeader)
	}
	return v.Verify(token)
}

// SignCaller mints an assertion for c valid for ttl.
func SignCaller(secret string, c Caller, ttl time.Duration, now time.Time) (string, error) {
	claims := callerClaims{
		Org: c.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

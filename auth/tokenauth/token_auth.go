// Package tokenauth authenticates sessions with an HMAC-signed JWT sent as
// the first frame: "TOKEN <jwt>". The subject is the user id; the device
// travels in custom claims.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cyberinferno/go-sessionhub/engine"
	"github.com/cyberinferno/go-sessionhub/session"
)

// Prefix starts every token login frame.
const Prefix = "TOKEN "

var (
	// ErrMalformedFrame is returned for a frame without the TOKEN prefix.
	ErrMalformedFrame = errors.New("expected TOKEN <jwt>")

	// ErrMissingClaims is returned for a valid token without subject or device.
	ErrMissingClaims = errors.New("token lacks subject or device claim")
)

// Claims is the token payload.
type Claims struct {
	DeviceID   string `json:"dev"`
	DeviceType string `json:"dtype,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator implements engine.Authenticator.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ engine.Authenticator = (*Authenticator)(nil)

// New returns an authenticator for HS256 tokens signed with secret. A
// non-empty issuer is enforced on every token.
func New(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}

	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for the device, valid for ttl.
//
// Parameters:
//   - userID: Token subject
//   - deviceID: Device claim
//   - deviceType: Optional device type claim
//   - ttl: Lifetime of the token
//
// Returns:
//   - The signed token, or the signing error
func (a *Authenticator) Issue(userID, deviceID, deviceType string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// Authenticate implements engine.Authenticator. Bad tokens are reported as
// a failed AuthResult, not as an error.
func (a *Authenticator) Authenticate(_ context.Context, _ *session.Session, data []byte) (engine.AuthResult, error) {
	frame := strings.TrimSpace(string(data))
	if !strings.HasPrefix(frame, Prefix) {
		return engine.AuthResult{ErrorMessage: ErrMalformedFrame.Error()}, nil
	}

	claims, err := a.parse(strings.TrimSpace(strings.TrimPrefix(frame, Prefix)))
	if err != nil {
		return engine.AuthResult{ErrorMessage: err.Error()}, nil
	}

	return engine.AuthResult{
		Success:    true,
		UserID:     claims.Subject,
		DeviceID:   claims.DeviceID,
		DeviceType: claims.DeviceType,
	}, nil
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return nil, ErrMissingClaims
	}

	return claims, nil
}

// Package token signs and verifies the join-token capability described in
// spec.md §3/§6: a short-lived JWT that binds a client to exactly one
// (room server, room, identity) triple.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"realtime-rooms/internal/wire"
)

// Subject is the fixed JWT subject claim every join token carries. A
// token with any other subject is rejected.
const Subject = "joinRoom"

// DefaultExpiry is applied by Generate when Options.TTL is zero.
const DefaultExpiry = time.Minute

var (
	// ErrInvalidToken covers malformed tokens, bad signatures, and wrong
	// signing methods.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrExpiredToken is returned when the token's exp claim has passed.
	ErrExpiredToken = errors.New("token: expired")
	// ErrWrongSubject is returned when the subject claim isn't "joinRoom".
	ErrWrongSubject = errors.New("token: wrong subject")
)

// Claims is the signed payload, per spec.md §3.
type Claims struct {
	PublicURL         string             `json:"publicUrl"`
	RoomID            string             `json:"roomId"`
	RoomProperties    wire.RawProperties `json:"roomProperties,omitempty"`
	ClientID          string             `json:"clientId"`
	ClientProperties  wire.RawProperties `json:"clientProperties,omitempty"`
	// JoinOnly, when true, means the token admits joining an existing
	// room only — it must not cause room creation. See DESIGN.md for the
	// spec.md §9 open question this resolves.
	JoinOnly bool `json:"joinOnly,omitempty"`

	jwt.RegisteredClaims
}

// Options configures a single Generate call.
type Options struct {
	PublicURL        string
	RoomID           string
	RoomProperties   wire.RawProperties
	ClientID         string
	ClientProperties wire.RawProperties
	JoinOnly         bool
	// TTL defaults to DefaultExpiry when zero.
	TTL time.Duration
}

// Codec signs and verifies tokens against a single shared secret.
type Codec struct {
	secret []byte
}

// NewCodec builds a Codec from the shared secret. An empty secret is
// accepted here (startup-time policy about the insecure default secret
// lives in cmd/, not in this package).
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Generate signs a new join token.
func (c *Codec) Generate(opts Options) (string, error) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultExpiry
	}
	now := time.Now()
	claims := Claims{
		PublicURL:        opts.PublicURL,
		RoomID:           opts.RoomID,
		RoomProperties:   opts.RoomProperties,
		ClientID:         opts.ClientID,
		ClientProperties: opts.ClientProperties,
		JoinOnly:         opts.JoinOnly,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.secret)
}

// Verify parses and validates a join token: signature, required subject,
// and expiry. On success it returns the recovered Claims.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject != Subject {
		return nil, ErrWrongSubject
	}

	return claims, nil
}

// Package auth issues and verifies meeting join tokens.
//
// A join token is a short-lived HS256 JWT bound to one meeting and one
// participant identity. The HTTP API mints one per participant; the
// websocket endpoint verifies it before the participant may enter the
// room.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredentials is returned when no token was presented at all.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidCredentials is returned for malformed, forged or expired
	// tokens. Callers must not distinguish the sub-cases to clients.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrMeetingMismatch is returned when a structurally valid token is
	// presented against a different meeting than it was minted for.
	ErrMeetingMismatch = errors.New("auth: token issued for a different meeting")
)

const issuerName = "iglu-signaling"

// Claims is the payload of a join token.
type Claims struct {
	MeetingID   string `json:"meetingId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified participant identity extracted from a token.
type Identity struct {
	MeetingID   string
	UserID      string
	DisplayName string
}

// Issuer mints join tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: non-positive token TTL")
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token admitting userID into meetingID until the TTL
// elapses.
func (i *Issuer) Issue(meetingID, userID, displayName string) (string, error) {
	if meetingID == "" || userID == "" {
		return "", errors.New("auth: meeting ID and user ID are required")
	}
	now := i.now()
	claims := Claims{
		MeetingID:   meetingID,
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verifier verifies join tokens minted by an Issuer sharing the same
// secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty verification secret")
	}
	return &Verifier{secret: secret, now: time.Now}, nil
}

// Verify checks tokenString and confirms it admits the bearer into
// meetingID. The returned Identity carries the user ID and display name
// baked into the token at issue time.
func (v *Verifier) Verify(tokenString, meetingID string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissingCredentials
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(
		tokenString,
		&claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return v.secret, nil
		},
		jwt.WithIssuer(issuerName),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidCredentials
	}
	if claims.MeetingID == "" || claims.UserID == "" {
		return Identity{}, ErrInvalidCredentials
	}
	if meetingID != "" && claims.MeetingID != meetingID {
		return Identity{}, ErrMeetingMismatch
	}
	return Identity{
		MeetingID:   claims.MeetingID,
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
	}, nil
}

// Package turncred mints coturn-compatible ephemeral TURN credentials
// for meeting participants.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<participant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC.
package turncred

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time

	participantIDSource func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now and ParticipantIDSource are test seams; nil means the real
	// clock and a crypto/rand hex ID.
	Now                 func() time.Time
	ParticipantIDSource func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turncred: shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turncred: TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turncred: UsernamePrefix is required")
	}
	if strings.ContainsRune(cfg.UsernamePrefix, ':') {
		return nil, errors.New("turncred: UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ParticipantIDSource == nil {
		cfg.ParticipantIDSource = cryptoRandomParticipantID
	}
	return &Generator{
		sharedSecret:        []byte(cfg.SharedSecret),
		ttlSeconds:          cfg.TTLSeconds,
		usernamePrefix:      cfg.UsernamePrefix,
		now:                 cfg.Now,
		participantIDSource: cfg.ParticipantIDSource,
	}, nil
}

// Credentials is one ephemeral TURN username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials tied to participantID. The participant ID
// becomes part of the TURN username so allocations are attributable in
// coturn logs.
func (g *Generator) Generate(participantID string) (Credentials, error) {
	if participantID == "" {
		return Credentials{}, errors.New("turncred: participantID is required")
	}
	if strings.ContainsRune(participantID, ':') {
		return Credentials{}, errors.New("turncred: participantID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, participantID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateRandom mints credentials for an anonymous participant.
func (g *Generator) GenerateRandom() (Credentials, error) {
	participantID, err := g.participantIDSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(participantID)
}

func cryptoRandomParticipantID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

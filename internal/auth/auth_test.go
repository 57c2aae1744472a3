package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newPair(t *testing.T) (*Issuer, *Verifier) {
	t.Helper()
	issuer, err := NewIssuer([]byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := NewVerifier([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return issuer, verifier
}

func TestIssueAndVerify(t *testing.T) {
	issuer, verifier := newPair(t)

	token, err := issuer.Issue("meeting-1", "user-a", "Ada")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	identity, err := verifier.Verify(token, "meeting-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.MeetingID != "meeting-1" || identity.UserID != "user-a" || identity.DisplayName != "Ada" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestVerifyMeetingMismatch(t *testing.T) {
	issuer, verifier := newPair(t)

	token, err := issuer.Issue("meeting-1", "user-a", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := verifier.Verify(token, "meeting-2"); !errors.Is(err, ErrMeetingMismatch) {
		t.Fatalf("Verify = %v, want ErrMeetingMismatch", err)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	_, verifier := newPair(t)
	if _, err := verifier.Verify("", "meeting-1"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("Verify = %v, want ErrMissingCredentials", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer, _ := newPair(t)
	verifier, err := NewVerifier([]byte("another-secret-another-secret!!!"))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token, err := issuer.Issue("meeting-1", "user-a", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token, "meeting-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	issuer, verifier := newPair(t)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := issuer.Issue("meeting-1", "user-a", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token, "meeting-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify = %v, want ErrInvalidCredentials for expired token", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	_, verifier := newPair(t)
	if _, err := verifier.Verify("not.a.jwt", "meeting-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify = %v, want ErrInvalidCredentials", err)
	}
}

func TestNewIssuerRejectsBadInput(t *testing.T) {
	if _, err := NewIssuer(nil, time.Hour); err == nil {
		t.Fatalf("empty secret should be rejected")
	}
	if _, err := NewIssuer([]byte(testSecret), 0); err == nil {
		t.Fatalf("zero TTL should be rejected")
	}
}

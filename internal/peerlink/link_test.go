package peerlink

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

// recordingLink observes candidate application without a real pion
// connection behind it.
func recordingLink(applied *[]string) *PeerLink {
	return &PeerLink{
		userID:    "b",
		setRemote: func(webrtc.SessionDescription) error { return nil },
		addCandidate: func(c webrtc.ICECandidateInit) error {
			*applied = append(*applied, c.Candidate)
			return nil
		},
	}
}

func TestBufferedCandidatesApplyInOrderExactlyOnce(t *testing.T) {
	var applied []string
	l := recordingLink(&applied)

	for _, c := range []string{"c1", "c2", "c3"} {
		if err := l.addRemoteCandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
			t.Fatalf("addRemoteCandidate(%s): %v", c, err)
		}
	}
	if len(applied) != 0 {
		t.Fatalf("candidates applied before remote description: %v", applied)
	}

	if err := l.applyRemoteDescription(webrtc.SessionDescription{}); err != nil {
		t.Fatalf("applyRemoteDescription: %v", err)
	}
	if len(applied) != 3 || applied[0] != "c1" || applied[1] != "c2" || applied[2] != "c3" {
		t.Fatalf("applied = %v, want [c1 c2 c3]", applied)
	}
	if got := l.PendingRemoteCandidates(); got != 0 {
		t.Fatalf("PendingRemoteCandidates = %d after flush, want 0", got)
	}

	// After the flush, candidates apply immediately.
	if err := l.addRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c4"}); err != nil {
		t.Fatalf("addRemoteCandidate(c4): %v", err)
	}
	if len(applied) != 4 || applied[3] != "c4" {
		t.Fatalf("applied = %v, want c4 appended", applied)
	}

	// A second description (answer after a renegotiated offer) must not
	// replay the flushed queue.
	if err := l.applyRemoteDescription(webrtc.SessionDescription{}); err != nil {
		t.Fatalf("second applyRemoteDescription: %v", err)
	}
	if len(applied) != 4 {
		t.Fatalf("applied = %v, flushed candidates were applied twice", applied)
	}
}

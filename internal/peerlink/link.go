package peerlink

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerLink is the connection to one remote participant: a pion
// PeerConnection plus the queue of remote ICE candidates that arrived
// before the remote description.
type PeerLink struct {
	userID string
	pc     *webrtc.PeerConnection

	setRemote    func(webrtc.SessionDescription) error
	addCandidate func(webrtc.ICECandidateInit) error

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	closeOnce sync.Once
}

func newPeerLink(userID string, pc *webrtc.PeerConnection) *PeerLink {
	return &PeerLink{
		userID:       userID,
		pc:           pc,
		setRemote:    pc.SetRemoteDescription,
		addCandidate: pc.AddICECandidate,
	}
}

// UserID returns the remote participant this link connects to.
func (l *PeerLink) UserID() string { return l.userID }

// PeerConnection exposes the underlying pion connection.
func (l *PeerLink) PeerConnection() *webrtc.PeerConnection { return l.pc }

// applyRemoteDescription sets the remote description and flushes every
// buffered candidate in arrival order. The flush happens under the
// link's lock, so a candidate arriving concurrently cannot jump the
// queue. Each buffered candidate is applied exactly once.
func (l *PeerLink) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.setRemote(desc); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSet = true
	for _, c := range l.pending {
		if err := l.addCandidate(c); err != nil {
			l.pending = nil
			return err
		}
	}
	l.pending = nil
	return nil
}

// addRemoteCandidate applies a candidate immediately when the remote
// description is set, otherwise buffers it. No candidate is ever
// dropped.
func (l *PeerLink) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.addCandidate(c)
}

// PendingRemoteCandidates reports how many candidates are waiting for
// the remote description.
func (l *PeerLink) PendingRemoteCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// close shuts the underlying connection down exactly once.
func (l *PeerLink) close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.pc.Close()
	})
	return err
}

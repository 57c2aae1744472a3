// Package peerlink maintains one WebRTC connection per remote meeting
// participant and drives offer/answer/candidate exchange over the
// signaling channel.
package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/iglu-video/iglu/internal/signal"
)

// Signaler delivers outbound signaling events. The meeting's channel
// adapter satisfies it.
type Signaler interface {
	Send(event signal.Event, payload any) error
}

// RemoteTrack is an inbound media track published by a remote
// participant. Listeners decide how to render it.
type RemoteTrack struct {
	UserID   string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	SelfID     string
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Logger     *slog.Logger

	// LocalTracks supplies the tracks attached to links the manager
	// creates on behalf of an inbound offer. Nil means receive-only.
	LocalTracks func() []webrtc.TrackLocal

	// OnRemoteTrack fires when a remote participant's track arrives.
	// OnStreamCleared fires when a link is torn down and any remote
	// stream from that participant should be dropped.
	OnRemoteTrack   func(RemoteTrack)
	OnStreamCleared func(userID string)
}

// Manager owns every PeerLink of one meeting. All public methods are
// safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu    sync.Mutex
	links map[string]*PeerLink
	// early holds candidates that arrived before the link they belong
	// to; cross-event ordering is not guaranteed, so an ice-candidate
	// may legitimately precede its video-offer.
	early map[string][]webrtc.ICECandidateInit
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("peerlink: SelfID is required")
	}
	if cfg.API == nil {
		return nil, errors.New("peerlink: API is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("peerlink: Signaler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		links:  make(map[string]*PeerLink),
		early:  make(map[string][]webrtc.ICECandidateInit),
	}, nil
}

// ShouldInitiate is the glare tie-break: between any two participants,
// exactly one initiates, and it is always the lexicographically smaller
// user ID. Both sides compute the same answer from the same inputs.
func ShouldInitiate(localID, remoteID string) bool {
	return localID < remoteID
}

// EnsureLink creates the link to userID if it does not exist, attaching
// the given local tracks. With initiator set it also sends an offer.
// Calling it for an existing link is a no-op regardless of arguments.
func (m *Manager) EnsureLink(userID string, tracks []webrtc.TrackLocal, initiator bool) error {
	if userID == "" || userID == m.cfg.SelfID {
		return nil
	}
	link, created, err := m.ensureLink(userID, tracks)
	if err != nil {
		return err
	}
	if !created || !initiator {
		return nil
	}
	return m.sendOffer(link)
}

// HandleRemoteOffer applies an inbound video-offer and replies with a
// video-answer. Offers authored by the local user are ignored.
func (m *Manager) HandleRemoteOffer(fromID string, sdp signal.SDP) error {
	if fromID == "" || fromID == m.cfg.SelfID {
		return nil
	}

	var tracks []webrtc.TrackLocal
	if m.cfg.LocalTracks != nil {
		tracks = m.cfg.LocalTracks()
	}
	link, _, err := m.ensureLink(fromID, tracks)
	if err != nil {
		return err
	}

	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := link.applyRemoteDescription(desc); err != nil {
		return fmt.Errorf("peerlink: apply offer from %s: %w", fromID, err)
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("peerlink: create answer for %s: %w", fromID, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("peerlink: set local answer for %s: %w", fromID, err)
	}

	return m.cfg.Signaler.Send(signal.EventVideoAnswer, signal.SessionDescription{
		SDP:          signal.SDPFromPion(answer),
		TargetUserID: fromID,
		UserID:       m.cfg.SelfID,
	})
}

// HandleRemoteAnswer applies an inbound video-answer. Answers for
// unknown links and duplicate answers on an already stable link are
// dropped.
func (m *Manager) HandleRemoteAnswer(fromID string, sdp signal.SDP) error {
	link := m.get(fromID)
	if link == nil {
		m.logger.Debug("dropping answer for unknown link", "user_id", fromID)
		return nil
	}
	if link.pc.SignalingState() == webrtc.SignalingStateStable {
		m.logger.Debug("dropping duplicate answer", "user_id", fromID)
		return nil
	}

	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := link.applyRemoteDescription(desc); err != nil {
		return fmt.Errorf("peerlink: apply answer from %s: %w", fromID, err)
	}
	return nil
}

// HandleRemoteCandidate feeds an inbound ice-candidate to the link,
// buffering it when the remote description has not landed yet. A
// candidate with no link yet is held in the manager and replayed, in
// arrival order, when the link is created; no candidate is dropped
// while its sender is still in the meeting.
func (m *Manager) HandleRemoteCandidate(fromID string, cand signal.Candidate) error {
	if fromID == "" || fromID == m.cfg.SelfID {
		return nil
	}

	m.mu.Lock()
	link, ok := m.links[fromID]
	if !ok {
		m.early[fromID] = append(m.early[fromID], cand.ToPion())
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return link.addRemoteCandidate(cand.ToPion())
}

// Teardown closes the link to userID and clears its remote stream. It
// is idempotent.
func (m *Manager) Teardown(userID string) {
	m.mu.Lock()
	link, ok := m.links[userID]
	if ok {
		delete(m.links, userID)
	}
	delete(m.early, userID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := link.close(); err != nil {
		m.logger.Warn("closing peer link", "user_id", userID, "err", err)
	}
	if m.cfg.OnStreamCleared != nil {
		m.cfg.OnStreamCleared(userID)
	}
}

// TeardownAll closes every link. It is the room-exit path.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*PeerLink)
	m.early = make(map[string][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for userID, link := range links {
		if err := link.close(); err != nil {
			m.logger.Warn("closing peer link", "user_id", userID, "err", err)
		}
		if m.cfg.OnStreamCleared != nil {
			m.cfg.OnStreamCleared(userID)
		}
	}
}

// Len reports the number of live links.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Link returns the live link to userID, or nil.
func (m *Manager) Link(userID string) *PeerLink {
	return m.get(userID)
}

func (m *Manager) get(userID string) *PeerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[userID]
}

// ensureLink returns the existing link or builds a new one. The created
// flag tells EnsureLink whether an offer is due.
func (m *Manager) ensureLink(userID string, tracks []webrtc.TrackLocal) (*PeerLink, bool, error) {
	m.mu.Lock()
	if link, ok := m.links[userID]; ok {
		m.mu.Unlock()
		return link, false, nil
	}

	pc, err := m.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("peerlink: new peer connection for %s: %w", userID, err)
	}
	link := newPeerLink(userID, pc)
	m.links[userID] = link
	// The remote description is not set yet, so held candidates go
	// straight into the link's queue ahead of anything arriving after
	// the lock is released.
	for _, c := range m.early[userID] {
		_ = link.addRemoteCandidate(c)
	}
	delete(m.early, userID)
	m.mu.Unlock()

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			m.Teardown(userID)
			return nil, false, fmt.Errorf("peerlink: add track for %s: %w", userID, err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.logger.Info("remote track",
			"user_id", userID,
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		if m.cfg.OnRemoteTrack != nil {
			m.cfg.OnRemoteTrack(RemoteTrack{UserID: userID, Track: track, Receiver: receiver})
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		err := m.cfg.Signaler.Send(signal.EventICECandidate, signal.ICECandidate{
			Candidate:    signal.CandidateFromPion(c.ToJSON()),
			TargetUserID: userID,
			UserID:       m.cfg.SelfID,
		})
		if err != nil {
			m.logger.Warn("sending ice candidate", "user_id", userID, "err", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			m.logger.Info("peer link down", "user_id", userID, "state", state.String())
			// Close asynchronously so pion teardown never blocks its own
			// state callback.
			go m.Teardown(userID)
		}
	})

	return link, true, nil
}

func (m *Manager) sendOffer(link *PeerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peerlink: create offer for %s: %w", link.userID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peerlink: set local offer for %s: %w", link.userID, err)
	}
	return m.cfg.Signaler.Send(signal.EventVideoOffer, signal.SessionDescription{
		SDP:          signal.SDPFromPion(offer),
		TargetUserID: link.userID,
		UserID:       m.cfg.SelfID,
	})
}

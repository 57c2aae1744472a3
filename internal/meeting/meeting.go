// Package meeting orchestrates one client's participation in a
// meeting: the signaling channel, the participant registry, the peer
// connection manager, media capture and chat, with a single
// join/leave lifecycle.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/iglu-video/iglu/internal/channel"
	"github.com/iglu-video/iglu/internal/chat"
	"github.com/iglu-video/iglu/internal/media"
	"github.com/iglu-video/iglu/internal/peerlink"
	"github.com/iglu-video/iglu/internal/roster"
	"github.com/iglu-video/iglu/internal/signal"
)

// Config assembles a Session.
type Config struct {
	MeetingID    string
	SelfID       string
	UserName     string
	SignalingURL string
	ICEServers   []webrtc.ICEServer
	Logger       *slog.Logger

	MediaProvider media.Provider

	// Subscriber callbacks. All optional; they run on internal
	// goroutines and must not block.
	OnRemoteTrack   func(peerlink.RemoteTrack)
	OnStreamCleared func(userID string)
	OnRosterChange  func(roster.Snapshot)
	OnChat          func(chat.Message)
	OnMediaState    func(media.State)
	OnError         func(error)
}

// Session is one attendance of one user in one meeting. A Session
// joins at most once and leaves at most once; rejoining means a new
// Session.
type Session struct {
	cfg    Config
	logger *slog.Logger

	channel  *channel.Channel
	registry *roster.Registry
	manager  *peerlink.Manager
	media    *media.Controller
	chat     *chat.Relay

	streamMu sync.Mutex
	streams  map[string][]peerlink.RemoteTrack

	leaveOnce sync.Once
	left      chan struct{}
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.MeetingID == "" {
		return nil, errors.New("meeting: MeetingID is required")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("meeting: SelfID is required")
	}
	if cfg.SignalingURL == "" {
		return nil, errors.New("meeting: SignalingURL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("meeting_id", cfg.MeetingID, "user_id", cfg.SelfID)

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[string][]peerlink.RemoteTrack),
		left:    make(chan struct{}),
	}

	s.channel = channel.New(cfg.SignalingURL, logger, func(err error) {
		if err != nil {
			s.reportError(fmt.Errorf("meeting: signaling connection lost: %w", err))
		}
		s.Leave()
	})

	s.registry = roster.New(cfg.SelfID, func(snapshot roster.Snapshot) {
		if cfg.OnRosterChange != nil {
			cfg.OnRosterChange(snapshot)
		}
	})

	api, err := peerlink.NewAPI(logger, nil)
	if err != nil {
		return nil, err
	}
	s.manager, err = peerlink.NewManager(peerlink.ManagerConfig{
		SelfID:      cfg.SelfID,
		API:         api,
		ICEServers:  cfg.ICEServers,
		Signaler:    s.channel,
		Logger:      logger,
		LocalTracks: func() []webrtc.TrackLocal { return s.media.Tracks() },
		OnRemoteTrack: func(rt peerlink.RemoteTrack) {
			s.streamMu.Lock()
			s.streams[rt.UserID] = append(s.streams[rt.UserID], rt)
			s.streamMu.Unlock()
			if cfg.OnRemoteTrack != nil {
				cfg.OnRemoteTrack(rt)
			}
		},
		OnStreamCleared: func(userID string) {
			s.streamMu.Lock()
			delete(s.streams, userID)
			s.streamMu.Unlock()
			if cfg.OnStreamCleared != nil {
				cfg.OnStreamCleared(userID)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	provider := cfg.MediaProvider
	if provider == nil {
		provider = noProvider{}
	}
	// Stopping capture closes every link instead of renegotiating the
	// tracks away.
	s.media = media.NewController(provider, cfg.OnMediaState, s.manager.TeardownAll)

	s.chat = chat.NewRelay(cfg.SelfID, s.channel, cfg.OnChat)

	s.registerHandlers()
	return s, nil
}

// Join connects the signaling channel and announces the local user.
// Cancelling ctx after a successful Join triggers Leave.
func (s *Session) Join(ctx context.Context) error {
	if err := s.channel.Connect(ctx); err != nil {
		return err
	}
	err := s.channel.Send(signal.EventJoinMeeting, signal.JoinMeeting{
		MeetingID: s.cfg.MeetingID,
		UserName:  s.cfg.UserName,
	})
	if err != nil {
		s.Leave()
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Leave()
		case <-s.left:
		}
	}()

	s.logger.Info("joined meeting")
	return nil
}

// Leave exits the meeting exactly once: it announces the departure,
// closes every peer link, releases capture devices, empties the
// registry and disconnects the signaling channel. Safe to call from
// any goroutine and on every exit path.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.logger.Info("leaving meeting")

		err := s.channel.Send(signal.EventLeaveMeeting, signal.LeaveMeeting{MeetingID: s.cfg.MeetingID})
		if err != nil && !errors.Is(err, channel.ErrNotConnected) {
			s.logger.Warn("sending leaveMeeting", "err", err)
		}

		s.manager.TeardownAll()
		if err := s.media.Stop(); err != nil {
			s.logger.Warn("stopping media", "err", err)
		}
		s.registry.Clear()
		s.channel.Disconnect()
		close(s.left)
	})
}

// Done is closed once Leave has completed.
func (s *Session) Done() <-chan struct{} { return s.left }

// StartCamera begins camera capture and connects to every known
// participant.
func (s *Session) StartCamera(ctx context.Context) error {
	if err := s.media.StartCamera(ctx); err != nil {
		return err
	}
	s.ensureLinksToAll()
	return nil
}

// StartScreenShare begins screen capture, replacing any camera, and
// connects to every known participant.
func (s *Session) StartScreenShare(ctx context.Context) error {
	if err := s.media.StartScreenShare(ctx); err != nil {
		return err
	}
	s.ensureLinksToAll()
	return nil
}

// StopMedia releases the capture device. The media controller's
// after-stop hook closes all peer links.
func (s *Session) StopMedia() error {
	return s.media.Stop()
}

// SendChat relays a chat message to the meeting.
func (s *Session) SendChat(text string) error {
	return s.chat.Send(text)
}

// ChatLog returns the chat history in arrival order.
func (s *Session) ChatLog() []chat.Message {
	return s.chat.Log()
}

// Participants returns the current remote roster.
func (s *Session) Participants() roster.Snapshot {
	return s.registry.List()
}

// RemoteTracks returns the live tracks received from userID.
func (s *Session) RemoteTracks(userID string) []peerlink.RemoteTrack {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	tracks := make([]peerlink.RemoteTrack, len(s.streams[userID]))
	copy(tracks, s.streams[userID])
	return tracks
}

// MediaState reports the current capture state.
func (s *Session) MediaState() media.State {
	return s.media.Active()
}

func (s *Session) registerHandlers() {
	s.channel.On(signal.EventParticipants, func(env signal.Envelope) {
		var p signal.Roster
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad participants payload", "err", err)
			return
		}
		participants := make([]roster.Participant, 0, len(p))
		for _, entry := range p {
			participants = append(participants, roster.Participant{
				UserID:   entry.UserID,
				UserName: entry.UserName,
			})
		}
		s.registry.Replace(participants)
		if s.media.Active().Active {
			s.ensureLinksToAll()
		}
	})

	s.channel.On(signal.EventUserJoined, func(env signal.Envelope) {
		var p signal.UserJoined
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad userJoined payload", "err", err)
			return
		}
		added := s.registry.Add(roster.Participant{UserID: p.UserID, UserName: p.UserName})
		if added && s.media.Active().Active {
			err := s.manager.EnsureLink(
				p.UserID,
				s.media.Tracks(),
				peerlink.ShouldInitiate(s.cfg.SelfID, p.UserID),
			)
			if err != nil {
				s.reportError(err)
			}
		}
	})

	s.channel.On(signal.EventUserLeft, func(env signal.Envelope) {
		var p signal.UserLeft
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad userLeft payload", "err", err)
			return
		}
		s.registry.Remove(p.UserID)
		s.manager.Teardown(p.UserID)
	})

	s.channel.On(signal.EventVideoOffer, func(env signal.Envelope) {
		var p signal.SessionDescription
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad video-offer payload", "err", err)
			return
		}
		if err := s.manager.HandleRemoteOffer(p.UserID, p.SDP); err != nil {
			s.reportError(err)
		}
	})

	s.channel.On(signal.EventVideoAnswer, func(env signal.Envelope) {
		var p signal.SessionDescription
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad video-answer payload", "err", err)
			return
		}
		if err := s.manager.HandleRemoteAnswer(p.UserID, p.SDP); err != nil {
			s.reportError(err)
		}
	})

	s.channel.On(signal.EventICECandidate, func(env signal.Envelope) {
		var p signal.ICECandidate
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad ice-candidate payload", "err", err)
			return
		}
		if err := s.manager.HandleRemoteCandidate(p.UserID, p.Candidate); err != nil {
			s.reportError(err)
		}
	})

	s.channel.On(signal.EventReceiveMessage, func(env signal.Envelope) {
		var p signal.ChatMessage
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad receiveMessage payload", "err", err)
			return
		}
		s.chat.HandleReceive(p)
	})

	s.channel.On(signal.EventMeetingError, func(env signal.Envelope) {
		var p signal.MeetingError
		if err := signal.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad meeting:error payload", "err", err)
			return
		}
		s.reportError(fmt.Errorf("meeting: server error: %s", p.Message))
		go s.Leave()
	})
}

// ensureLinksToAll creates links to every registered participant. The
// tie-break decides which side offers; the other side's link waits for
// the inbound offer.
func (s *Session) ensureLinksToAll() {
	tracks := s.media.Tracks()
	for _, p := range s.registry.List() {
		err := s.manager.EnsureLink(p.UserID, tracks, peerlink.ShouldInitiate(s.cfg.SelfID, p.UserID))
		if err != nil {
			s.reportError(err)
		}
	}
}

func (s *Session) reportError(err error) {
	s.logger.Warn("meeting error", "err", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// noProvider denies all capture. It backs sessions created without a
// media provider.
type noProvider struct{}

func (noProvider) OpenCamera(context.Context) (media.Source, error) {
	return nil, media.ErrPermissionDenied
}

func (noProvider) OpenScreen(context.Context) (media.Source, error) {
	return nil, media.ErrPermissionDenied
}

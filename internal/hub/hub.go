// Package hub is the server side of meeting signaling: it owns the
// rooms, fans events out to their members, and enforces per-connection
// limits.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iglu-video/iglu/internal/metrics"
	"github.com/iglu-video/iglu/internal/ratelimit"
	"github.com/iglu-video/iglu/internal/signal"
)

// ErrRoomFull is the reason a join is rejected when the room is at
// capacity.
var ErrRoomFull = errors.New("hub: meeting is full")

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 54 * time.Second
	joinDeadline        = 10 * time.Second
	sendQueueDepth      = 64
)

// Config tunes a Hub. Zero values fall back to defaults.
type Config struct {
	MaxParticipantsPerRoom int
	MaxMessageBytes        int64
	MessagesPerSecond      int

	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxParticipantsPerRoom <= 0 {
		c.MaxParticipantsPerRoom = 8
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 50
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Hub routes signaling between the members of every live room.
type Hub struct {
	cfg   Config
	store Store

	mu    sync.Mutex
	rooms map[string]*room
}

func New(cfg Config, store Store) *Hub {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Hub{
		cfg:   cfg.withDefaults(),
		store: store,
		rooms: make(map[string]*room),
	}
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// room is one live meeting. Membership is keyed by user ID.
type room struct {
	id string

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	userID   string
	userName string
	conn     *websocket.Conn
	send     chan []byte
	bucket   *ratelimit.TokenBucket

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// enqueue drops the frame if the client's queue is full; a stalled
// reader must not block the whole room.
func (c *client) enqueue(frame []byte) {
	defer func() {
		// Losing the race with close() is fine; the client is gone.
		_ = recover()
	}()
	select {
	case c.send <- frame:
	default:
	}
}

// ServeConn runs the signaling session for one upgraded websocket. The
// identity comes from the HTTP layer (token claims or query identity);
// the client still announces itself with joinMeeting before entering
// the room. ServeConn blocks until the connection ends.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, meetingID, userID, userName string) {
	logger := h.cfg.Logger.With("meeting_id", meetingID, "user_id", userID)

	cl := &client{
		userID:   userID,
		userName: userName,
		conn:     conn,
		send:     make(chan []byte, sendQueueDepth),
		bucket:   ratelimit.NewTokenBucket(h.cfg.Clock, int64(h.cfg.MessagesPerSecond), int64(h.cfg.MessagesPerSecond)),
	}

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		h.writePump(cl)
	}()

	r, ok := h.join(ctx, cl, meetingID, logger)
	if ok {
		h.readLoop(ctx, r, cl, logger)
		h.leave(ctx, r, cl, logger)
	}

	cl.close()
	pumps.Wait()
	_ = conn.Close()
}

// join waits for the client's joinMeeting announcement, enforces the
// room capacity and registers the client. On success the roster reply
// and the userJoined broadcast go out before any other traffic from
// this client is read.
func (h *Hub) join(ctx context.Context, cl *client, meetingID string, logger *slog.Logger) (*room, bool) {
	_ = cl.conn.SetReadDeadline(time.Now().Add(joinDeadline))
	_, frame, err := cl.conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	_ = cl.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

	env, err := signal.ParseEnvelope(frame)
	if err != nil || env.Event != signal.EventJoinMeeting {
		h.cfg.Metrics.Inc(metrics.BadMessage)
		h.sendError(cl, "expected joinMeeting")
		return nil, false
	}
	var joinReq signal.JoinMeeting
	if err := signal.DecodePayload(env, &joinReq); err != nil {
		h.cfg.Metrics.Inc(metrics.BadMessage)
		h.sendError(cl, "malformed joinMeeting")
		return nil, false
	}
	if joinReq.UserName != "" {
		cl.userName = joinReq.UserName
	}

	r, created := h.getOrCreateRoom(meetingID)
	if created {
		h.cfg.Metrics.Inc(metrics.RoomCreated)
	}

	r.mu.Lock()
	if _, taken := r.clients[cl.userID]; taken {
		r.mu.Unlock()
		h.sendError(cl, "user already in meeting")
		return nil, false
	}
	if len(r.clients) >= h.cfg.MaxParticipantsPerRoom {
		r.mu.Unlock()
		h.cfg.Metrics.Inc(metrics.RoomFull)
		h.sendError(cl, "meeting is full")
		logger.Info("join rejected, meeting full")
		return nil, false
	}

	// Roster snapshot excludes the joiner.
	rosterPayload := make(signal.Roster, 0, len(r.clients))
	for _, member := range r.clients {
		rosterPayload = append(rosterPayload, signal.RosterEntry{
			UserID:   member.userID,
			UserName: member.userName,
		})
	}
	r.clients[cl.userID] = cl
	r.mu.Unlock()

	if err := h.store.AddPeer(ctx, meetingID, cl.userID); err != nil {
		logger.Warn("recording presence", "err", err)
	}

	h.sendEvent(cl, signal.EventParticipants, rosterPayload)
	h.broadcast(r, cl.userID, signal.EventUserJoined, signal.UserJoined{
		UserID:   cl.userID,
		UserName: cl.userName,
	})

	h.cfg.Metrics.Inc(metrics.ParticipantJoined)
	logger.Info("participant joined", "room_size", len(rosterPayload)+1)
	return r, true
}

func (h *Hub) readLoop(ctx context.Context, r *room, cl *client, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, frame, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		if !cl.bucket.Allow(1) {
			h.cfg.Metrics.Inc(metrics.RateLimited)
			logger.Warn("closing connection, message rate exceeded")
			return
		}

		env, err := signal.ParseEnvelope(frame)
		if err != nil {
			h.cfg.Metrics.Inc(metrics.BadMessage)
			logger.Debug("dropping malformed frame", "err", err)
			continue
		}

		switch env.Event {
		case signal.EventLeaveMeeting:
			return

		case signal.EventVideoOffer:
			h.relayDescription(r, cl, env, signal.EventVideoOffer, metrics.OfferRelayed, logger)

		case signal.EventVideoAnswer:
			h.relayDescription(r, cl, env, signal.EventVideoAnswer, metrics.AnswerRelayed, logger)

		case signal.EventICECandidate:
			var p signal.ICECandidate
			if err := signal.DecodePayload(env, &p); err != nil {
				h.cfg.Metrics.Inc(metrics.BadMessage)
				logger.Debug("dropping malformed ice-candidate", "err", err)
				continue
			}
			p.UserID = cl.userID
			if !h.sendTo(r, p.TargetUserID, signal.EventICECandidate, p) {
				h.cfg.Metrics.Inc(metrics.UnknownTarget)
				continue
			}
			h.cfg.Metrics.Inc(metrics.CandidateRelayed)

		case signal.EventSendMessage:
			var p signal.ChatMessage
			if err := signal.DecodePayload(env, &p); err != nil {
				h.cfg.Metrics.Inc(metrics.BadMessage)
				logger.Debug("dropping malformed sendMessage", "err", err)
				continue
			}
			p.UserID = cl.userID
			// The sender receives its own broadcast copy too.
			h.broadcast(r, "", signal.EventReceiveMessage, p)
			h.cfg.Metrics.Inc(metrics.ChatMessage)

		default:
			h.cfg.Metrics.Inc(metrics.BadMessage)
			logger.Debug("dropping unexpected event", "event", string(env.Event))
		}
	}
}

// relayDescription forwards an offer or answer to its target with the
// sender's identity stamped server-side.
func (h *Hub) relayDescription(r *room, cl *client, env signal.Envelope, event signal.Event, metric string, logger *slog.Logger) {
	var p signal.SessionDescription
	if err := signal.DecodePayload(env, &p); err != nil {
		h.cfg.Metrics.Inc(metrics.BadMessage)
		logger.Debug("dropping malformed description", "event", string(event), "err", err)
		return
	}
	p.UserID = cl.userID
	if !h.sendTo(r, p.TargetUserID, event, p) {
		h.cfg.Metrics.Inc(metrics.UnknownTarget)
		logger.Debug("dropping description for unknown target", "target", p.TargetUserID)
		return
	}
	h.cfg.Metrics.Inc(metric)
}

func (h *Hub) leave(ctx context.Context, r *room, cl *client, logger *slog.Logger) {
	r.mu.Lock()
	if r.clients[cl.userID] != cl {
		r.mu.Unlock()
		return
	}
	delete(r.clients, cl.userID)
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if err := h.store.RemovePeer(ctx, r.id, cl.userID); err != nil {
		logger.Warn("clearing presence", "err", err)
	}

	h.broadcast(r, cl.userID, signal.EventUserLeft, signal.UserLeft{UserID: cl.userID})
	h.cfg.Metrics.Inc(metrics.ParticipantLeft)
	logger.Info("participant left")

	if empty {
		h.dropRoomIfEmpty(r)
	}
}

func (h *Hub) getOrCreateRoom(meetingID string) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[meetingID]; ok {
		return r, false
	}
	r := &room{id: meetingID, clients: make(map[string]*client)}
	h.rooms[meetingID] = r
	return r, true
}

func (h *Hub) dropRoomIfEmpty(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	empty := len(r.clients) == 0
	r.mu.Unlock()
	if empty && h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		h.cfg.Metrics.Inc(metrics.RoomClosed)
		h.cfg.Logger.Info("room closed", "meeting_id", r.id)
	}
}

// broadcast fans an event out to every room member except exceptID.
// Pass an empty exceptID to include everyone.
func (h *Hub) broadcast(r *room, exceptID string, event signal.Event, payload any) {
	frame, err := signal.Marshal(event, payload)
	if err != nil {
		h.cfg.Logger.Error("marshal broadcast", "event", string(event), "err", err)
		return
	}

	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for id, member := range r.clients {
		if exceptID != "" && id == exceptID {
			continue
		}
		targets = append(targets, member)
	}
	r.mu.Unlock()

	for _, member := range targets {
		member.enqueue(frame)
	}
}

// sendTo delivers an event to a single member, reporting whether the
// target is present.
func (h *Hub) sendTo(r *room, targetID string, event signal.Event, payload any) bool {
	r.mu.Lock()
	target, ok := r.clients[targetID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	frame, err := signal.Marshal(event, payload)
	if err != nil {
		h.cfg.Logger.Error("marshal targeted event", "event", string(event), "err", err)
		return false
	}
	target.enqueue(frame)
	return true
}

func (h *Hub) sendEvent(cl *client, event signal.Event, payload any) {
	frame, err := signal.Marshal(event, payload)
	if err != nil {
		h.cfg.Logger.Error("marshal event", "event", string(event), "err", err)
		return
	}
	cl.enqueue(frame)
}

func (h *Hub) sendError(cl *client, message string) {
	h.sendEvent(cl, signal.EventMeetingError, signal.MeetingError{Message: message})
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = cl.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package hub

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iglu-video/iglu/internal/metrics"
	"github.com/iglu-video/iglu/internal/signal"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newHubServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		h.ServeConn(r.Context(), conn, q.Get("meeting"), q.Get("userId"), q.Get("userName"))
	}))
	t.Cleanup(server.Close)
	return server
}

type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, server *httptest.Server, meetingID, userID, userName string) *testPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"?meeting=" + meetingID + "&userId=" + userID + "&userName=" + userName
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testPeer{t: t, conn: conn}
}

func (p *testPeer) send(event signal.Event, payload any) {
	p.t.Helper()
	frame, err := signal.Marshal(event, payload)
	if err != nil {
		p.t.Fatalf("marshal %s: %v", event, err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		p.t.Fatalf("write %s: %v", event, err)
	}
}

func (p *testPeer) join(meetingID, userName string) {
	p.t.Helper()
	p.send(signal.EventJoinMeeting, signal.JoinMeeting{MeetingID: meetingID, UserName: userName})
}

// next reads the next envelope, failing the test on timeout.
func (p *testPeer) next() signal.Envelope {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	env, err := signal.ParseEnvelope(frame)
	if err != nil {
		p.t.Fatalf("parse: %v", err)
	}
	return env
}

// expect reads until an envelope of the wanted event arrives.
func (p *testPeer) expect(event signal.Event) signal.Envelope {
	p.t.Helper()
	for {
		env := p.next()
		if env.Event == event {
			return env
		}
	}
}

func newTestHub(cfg Config) *Hub {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, NewMemoryStore())
}

func TestJoinRosterExcludesJoiner(t *testing.T) {
	h := newTestHub(Config{})
	server := newHubServer(t, h)

	a := dialPeer(t, server, "m1", "a", "Ada")
	a.join("m1", "Ada")

	env := a.expect(signal.EventParticipants)
	var rosterA signal.Roster
	if err := signal.DecodePayload(env, &rosterA); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(rosterA) != 0 {
		t.Fatalf("first joiner's roster = %+v, want empty", rosterA)
	}

	b := dialPeer(t, server, "m1", "b", "Bea")
	b.join("m1", "Bea")

	env = b.expect(signal.EventParticipants)
	var rosterB signal.Roster
	if err := signal.DecodePayload(env, &rosterB); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(rosterB) != 1 || rosterB[0].UserID != "a" || rosterB[0].UserName != "Ada" {
		t.Fatalf("second joiner's roster = %+v, want [a]", rosterB)
	}

	env = a.expect(signal.EventUserJoined)
	var joined signal.UserJoined
	if err := signal.DecodePayload(env, &joined); err != nil {
		t.Fatalf("decode userJoined: %v", err)
	}
	if joined.UserID != "b" || joined.UserName != "Bea" {
		t.Fatalf("userJoined = %+v, want b", joined)
	}
}

func TestTargetedRelayStampsSender(t *testing.T) {
	h := newTestHub(Config{})
	server := newHubServer(t, h)

	a := dialPeer(t, server, "m1", "a", "Ada")
	a.join("m1", "Ada")
	a.expect(signal.EventParticipants)

	b := dialPeer(t, server, "m1", "b", "Bea")
	b.join("m1", "Bea")
	b.expect(signal.EventParticipants)
	a.expect(signal.EventUserJoined)

	// The sender claims to be someone else; the hub must overwrite it.
	b.send(signal.EventVideoOffer, signal.SessionDescription{
		SDP:          signal.SDP{Type: "offer", SDP: "v=0"},
		TargetUserID: "a",
		UserID:       "mallory",
	})

	env := a.expect(signal.EventVideoOffer)
	var offer signal.SessionDescription
	if err := signal.DecodePayload(env, &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.UserID != "b" {
		t.Fatalf("offer sender = %q, want hub-stamped b", offer.UserID)
	}
	if offer.SDP.SDP != "v=0" {
		t.Fatalf("offer SDP = %q", offer.SDP.SDP)
	}

	// The offer must not reach anyone but the target.
	b.send(signal.EventICECandidate, signal.ICECandidate{
		Candidate:    signal.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
		TargetUserID: "a",
	})
	env = a.expect(signal.EventICECandidate)
	var cand signal.ICECandidate
	if err := signal.DecodePayload(env, &cand); err != nil {
		t.Fatalf("decode candidate: %v", err)
	}
	if cand.UserID != "b" {
		t.Fatalf("candidate sender = %q, want b", cand.UserID)
	}
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	h := newTestHub(Config{})
	server := newHubServer(t, h)

	a := dialPeer(t, server, "m1", "a", "Ada")
	a.join("m1", "Ada")
	a.expect(signal.EventParticipants)

	b := dialPeer(t, server, "m1", "b", "Bea")
	b.join("m1", "Bea")
	b.expect(signal.EventParticipants)
	a.expect(signal.EventUserJoined)

	a.send(signal.EventSendMessage, signal.ChatMessage{Text: "hello", Timestamp: 123})

	for _, peer := range []*testPeer{a, b} {
		env := peer.expect(signal.EventReceiveMessage)
		var msg signal.ChatMessage
		if err := signal.DecodePayload(env, &msg); err != nil {
			t.Fatalf("decode receiveMessage: %v", err)
		}
		if msg.Text != "hello" || msg.UserID != "a" {
			t.Fatalf("receiveMessage = %+v, want hello from a", msg)
		}
	}
}

func TestRoomFullRejectsWithMeetingError(t *testing.T) {
	h := newTestHub(Config{MaxParticipantsPerRoom: 2})
	server := newHubServer(t, h)

	a := dialPeer(t, server, "m1", "a", "Ada")
	a.join("m1", "Ada")
	a.expect(signal.EventParticipants)

	b := dialPeer(t, server, "m1", "b", "Bea")
	b.join("m1", "Bea")
	b.expect(signal.EventParticipants)

	c := dialPeer(t, server, "m1", "c", "Cal")
	c.join("m1", "Cal")

	env := c.expect(signal.EventMeetingError)
	var meetingErr signal.MeetingError
	if err := signal.DecodePayload(env, &meetingErr); err != nil {
		t.Fatalf("decode meeting:error: %v", err)
	}
	if !strings.Contains(meetingErr.Message, "full") {
		t.Fatalf("meeting:error = %q, want a room-full message", meetingErr.Message)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		t.Fatalf("rejected connection should be closed")
	}

	if got := h.cfg.Metrics.Get(metrics.RoomFull); got != 1 {
		t.Fatalf("room_full = %d, want 1", got)
	}
}

func TestLeaveBroadcastsUserLeftAndDropsEmptyRoom(t *testing.T) {
	h := newTestHub(Config{})
	server := newHubServer(t, h)

	a := dialPeer(t, server, "m1", "a", "Ada")
	a.join("m1", "Ada")
	a.expect(signal.EventParticipants)

	b := dialPeer(t, server, "m1", "b", "Bea")
	b.join("m1", "Bea")
	b.expect(signal.EventParticipants)
	a.expect(signal.EventUserJoined)

	b.send(signal.EventLeaveMeeting, signal.LeaveMeeting{MeetingID: "m1"})

	env := a.expect(signal.EventUserLeft)
	var left signal.UserLeft
	if err := signal.DecodePayload(env, &left); err != nil {
		t.Fatalf("decode userLeft: %v", err)
	}
	if left.UserID != "b" {
		t.Fatalf("userLeft = %+v, want b", left)
	}

	_ = a.conn.Close()
	waitFor(t, func() bool { return h.RoomCount() == 0 })
}

func TestMessageRateLimitClosesConnection(t *testing.T) {
	h := newTestHub(Config{MessagesPerSecond: 2})
	server := newHubServer(t, h)

	a := dialPeer(t, server, "m1", "a", "Ada")
	a.join("m1", "Ada")
	a.expect(signal.EventParticipants)

	for i := 0; i < 50; i++ {
		frame, err := signal.Marshal(signal.EventSendMessage, signal.ChatMessage{Text: "spam", Timestamp: 1})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := a.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}

	_ = a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := a.conn.ReadMessage(); err != nil {
			break
		}
	}

	waitFor(t, func() bool { return h.cfg.Metrics.Get(metrics.RateLimited) >= 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iglu-video/iglu/internal/signal"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades and echoes every text frame back to the client.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSendBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:0/ws", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	err := c.Send(signal.EventJoinMeeting, signal.JoinMeeting{MeetingID: "m", UserName: "n"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before Connect = %v, want ErrNotConnected", err)
	}
}

func TestConnectSendAndDispatch(t *testing.T) {
	server := echoServer(t)

	received := make(chan signal.Envelope, 1)
	c := New(wsURL(server), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	c.On(signal.EventJoinMeeting, func(env signal.Envelope) {
		select {
		case received <- env:
		default:
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Send(signal.EventJoinMeeting, signal.JoinMeeting{MeetingID: "m1", UserName: "Ada"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-received:
		var p signal.JoinMeeting
		if err := signal.DecodePayload(env, &p); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if p.MeetingID != "m1" || p.UserName != "Ada" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for echoed event")
	}
}

func TestSecondConnectFails(t *testing.T) {
	server := echoServer(t)

	c := New(wsURL(server), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect = %v, want *ConnectionError", err)
	}
}

func TestDisconnectIsIdempotentAndNotifies(t *testing.T) {
	server := echoServer(t)

	closed := make(chan error, 2)
	c := New(wsURL(server), slog.New(slog.NewTextHandler(io.Discard, nil)), func(err error) {
		closed <- err
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect()

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("onClosed err = %v, want nil for local disconnect", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for onClosed")
	}
	select {
	case <-closed:
		t.Fatalf("onClosed must fire exactly once")
	case <-time.After(100 * time.Millisecond):
	}

	if err := c.Send(signal.EventLeaveMeeting, signal.LeaveMeeting{MeetingID: "m"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSendLosingRaceWithShutdownReturnsNotConnected(t *testing.T) {
	c := New("ws://127.0.0.1:0/ws", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	// A Send can pass the connected check, then lose the race with
	// shutdown closing the queue. Model the post-race state directly:
	// still marked connected, queue already closed.
	queue := make(chan []byte, sendQueueDepth)
	close(queue)
	c.mu.Lock()
	c.connected = true
	c.sendQueue = queue
	c.mu.Unlock()

	err := c.Send(signal.EventLeaveMeeting, signal.LeaveMeeting{MeetingID: "m"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send on closed queue = %v, want ErrNotConnected", err)
	}
}

func TestConcurrentSendAndDisconnect(t *testing.T) {
	server := echoServer(t)

	c := New(wsURL(server), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			// Either outcome is fine; the process must not panic.
			_ = c.Send(signal.EventSendMessage, signal.ChatMessage{Text: "x", UserID: "a"})
		}
	}()

	c.Disconnect()
	<-done
}

func TestOnClosedFiresOnAbnormalClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Abort without a close frame so the client sees failure.
		_ = conn.NetConn().Close()
	}))
	t.Cleanup(server.Close)

	closed := make(chan error, 1)
	c := New(wsURL(server), slog.New(slog.NewTextHandler(io.Discard, nil)), func(err error) {
		closed <- err
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-closed:
		if err == nil {
			t.Fatalf("onClosed err = nil, want transport error for abnormal close")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for onClosed")
	}
}

package peerlink_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/iglu-video/iglu/internal/peerlink"
	"github.com/iglu-video/iglu/internal/signal"
)

// signalBus routes signaling events between two in-process managers the
// way the meeting server would, keyed by target user ID.
type signalBus struct {
	mu       sync.Mutex
	managers map[string]*peerlink.Manager
}

func newSignalBus() *signalBus {
	return &signalBus{managers: make(map[string]*peerlink.Manager)}
}

func (b *signalBus) register(userID string, m *peerlink.Manager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.managers[userID] = m
}

func (b *signalBus) target(userID string) *peerlink.Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.managers[userID]
}

type busSignaler struct {
	bus *signalBus
}

func (s *busSignaler) Send(event signal.Event, payload any) error {
	switch event {
	case signal.EventVideoOffer:
		p := payload.(signal.SessionDescription)
		return s.bus.target(p.TargetUserID).HandleRemoteOffer(p.UserID, p.SDP)
	case signal.EventVideoAnswer:
		p := payload.(signal.SessionDescription)
		return s.bus.target(p.TargetUserID).HandleRemoteAnswer(p.UserID, p.SDP)
	case signal.EventICECandidate:
		p := payload.(signal.ICECandidate)
		return s.bus.target(p.TargetUserID).HandleRemoteCandidate(p.UserID, p.Candidate)
	default:
		return nil
	}
}

func TestNegotiationOverVNet(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := peerlink.NewAPI(slog.New(slog.NewTextHandler(io.Discard, nil)), netA)
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := peerlink.NewAPI(slog.New(slog.NewTextHandler(io.Discard, nil)), netB)
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	bus := newSignalBus()

	remoteTrackCh := make(chan peerlink.RemoteTrack, 1)

	managerA, err := peerlink.NewManager(peerlink.ManagerConfig{
		SelfID:   "alice",
		API:      apiA,
		Signaler: &busSignaler{bus: bus},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new manager A: %v", err)
	}
	t.Cleanup(managerA.TeardownAll)

	managerB, err := peerlink.NewManager(peerlink.ManagerConfig{
		SelfID:   "bob",
		API:      apiB,
		Signaler: &busSignaler{bus: bus},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnRemoteTrack: func(rt peerlink.RemoteTrack) {
			select {
			case remoteTrackCh <- rt:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("new manager B: %v", err)
	}
	t.Cleanup(managerB.TeardownAll)

	bus.register("alice", managerA)
	bus.register("bob", managerB)

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "alice-camera",
	)
	if err != nil {
		t.Fatalf("new local track: %v", err)
	}

	if !peerlink.ShouldInitiate("alice", "bob") {
		t.Fatalf("alice should initiate toward bob")
	}
	if err := managerA.EnsureLink("bob", []webrtc.TrackLocal{videoTrack}, true); err != nil {
		t.Fatalf("EnsureLink: %v", err)
	}

	waitForState(t, managerA, "bob", webrtc.PeerConnectionStateConnected)
	waitForState(t, managerB, "alice", webrtc.PeerConnectionStateConnected)

	if managerA.Len() != 1 || managerB.Len() != 1 {
		t.Fatalf("links = %d/%d, want exactly one per side", managerA.Len(), managerB.Len())
	}
	if n := managerA.Link("bob").PendingRemoteCandidates(); n != 0 {
		t.Fatalf("A has %d buffered candidates after connect, want 0", n)
	}
	if n := managerB.Link("alice").PendingRemoteCandidates(); n != 0 {
		t.Fatalf("B has %d buffered candidates after connect, want 0", n)
	}

	// Push samples until bob observes the track.
	done := make(chan struct{})
	defer close(done)
	go func() {
		frame := []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = videoTrack.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
			}
		}
	}()

	select {
	case rt := <-remoteTrackCh:
		if rt.UserID != "alice" {
			t.Fatalf("remote track from %q, want alice", rt.UserID)
		}
		if rt.Track.Kind() != webrtc.RTPCodecTypeVideo {
			t.Fatalf("remote track kind = %v, want video", rt.Track.Kind())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for remote track")
	}

	managerA.Teardown("bob")
	if managerA.Len() != 0 {
		t.Fatalf("A still has %d links after teardown", managerA.Len())
	}
}

func waitForState(t *testing.T, m *peerlink.Manager, userID string, want webrtc.PeerConnectionState) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		link := m.Link(userID)
		if link != nil && link.PeerConnection().ConnectionState() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s link to reach %v", userID, want)
}

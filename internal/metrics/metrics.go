package metrics

import "sync"

// Counter names used across the signaling service.
const (
	RoomCreated       = "room_created"
	RoomClosed        = "room_closed"
	RoomFull          = "room_full"
	ParticipantJoined = "participant_joined"
	ParticipantLeft   = "participant_left"
	OfferRelayed      = "offer_relayed"
	AnswerRelayed     = "answer_relayed"
	CandidateRelayed  = "candidate_relayed"
	ChatMessage       = "chat_message"
	AuthFailure       = "auth_failure"
	RateLimited       = "rate_limited"
	BadMessage        = "bad_message"
	UnknownTarget     = "unknown_target"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the hub's enforcement logic testable and feeds the Prometheus
// text exposition endpoint.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

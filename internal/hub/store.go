package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMeetingNotFound is returned by store lookups for unknown meeting
// IDs and codes.
var ErrMeetingNotFound = errors.New("hub: meeting not found")

// MeetingCodeLength is the length of human-readable meeting codes. Any
// identifier of this length is treated as a code, everything else as a
// meeting ID.
const MeetingCodeLength = 6

// Meeting is the stored metadata of one meeting.
type Meeting struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	CreatorID       string    `json:"creatorId"`
	CreatedAt       time.Time `json:"createdAt"`
	MaxParticipants int       `json:"maxParticipants"`
}

// Store persists meeting metadata and live presence. Implementations
// must be safe for concurrent use.
type Store interface {
	CreateMeeting(ctx context.Context, m Meeting) error
	// GetMeeting resolves idOrCode, accepting both the meeting ID and
	// the short join code.
	GetMeeting(ctx context.Context, idOrCode string) (Meeting, error)
	DeleteMeeting(ctx context.Context, id string) error

	AddPeer(ctx context.Context, meetingID, userID string) error
	RemovePeer(ctx context.Context, meetingID, userID string) error
	PeerCount(ctx context.Context, meetingID string) (int, error)
}

// RedisStore keeps meetings in Redis: metadata under meeting:{id},
// the code mapping under code:{code}, and live peers in the
// meeting:{id}:peers set. Every key carries the configured TTL so
// abandoned meetings expire on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) CreateMeeting(ctx context.Context, m Meeting) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("hub: marshal meeting: %w", err)
	}
	if err := s.client.Set(ctx, "meeting:"+m.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("hub: store meeting: %w", err)
	}
	if err := s.client.Set(ctx, "code:"+m.Code, m.ID, s.ttl).Err(); err != nil {
		return fmt.Errorf("hub: store meeting code: %w", err)
	}
	return nil
}

func (s *RedisStore) GetMeeting(ctx context.Context, idOrCode string) (Meeting, error) {
	id := idOrCode
	if len(idOrCode) == MeetingCodeLength {
		resolved, err := s.client.Get(ctx, "code:"+idOrCode).Result()
		if errors.Is(err, redis.Nil) {
			return Meeting{}, ErrMeetingNotFound
		}
		if err != nil {
			return Meeting{}, fmt.Errorf("hub: resolve code: %w", err)
		}
		id = resolved
	}

	data, err := s.client.Get(ctx, "meeting:"+id).Result()
	if errors.Is(err, redis.Nil) {
		return Meeting{}, ErrMeetingNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("hub: load meeting: %w", err)
	}

	var m Meeting
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return Meeting{}, fmt.Errorf("hub: decode meeting: %w", err)
	}
	return m, nil
}

func (s *RedisStore) DeleteMeeting(ctx context.Context, id string) error {
	m, err := s.GetMeeting(ctx, id)
	if err != nil {
		return err
	}
	return s.client.Del(ctx, "meeting:"+m.ID, "code:"+m.Code, "meeting:"+m.ID+":peers").Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, meetingID, userID string) error {
	key := "meeting:" + meetingID + ":peers"
	if err := s.client.SAdd(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("hub: add peer: %w", err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, meetingID, userID string) error {
	return s.client.SRem(ctx, "meeting:"+meetingID+":peers", userID).Err()
}

func (s *RedisStore) PeerCount(ctx context.Context, meetingID string) (int, error) {
	n, err := s.client.SCard(ctx, "meeting:"+meetingID+":peers").Result()
	if err != nil {
		return 0, fmt.Errorf("hub: peer count: %w", err)
	}
	return int(n), nil
}

// MemoryStore is the single-node fallback used when no Redis address is
// configured, and the store tests run against.
type MemoryStore struct {
	mu       sync.Mutex
	meetings map[string]Meeting
	codes    map[string]string
	peers    map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]Meeting),
		codes:    make(map[string]string),
		peers:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) CreateMeeting(_ context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m
	s.codes[m.Code] = m.ID
	return nil
}

func (s *MemoryStore) GetMeeting(_ context.Context, idOrCode string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idOrCode
	if len(idOrCode) == MeetingCodeLength {
		if resolved, ok := s.codes[idOrCode]; ok {
			id = resolved
		}
	}
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, ErrMeetingNotFound
	}
	return m, nil
}

func (s *MemoryStore) DeleteMeeting(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return ErrMeetingNotFound
	}
	delete(s.meetings, m.ID)
	delete(s.codes, m.Code)
	delete(s.peers, m.ID)
	return nil
}

func (s *MemoryStore) AddPeer(_ context.Context, meetingID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.peers[meetingID]
	if !ok {
		set = make(map[string]struct{})
		s.peers[meetingID] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, meetingID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.peers[meetingID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.peers, meetingID)
		}
	}
	return nil
}

func (s *MemoryStore) PeerCount(_ context.Context, meetingID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers[meetingID]), nil
}

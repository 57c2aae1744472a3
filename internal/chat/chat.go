// Package chat relays text messages over the meeting's signaling
// channel and keeps an ordered local log.
package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iglu-video/iglu/internal/signal"
)

// ErrEmptyMessage is returned by Send for empty or whitespace-only
// input. Nothing is sent in that case.
var ErrEmptyMessage = errors.New("chat: empty message")

// Message is one immutable chat entry. IDs are ULIDs so the log sorts
// lexicographically in arrival order.
type Message struct {
	ID        ulid.ULID
	UserID    string
	Text      string
	Timestamp time.Time
}

// Sender delivers an outbound sendMessage over the signaling channel.
type Sender interface {
	Send(event signal.Event, payload any) error
}

// Relay sends and receives chat messages for one meeting.
//
// Sent messages are appended to the local log immediately rather than
// waiting for the server's broadcast copy, and the broadcast copy is
// appended again when it arrives. Deduplicating the echo is a product
// decision the UI owns, not the relay.
type Relay struct {
	selfID string
	sender Sender
	now    func() time.Time

	mu  sync.Mutex
	log []Message

	onMessage func(Message)
}

// NewRelay creates a relay for the local user selfID. onMessage, if
// non-nil, fires for every appended message, local and remote alike.
func NewRelay(selfID string, sender Sender, onMessage func(Message)) *Relay {
	return &Relay{
		selfID:    selfID,
		sender:    sender,
		now:       time.Now,
		onMessage: onMessage,
	}
}

// Send validates text, emits it over the signaling channel and appends
// it to the local log.
func (r *Relay) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	sentAt := r.now()
	err := r.sender.Send(signal.EventSendMessage, signal.ChatMessage{
		Text:      text,
		Timestamp: sentAt.UnixMilli(),
		UserID:    r.selfID,
	})
	if err != nil {
		return err
	}

	r.append(Message{
		ID:        ulid.Make(),
		UserID:    r.selfID,
		Text:      text,
		Timestamp: sentAt,
	})
	return nil
}

// HandleReceive appends an inbound receiveMessage broadcast to the log.
func (r *Relay) HandleReceive(p signal.ChatMessage) {
	r.append(Message{
		ID:        ulid.Make(),
		UserID:    p.UserID,
		Text:      p.Text,
		Timestamp: time.UnixMilli(p.Timestamp),
	})
}

// Log returns a copy of the message log in append order.
func (r *Relay) Log() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Relay) append(m Message) {
	r.mu.Lock()
	r.log = append(r.log, m)
	r.mu.Unlock()

	if r.onMessage != nil {
		r.onMessage(m)
	}
}

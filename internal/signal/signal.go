// Package signal models the wire protocol spoken over the meeting
// websocket: a closed set of named events, each with a fixed payload
// schema, validated at the boundary.
//
// This package intentionally avoids any dependency on the hub or the
// client adapter; it models the protocol surface, not the endpoints.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Event names every frame carried over the signaling channel.
type Event string

const (
	// Client -> server.
	EventJoinMeeting  Event = "joinMeeting"
	EventLeaveMeeting Event = "leaveMeeting"
	EventSendMessage  Event = "sendMessage"

	// Server -> client.
	EventParticipants   Event = "meeting:participants"
	EventUserJoined     Event = "userJoined"
	EventUserLeft       Event = "userLeft"
	EventReceiveMessage Event = "receiveMessage"
	EventMeetingError   Event = "meeting:error"

	// Peer-to-peer, relayed by the server to the target participant.
	EventVideoOffer   Event = "video-offer"
	EventVideoAnswer  Event = "video-answer"
	EventICECandidate Event = "ice-candidate"
)

// Envelope is the outer frame: an event name plus its payload.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes an event and its payload into a wire frame.
func Marshal(event Event, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("signal: marshal %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// ParseEnvelope decodes a wire frame. Unknown events, unknown fields and
// trailing data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if !knownEvent(env.Event) {
		return Envelope{}, fmt.Errorf("signal: unsupported event %q", env.Event)
	}
	return env, nil
}

func knownEvent(e Event) bool {
	switch e {
	case EventJoinMeeting, EventLeaveMeeting, EventSendMessage,
		EventParticipants, EventUserJoined, EventUserLeft,
		EventReceiveMessage, EventMeetingError,
		EventVideoOffer, EventVideoAnswer, EventICECandidate:
		return true
	}
	return false
}

// DecodePayload decodes an envelope's payload into v strictly and, when v
// implements Validate, validates it.
func DecodePayload(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("signal: %s: missing payload", env.Event)
	}
	if err := decodeStrict(env.Data, v); err != nil {
		return fmt.Errorf("signal: %s: %w", env.Event, err)
	}
	if val, ok := v.(interface{ Validate() error }); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("signal: %s: %w", env.Event, err)
		}
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

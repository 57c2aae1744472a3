package signal

import (
	"errors"
	"fmt"
)

var (
	errMissingUserID  = errors.New("missing userId")
	errMissingTarget  = errors.New("missing targetUserId")
	errMissingMeeting = errors.New("missing meetingId")
)

// JoinMeeting announces presence in a room.
type JoinMeeting struct {
	MeetingID string `json:"meetingId"`
	UserName  string `json:"userName"`
}

func (p JoinMeeting) Validate() error {
	if p.MeetingID == "" {
		return errMissingMeeting
	}
	return nil
}

// LeaveMeeting announces departure.
type LeaveMeeting struct {
	MeetingID string `json:"meetingId"`
}

func (p LeaveMeeting) Validate() error {
	if p.MeetingID == "" {
		return errMissingMeeting
	}
	return nil
}

// RosterEntry is one participant in the meeting:participants snapshot.
type RosterEntry struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Roster is the initial participant snapshot sent to a joiner.
type Roster []RosterEntry

func (r Roster) Validate() error {
	for i, e := range r {
		if e.UserID == "" {
			return fmt.Errorf("roster entry %d: %w", i, errMissingUserID)
		}
	}
	return nil
}

// UserJoined is an incremental join notification.
type UserJoined struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func (p UserJoined) Validate() error {
	if p.UserID == "" {
		return errMissingUserID
	}
	return nil
}

// UserLeft is an incremental leave notification.
type UserLeft struct {
	UserID string `json:"userId"`
}

func (p UserLeft) Validate() error {
	if p.UserID == "" {
		return errMissingUserID
	}
	return nil
}

// SessionDescription carries a video-offer or video-answer between two
// participants. UserID is the author; TargetUserID addresses the remote
// peer the frame is relayed to.
type SessionDescription struct {
	SDP          SDP    `json:"sdp"`
	TargetUserID string `json:"targetUserId"`
	UserID       string `json:"userId"`
}

func (p SessionDescription) Validate() error {
	if p.TargetUserID == "" {
		return errMissingTarget
	}
	if p.SDP.Type == "" || p.SDP.SDP == "" {
		return errors.New("missing sdp")
	}
	return nil
}

// ICECandidate carries one discovered network candidate to a peer.
type ICECandidate struct {
	Candidate    Candidate `json:"candidate"`
	TargetUserID string    `json:"targetUserId"`
	UserID       string    `json:"userId"`
}

func (p ICECandidate) Validate() error {
	if p.TargetUserID == "" {
		return errMissingTarget
	}
	return nil
}

// ChatMessage is the sendMessage/receiveMessage payload. Timestamp is
// unix milliseconds as assigned by the author.
type ChatMessage struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	UserID    string `json:"userId"`
}

func (p ChatMessage) Validate() error {
	if p.Text == "" {
		return errors.New("missing text")
	}
	return nil
}

// MeetingError is a server-reported join or routing failure.
type MeetingError struct {
	Message string `json:"message"`
}

func (p MeetingError) Validate() error {
	if p.Message == "" {
		return errors.New("missing message")
	}
	return nil
}

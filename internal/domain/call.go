package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type CallID string

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Label returns the human-readable form used in call-log messages.
func (t CallType) Label() string {
	if t == CallTypeVideo {
		return "Video"
	}
	return "Voice"
}

func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusRejected  CallStatus = "rejected"
)

var (
	ErrBadTransition = errors.New("invalid call status transition")
	ErrSameUser      = errors.New("caller and receiver must differ")
	ErrBadCallType   = errors.New("unknown call type")
)

// Terminal reports whether the status ends the call record's lifecycle.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected
}

// CanTransition enforces the monotonic lifecycle:
// ringing → {connected|rejected|ended}, connected → ended, terminal → nothing.
func (s CallStatus) CanTransition(to CallStatus) bool {
	switch s {
	case CallStatusRinging:
		return to == CallStatusConnected || to == CallStatusRejected || to == CallStatusEnded
	case CallStatusConnected:
		return to == CallStatusEnded
	default:
		return false
	}
}

// Call is the persisted row representing one call attempt and its status.
// The record is created by the caller, mutated by either party and never
// deleted; a terminal record is consumed once when producing the call log.
type Call struct {
	ID         CallID     `json:"id"`
	CallerID   UserID     `json:"caller_id"`
	ReceiverID UserID     `json:"receiver_id"`
	Type       CallType   `json:"type"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewCall avoids ad-hoc struct literals in adapters and validates up front.
func NewCall(caller, receiver UserID, t CallType) (*Call, error) {
	if caller == receiver {
		return nil, ErrSameUser
	}
	if !t.Valid() {
		return nil, ErrBadCallType
	}
	return &Call{
		ID:         CallID(uuid.NewString()),
		CallerID:   caller,
		ReceiverID: receiver,
		Type:       t,
		Status:     CallStatusRinging,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

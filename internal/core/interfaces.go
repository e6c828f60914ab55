package core

import (
	"context"
	"errors"
	"time"

	"github.com/bawaal/callkit/internal/domain"
)

// ErrNoSharedConversation means the two participants have no conversation
// yet; a call log is silently skipped in that case.
var ErrNoSharedConversation = errors.New("no shared conversation")

// CallStore is the request/response surface over the persisted call records.
// The store owns the rows; this layer only creates them and advances status.
type CallStore interface {
	CreateCall(ctx context.Context, caller, receiver domain.UserID, t domain.CallType) (*domain.Call, error)
	UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error
}

// ConversationStore resolves the shared thread of the two participants and
// appends the call-log message into it.
type ConversationStore interface {
	// SharedConversation looks the thread up by shared membership and returns
	// ErrNoSharedConversation when none exists.
	SharedConversation(ctx context.Context, a, b domain.UserID) (domain.ConversationID, error)
	AppendMessage(ctx context.Context, conv domain.ConversationID, sender domain.UserID, text string) error
	UpdateConversationSummary(ctx context.Context, conv domain.ConversationID, text string, at time.Time) error
}

// UserDirectory hydrates counterpart display name/avatar on a call session.
type UserDirectory interface {
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
}

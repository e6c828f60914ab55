package core

import (
	"context"

	"github.com/bawaal/callkit/internal/domain"
)

// Unsubscribe tears down one subscription. Safe to call more than once.
type Unsubscribe func()

// SignalTopic is the broadcast channel scoped to one call id, shared by
// exactly the two participants. Sending before Subscribe has returned is
// undefined; messages may be lost.
type SignalTopic interface {
	// Subscribe joins the topic and returns once the join is confirmed.
	Subscribe(ctx context.Context) error
	Send(ctx context.Context, msg domain.SignalMessage) error
	// OnMessage sets the handler for inbound signals, including self-echoed
	// ones; the caller filters by sender id.
	OnMessage(func(domain.SignalMessage))
	Close()
}

// Realtime is the backend's publish/subscribe surface.
// Owned by the adapter; the adapter must Close() it.
type Realtime interface {
	// SubscribeIncomingCalls fires on INSERT or UPDATE of call records
	// addressed to userID.
	SubscribeIncomingCalls(ctx context.Context, userID domain.UserID, fn func(domain.Call)) (Unsubscribe, error)
	// SubscribeCallStatus fires on UPDATE of one call record.
	SubscribeCallStatus(ctx context.Context, callID domain.CallID, fn func(domain.Call)) (Unsubscribe, error)
	// OpenSignalTopic creates (or returns the already-registered) signaling
	// topic for callID. The topic must be explicitly Closed when the call ends.
	OpenSignalTopic(ctx context.Context, callID domain.CallID) (SignalTopic, error)
	Close()
}

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

// SignalTopic is a broadcast channel for one call's session negotiation.
// Both peers join the same topic; frames are relayed verbatim, so each side
// filters out its own echoes by sender id.
type SignalTopic struct {
	rt    *Realtime
	topic string

	mu     sync.Mutex
	fn     func(domain.SignalMessage)
	unsub  core.Unsubscribe
	closed bool
}

func (r *Realtime) OpenSignalTopic(ctx context.Context, callID domain.CallID) (core.SignalTopic, error) {
	return &SignalTopic{rt: r, topic: callSignalingTopic(callID)}, nil
}

func (t *SignalTopic) OnMessage(fn func(domain.SignalMessage)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

// Subscribe joins the topic and returns once the server confirms the join,
// so callers know the relay is live before sending an offer through it.
func (t *SignalTopic) Subscribe(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("signal topic closed")
	}
	t.mu.Unlock()

	unsub, err := t.rt.subscribe(ctx, t.topic, t.handleFrame)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		unsub()
		return fmt.Errorf("signal topic closed")
	}
	t.unsub = unsub
	t.mu.Unlock()
	return nil
}

func (t *SignalTopic) handleFrame(event string, payload json.RawMessage) {
	if event != evBroadcast {
		return
	}
	var body broadcastPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Error().Err(err).Str("module", "realtime").Msg("bad broadcast payload")
		return
	}
	msg, err := domain.DecodeSignal(body.Data)
	if err != nil {
		log.Warn().Err(err).Str("module", "realtime").Str("topic", t.topic).Msg("malformed signal dropped")
		return
	}
	t.mu.Lock()
	fn := t.fn
	t.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (t *SignalTopic) Send(ctx context.Context, msg domain.SignalMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("signal topic closed")
	}
	t.mu.Unlock()

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	body, err := json.Marshal(broadcastPayload{Data: data})
	if err != nil {
		return err
	}
	t.rt.enqueue(envelope{Topic: t.topic, Event: evBroadcast, Payload: body})
	return nil
}

func (t *SignalTopic) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

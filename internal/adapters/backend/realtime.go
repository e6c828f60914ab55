package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

const (
	writeTimeout      = 5 * time.Second
	joinTimeout       = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// envelope is the realtime wire frame. Every message on the socket, in both
// directions, carries a topic, an event name and a JSON payload; requests
// carry a ref the server echoes back in its "reply" event.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

const (
	evJoin      = "join"
	evLeave     = "leave"
	evReply     = "reply"
	evHeartbeat = "heartbeat"
	evBroadcast = "broadcast"
	evRowChange = "row_change"
)

type replyPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type rowChangePayload struct {
	Kind   string          `json:"kind"` // INSERT or UPDATE
	Record json.RawMessage `json:"record"`
}

type broadcastPayload struct {
	Data json.RawMessage `json:"data"`
}

// Realtime multiplexes topic subscriptions over a single websocket. Topics
// are created on demand, tracked in an explicit registry and disposed when
// their last subscriber leaves; nothing survives past its unsubscribe.
type Realtime struct {
	url    string
	apiKey string

	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	topics  map[string]*topicState
	replies map[string]chan replyPayload
	nextRef int64
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

type topicState struct {
	name     string
	handlers map[int64]func(event string, payload json.RawMessage)
	nextID   int64
	joined   bool
}

func Dial(ctx context.Context, wsURL, apiKey string) (*Realtime, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"?apikey="+apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Realtime{
		url:     wsURL,
		apiKey:  apiKey,
		conn:    conn,
		send:    make(chan []byte, 64),
		topics:  make(map[string]*topicState),
		replies: make(map[string]chan replyPayload),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.writePump(runCtx)
	go r.readPump(runCtx)
	go r.heartbeat(runCtx)
	return r, nil
}

func (r *Realtime) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-r.send:
			if !ok {
				return
			}
			if err := r.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "realtime").Msg("writePump set deadline")
				return
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "realtime").Msg("writePump write error")
				return
			}
		}
	}
}

func (r *Realtime) readPump(ctx context.Context) {
	defer func() {
		log.Info().Str("module", "realtime").Msg("readPump closing")
		r.Close()
		close(r.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := r.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "realtime").Msg("readPump read error")
				return
			}
			r.handleFrame(data)
		}
	}
}

func (r *Realtime) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.enqueue(envelope{Topic: "system", Event: evHeartbeat})
		}
	}
}

func (r *Realtime) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "realtime").Msg("bad frame")
		return
	}

	switch env.Event {
	case evReply:
		var reply replyPayload
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			log.Error().Err(err).Str("module", "realtime").Msg("bad reply payload")
			return
		}
		r.mu.Lock()
		ch, ok := r.replies[env.Ref]
		delete(r.replies, env.Ref)
		r.mu.Unlock()
		if ok {
			ch <- reply
		}
	case evBroadcast, evRowChange:
		r.dispatch(env.Topic, env.Event, env.Payload)
	case evHeartbeat:
	default:
		log.Warn().Str("module", "realtime").Str("event", env.Event).Msg("unknown event")
	}
}

func (r *Realtime) dispatch(topic, event string, payload json.RawMessage) {
	r.mu.Lock()
	st, ok := r.topics[topic]
	var handlers []func(string, json.RawMessage)
	if ok {
		for _, h := range st.handlers {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "realtime").Str("topic", topic).Msg("event for unknown topic dropped")
		return
	}
	for _, h := range handlers {
		h(event, payload)
	}
}

func (r *Realtime) enqueue(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "realtime").Msg("marshal frame")
		return
	}
	select {
	case r.send <- data:
	default:
		log.Warn().Str("module", "realtime").Str("topic", env.Topic).Msg("send buffer full, frame dropped")
	}
}

// request sends an event carrying a fresh ref and waits for the server reply.
func (r *Realtime) request(ctx context.Context, topic, event string, payload any) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("realtime: connection closed")
	}
	r.nextRef++
	ref := strconv.FormatInt(r.nextRef, 10)
	ch := make(chan replyPayload, 1)
	r.replies[ref] = ch
	r.mu.Unlock()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	r.enqueue(envelope{Topic: topic, Event: event, Payload: raw, Ref: ref})

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("realtime: %s %s timed out", event, topic)
	case reply := <-ch:
		if reply.Status != "ok" {
			return fmt.Errorf("realtime: %s %s rejected: %s", event, topic, reply.Reason)
		}
		return nil
	}
}

// subscribe registers a handler on a topic, joining it on first use, and
// returns a disposer that leaves the topic once the last handler is gone.
func (r *Realtime) subscribe(ctx context.Context, topic string, fn func(event string, payload json.RawMessage)) (core.Unsubscribe, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("realtime: connection closed")
	}
	st, ok := r.topics[topic]
	if !ok {
		st = &topicState{name: topic, handlers: make(map[int64]func(string, json.RawMessage))}
		r.topics[topic] = st
	}
	st.nextID++
	id := st.nextID
	st.handlers[id] = fn
	needJoin := !st.joined
	r.mu.Unlock()

	if needJoin {
		if err := r.request(ctx, topic, evJoin, nil); err != nil {
			r.removeHandler(topic, id)
			return nil, err
		}
		r.mu.Lock()
		st.joined = true
		r.mu.Unlock()
	}

	return func() { r.removeHandler(topic, id) }, nil
}

func (r *Realtime) removeHandler(topic string, id int64) {
	r.mu.Lock()
	st, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(st.handlers, id)
	empty := len(st.handlers) == 0
	if empty {
		delete(r.topics, topic)
	}
	closed := r.closed
	r.mu.Unlock()

	if empty && !closed {
		r.enqueue(envelope{Topic: topic, Event: evLeave})
	}
}

func (r *Realtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.topics = make(map[string]*topicState)
	r.mu.Unlock()

	r.cancel()
	_ = r.conn.Close()
}

func incomingCallsTopic(id domain.UserID) string { return "calls:user:" + string(id) }
func callStatusTopic(id domain.CallID) string    { return "call_status:" + string(id) }
func callSignalingTopic(id domain.CallID) string { return "call_signaling:" + string(id) }

func (r *Realtime) SubscribeIncomingCalls(ctx context.Context, userID domain.UserID, fn func(domain.Call)) (core.Unsubscribe, error) {
	return r.subscribe(ctx, incomingCallsTopic(userID), func(event string, payload json.RawMessage) {
		call, ok := decodeCallRow(event, payload)
		if !ok {
			return
		}
		fn(call)
	})
}

func (r *Realtime) SubscribeCallStatus(ctx context.Context, callID domain.CallID, fn func(domain.Call)) (core.Unsubscribe, error) {
	return r.subscribe(ctx, callStatusTopic(callID), func(event string, payload json.RawMessage) {
		call, ok := decodeCallRow(event, payload)
		if !ok {
			return
		}
		fn(call)
	})
}

func decodeCallRow(event string, payload json.RawMessage) (domain.Call, bool) {
	if event != evRowChange {
		return domain.Call{}, false
	}
	var row rowChangePayload
	if err := json.Unmarshal(payload, &row); err != nil {
		log.Error().Err(err).Str("module", "realtime").Msg("bad row change")
		return domain.Call{}, false
	}
	var call domain.Call
	if err := json.Unmarshal(row.Record, &call); err != nil {
		log.Error().Err(err).Str("module", "realtime").Msg("bad call record")
		return domain.Call{}, false
	}
	return call, true
}

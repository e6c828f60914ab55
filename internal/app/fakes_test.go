package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

// hub is an in-memory stand-in for the backend: call records, conversation
// messages and the realtime fan-out, all in one place so two controllers can
// talk to each other inside a test.
type hub struct {
	mu sync.Mutex

	calls      map[domain.CallID]domain.Call
	statusErr  error
	messages   []loggedMessage
	summaries  []string
	sharedConv domain.ConversationID
	users      map[domain.UserID]domain.User

	incomingSubs map[int64]incomingSub
	statusSubs   map[int64]statusSub
	topicSubs    map[int64]*memTopic
	nextSub      int64
}

type loggedMessage struct {
	Conv   domain.ConversationID
	Sender domain.UserID
	Text   string
}

type incomingSub struct {
	user domain.UserID
	fn   func(domain.Call)
}

type statusSub struct {
	call domain.CallID
	fn   func(domain.Call)
}

func newHub() *hub {
	return &hub{
		calls:        make(map[domain.CallID]domain.Call),
		sharedConv:   "conv-1",
		users:        make(map[domain.UserID]domain.User),
		incomingSubs: make(map[int64]incomingSub),
		statusSubs:   make(map[int64]statusSub),
		topicSubs:    make(map[int64]*memTopic),
	}
}

// --- core.CallStore ---

func (h *hub) CreateCall(ctx context.Context, caller, receiver domain.UserID, t domain.CallType) (*domain.Call, error) {
	call, err := domain.NewCall(caller, receiver, t)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.calls[call.ID] = *call
	h.mu.Unlock()
	h.publish(*call)
	return call, nil
}

func (h *hub) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error {
	h.mu.Lock()
	if h.statusErr != nil {
		err := h.statusErr
		h.mu.Unlock()
		return err
	}
	call, ok := h.calls[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("no call %s", id)
	}
	call.Status = status
	h.calls[id] = call
	h.mu.Unlock()
	h.publish(call)
	return nil
}

// publish delivers a record change to every matching subscription, the way
// the realtime channel would.
func (h *hub) publish(call domain.Call) {
	h.mu.Lock()
	var fns []func(domain.Call)
	for _, s := range h.incomingSubs {
		if s.user == call.ReceiverID {
			fns = append(fns, s.fn)
		}
	}
	for _, s := range h.statusSubs {
		if s.call == call.ID {
			fns = append(fns, s.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(call)
	}
}

func (h *hub) callStatus(id domain.CallID) domain.CallStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id].Status
}

// --- core.ConversationStore ---

func (h *hub) SharedConversation(ctx context.Context, a, b domain.UserID) (domain.ConversationID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sharedConv == "" {
		return "", core.ErrNoSharedConversation
	}
	return h.sharedConv, nil
}

func (h *hub) AppendMessage(ctx context.Context, conv domain.ConversationID, sender domain.UserID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, loggedMessage{Conv: conv, Sender: sender, Text: text})
	return nil
}

func (h *hub) UpdateConversationSummary(ctx context.Context, conv domain.ConversationID, text string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, text)
	return nil
}

func (h *hub) loggedMessages() []loggedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]loggedMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// --- core.UserDirectory ---

func (h *hub) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u, ok := h.users[id]; ok {
		return &u, nil
	}
	return &domain.User{ID: id, FullName: string(id)}, nil
}

// --- core.Realtime ---

func (h *hub) SubscribeIncomingCalls(ctx context.Context, userID domain.UserID, fn func(domain.Call)) (core.Unsubscribe, error) {
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.incomingSubs[id] = incomingSub{user: userID, fn: fn}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.incomingSubs, id)
		h.mu.Unlock()
	}, nil
}

func (h *hub) SubscribeCallStatus(ctx context.Context, callID domain.CallID, fn func(domain.Call)) (core.Unsubscribe, error) {
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.statusSubs[id] = statusSub{call: callID, fn: fn}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.statusSubs, id)
		h.mu.Unlock()
	}, nil
}

func (h *hub) OpenSignalTopic(ctx context.Context, callID domain.CallID) (core.SignalTopic, error) {
	h.mu.Lock()
	h.nextSub++
	t := &memTopic{hub: h, call: callID, id: h.nextSub}
	h.topicSubs[t.id] = t
	h.mu.Unlock()
	return t, nil
}

func (h *hub) Close() {}

// memTopic broadcasts to every open topic on the same call id, sender
// included, matching the shared-channel echo behavior.
type memTopic struct {
	hub  *hub
	call domain.CallID
	id   int64

	mu sync.Mutex
	fn func(domain.SignalMessage)
}

func (t *memTopic) Subscribe(ctx context.Context) error { return nil }

func (t *memTopic) OnMessage(fn func(domain.SignalMessage)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

func (t *memTopic) Send(ctx context.Context, msg domain.SignalMessage) error {
	t.hub.mu.Lock()
	var peers []*memTopic
	for _, p := range t.hub.topicSubs {
		if p.call == t.call {
			peers = append(peers, p)
		}
	}
	t.hub.mu.Unlock()
	for _, p := range peers {
		p.mu.Lock()
		fn := p.fn
		p.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
	return nil
}

func (t *memTopic) Close() {
	t.hub.mu.Lock()
	delete(t.hub.topicSubs, t.id)
	t.hub.mu.Unlock()
}

// --- core.MediaDevices / core.LocalTrack ---

type fakeTrack struct {
	kind core.TrackKind
	dev  string

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
}

func newFakeTrack(kind core.TrackKind, dev string) *fakeTrack {
	return &fakeTrack{kind: kind, dev: dev, enabled: true}
}

func (f *fakeTrack) Kind() core.TrackKind { return f.kind }

func (f *fakeTrack) SetEnabled(v bool) {
	f.mu.Lock()
	f.enabled = v
	f.mu.Unlock()
}

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTrack) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTrack) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTrack) OnEnded(fn func()) {
	f.mu.Lock()
	f.onEnded = fn
	f.mu.Unlock()
}

// endNow simulates the source ending outside our control.
func (f *fakeTrack) endNow() {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeDevices struct {
	mu       sync.Mutex
	cameras  []core.DeviceInfo
	acquired []*fakeTrack
	displays []*fakeTrack
}

func newFakeDevices(cameraIDs ...string) *fakeDevices {
	d := &fakeDevices{}
	for _, id := range cameraIDs {
		d.cameras = append(d.cameras, core.DeviceInfo{ID: id, Label: "cam " + id})
	}
	return d
}

func (d *fakeDevices) EnumerateCameras(ctx context.Context) ([]core.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cameras, nil
}

func (d *fakeDevices) AcquireStream(ctx context.Context, c core.StreamConstraints) ([]core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.LocalTrack
	if c.Audio {
		tr := newFakeTrack(core.TrackKindAudio, "mic")
		d.acquired = append(d.acquired, tr)
		out = append(out, tr)
	}
	if c.Video {
		tr := newFakeTrack(core.TrackKindVideo, c.VideoDeviceID)
		d.acquired = append(d.acquired, tr)
		out = append(out, tr)
	}
	return out, nil
}

func (d *fakeDevices) AcquireDisplay(ctx context.Context) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := newFakeTrack(core.TrackKindVideo, "display")
	d.displays = append(d.displays, tr)
	return tr, nil
}

// --- core.MediaConnection ---

type fakeSender struct {
	mu       sync.Mutex
	track    core.LocalTrack
	replaced int
}

func (s *fakeSender) Kind() core.TrackKind { return s.Track().Kind() }

func (s *fakeSender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(tr core.LocalTrack) error {
	s.mu.Lock()
	s.track = tr
	s.replaced++
	s.mu.Unlock()
	return nil
}

type fakeConn struct {
	id string

	mu        sync.Mutex
	senders   []*fakeSender
	hasRemote bool
	local     []domain.SessionDescription
	added     []domain.ICECandidate
	onICE     func(domain.ICECandidate)
	onRemote  func(core.RemoteTrack)
	closed    bool
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.NewString()} }

func (c *fakeConn) Start(ctx context.Context) error { return nil }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) AddTrack(tr core.LocalTrack) (core.TrackSender, error) {
	s := &fakeSender{track: tr}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConn) Senders() []core.TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.TrackSender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *fakeConn) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: "sdp-offer-" + c.id}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: "sdp-answer-" + c.id}, nil
}

func (c *fakeConn) SetLocalDescription(sdp domain.SessionDescription) error {
	c.mu.Lock()
	c.local = append(c.local, sdp)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetRemoteDescription(sdp domain.SessionDescription) error {
	c.mu.Lock()
	c.hasRemote = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasRemote
}

func (c *fakeConn) AddICECandidate(cand domain.ICECandidate) error {
	c.mu.Lock()
	c.added = append(c.added, cand)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) addedCandidates() []domain.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ICECandidate, len(c.added))
	copy(out, c.added)
	return out
}

func (c *fakeConn) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

// gatherCandidate simulates local ICE gathering producing one candidate.
func (c *fakeConn) gatherCandidate(cand domain.ICECandidate) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

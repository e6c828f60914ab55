package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bawaal/callkit/internal/domain"
)

// recTopic records the order of topic operations for handshake assertions.
type recTopic struct {
	mu         sync.Mutex
	fn         func(domain.SignalMessage)
	events     []string
	sent       []domain.SignalMessage
	subscribed bool
	closed     bool
}

func (t *recTopic) Subscribe(ctx context.Context) error {
	t.mu.Lock()
	t.subscribed = true
	t.events = append(t.events, "subscribe")
	t.mu.Unlock()
	return nil
}

func (t *recTopic) Send(ctx context.Context, msg domain.SignalMessage) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.events = append(t.events, "send:"+string(msg.Kind))
	t.mu.Unlock()
	return nil
}

func (t *recTopic) OnMessage(fn func(domain.SignalMessage)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

func (t *recTopic) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// inject delivers a message as if the peer had broadcast it.
func (t *recTopic) inject(msg domain.SignalMessage) {
	t.mu.Lock()
	fn := t.fn
	t.mu.Unlock()
	if fn == nil {
		panic("inject before OnMessage")
	}
	fn(msg)
}

func (t *recTopic) sentKinds() []domain.SignalKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := make([]domain.SignalKind, len(t.sent))
	for i, m := range t.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

func cand(v string) domain.ICECandidate { return domain.ICECandidate{Candidate: v} }

func TestCallerSubscribesBeforeSendingOffer(t *testing.T) {
	topic := &recTopic{}
	pc := newFakeConn()
	s := newSignaler(context.Background(), topic, pc, "alice", true)

	require.NoError(t, s.run())

	require.GreaterOrEqual(t, len(topic.events), 2)
	assert.Equal(t, "subscribe", topic.events[0])
	assert.Equal(t, "send:offer", topic.events[1])
	require.Len(t, pc.local, 1)
	assert.Equal(t, "offer", pc.local[0].Type)
}

func TestReceiverAnswersOffer(t *testing.T) {
	topic := &recTopic{}
	pc := newFakeConn()
	s := newSignaler(context.Background(), topic, pc, "bob", false)

	require.NoError(t, s.run())
	assert.Empty(t, topic.sent, "receiver must not open the handshake")

	topic.inject(domain.NewOfferSignal("alice", domain.SessionDescription{Type: "offer", SDP: "v=0"}))

	require.Equal(t, []domain.SignalKind{domain.SignalAnswer}, topic.sentKinds())
	assert.True(t, pc.HasRemoteDescription())
	require.Len(t, pc.local, 1)
	assert.Equal(t, "answer", pc.local[0].Type)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	topic := &recTopic{}
	pc := newFakeConn()
	s := newSignaler(context.Background(), topic, pc, "alice", true)
	require.NoError(t, s.run())

	// Trickle candidates race ahead of the answer.
	topic.inject(domain.NewCandidateSignal("bob", cand("c1")))
	topic.inject(domain.NewCandidateSignal("bob", cand("c2")))
	topic.inject(domain.NewCandidateSignal("bob", cand("c3")))
	assert.Empty(t, pc.addedCandidates(), "no candidate may be applied before the remote description")

	topic.inject(domain.NewAnswerSignal("bob", domain.SessionDescription{Type: "answer", SDP: "v=0"}))

	got := pc.addedCandidates()
	require.Len(t, got, 3)
	assert.Equal(t, "c1", got[0].Candidate)
	assert.Equal(t, "c2", got[1].Candidate)
	assert.Equal(t, "c3", got[2].Candidate)
}

func TestCandidateAfterRemoteDescriptionAppliesImmediately(t *testing.T) {
	topic := &recTopic{}
	pc := newFakeConn()
	s := newSignaler(context.Background(), topic, pc, "alice", true)
	require.NoError(t, s.run())

	topic.inject(domain.NewAnswerSignal("bob", domain.SessionDescription{Type: "answer", SDP: "v=0"}))
	topic.inject(domain.NewCandidateSignal("bob", cand("late")))

	got := pc.addedCandidates()
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Candidate)
}

func TestSelfEchoIsIgnored(t *testing.T) {
	topic := &recTopic{}
	pc := newFakeConn()
	s := newSignaler(context.Background(), topic, pc, "alice", true)
	require.NoError(t, s.run())

	topic.inject(domain.NewAnswerSignal("bob", domain.SessionDescription{Type: "answer", SDP: "v=0"}))
	topic.inject(domain.NewCandidateSignal("alice", cand("mine")))

	assert.Empty(t, pc.addedCandidates())
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	topic := &recTopic{}
	pc := newFakeConn()
	s := newSignaler(context.Background(), topic, pc, "alice", true)
	require.NoError(t, s.run())

	pc.gatherCandidate(cand("local-1"))

	kinds := topic.sentKinds()
	require.Equal(t, []domain.SignalKind{domain.SignalOffer, domain.SignalCandidate}, kinds)
	assert.Equal(t, domain.UserID("alice"), topic.sent[1].SenderID)
}

func TestFullHandshakeOverSharedTopic(t *testing.T) {
	h := newHub()
	callID := domain.CallID("call-1")

	bobTopic, err := h.OpenSignalTopic(context.Background(), callID)
	require.NoError(t, err)
	aliceTopic, err := h.OpenSignalTopic(context.Background(), callID)
	require.NoError(t, err)

	alicePC := newFakeConn()
	bobPC := newFakeConn()
	bob := newSignaler(context.Background(), bobTopic, bobPC, "bob", false)
	alice := newSignaler(context.Background(), aliceTopic, alicePC, "alice", true)

	// Receiver is listening before the caller opens with the offer, so the
	// whole exchange resolves synchronously over the in-memory topic.
	require.NoError(t, bob.run())
	require.NoError(t, alice.run())

	assert.True(t, alicePC.HasRemoteDescription(), "caller applied the answer")
	assert.True(t, bobPC.HasRemoteDescription(), "receiver applied the offer")

	// Trickled candidates now flow both ways and apply immediately.
	alicePC.gatherCandidate(cand("from-alice"))
	bobPC.gatherCandidate(cand("from-bob"))

	got := bobPC.addedCandidates()
	require.Len(t, got, 1)
	assert.Equal(t, "from-alice", got[0].Candidate)
	got = alicePC.addedCandidates()
	require.Len(t, got, 1)
	assert.Equal(t, "from-bob", got[0].Candidate)
}

func TestCloseDropsBufferAndLateMessages(t *testing.T) {
	topic := &recTopic{}
	pc := newFakeConn()
	s := newSignaler(context.Background(), topic, pc, "alice", true)
	require.NoError(t, s.run())

	topic.inject(domain.NewCandidateSignal("bob", cand("queued")))
	s.close()
	s.close()

	assert.True(t, topic.closed)

	// A late answer must not replay the discarded queue.
	topic.inject(domain.NewAnswerSignal("bob", domain.SessionDescription{Type: "answer", SDP: "v=0"}))
	assert.Empty(t, pc.addedCandidates())
}

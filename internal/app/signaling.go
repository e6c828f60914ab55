package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

// signaler drives the offer/answer/candidate exchange for one call over its
// signaling topic. Candidates arriving before the remote description is set
// are buffered and replayed in arrival order once it lands; that is the one
// ordering invariant this layer enforces. Handler failures are logged and
// the message dropped — later messages may still succeed.
type signaler struct {
	topic    core.SignalTopic
	pc       core.MediaConnection
	selfID   domain.UserID
	isCaller bool
	ctx      context.Context

	mu      sync.Mutex
	pending []domain.ICECandidate
	closed  bool
}

func newSignaler(ctx context.Context, topic core.SignalTopic, pc core.MediaConnection, selfID domain.UserID, isCaller bool) *signaler {
	return &signaler{
		topic:    topic,
		pc:       pc,
		selfID:   selfID,
		isCaller: isCaller,
		ctx:      ctx,
	}
}

// run subscribes to the topic and, once the subscription is confirmed, lets
// the caller side open the handshake with an offer. Sending before the
// subscription confirmation would be lost, so the order here matters.
func (s *signaler) run() error {
	s.pc.OnICECandidate(func(c domain.ICECandidate) {
		s.send(domain.NewCandidateSignal(s.selfID, c))
	})
	s.topic.OnMessage(s.handle)

	if err := s.topic.Subscribe(s.ctx); err != nil {
		return fmt.Errorf("subscribe signaling topic: %w", err)
	}

	if !s.isCaller {
		return nil
	}
	offer, err := s.pc.CreateOffer(s.ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	s.send(domain.NewOfferSignal(s.selfID, offer))
	return nil
}

func (s *signaler) handle(msg domain.SignalMessage) {
	// Self-echoed messages on the shared broadcast topic are never processed.
	if msg.SenderID == s.selfID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var err error
	switch msg.Kind {
	case domain.SignalOffer:
		err = s.handleOffer(*msg.SDP)
	case domain.SignalAnswer:
		err = s.handleAnswer(*msg.SDP)
	case domain.SignalCandidate:
		err = s.handleCandidate(*msg.Candidate)
	default:
		log.Warn().Str("module", "app.signal").Str("kind", string(msg.Kind)).Msg("unknown signal")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "app.signal").Str("kind", string(msg.Kind)).Msg("signal handling failed, message dropped")
	}
}

// handleOffer is the receiver side: apply the remote offer, answer it and
// flush any candidates that raced ahead of the offer.
func (s *signaler) handleOffer(sdp domain.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if err := s.drainCandidates(); err != nil {
		log.Error().Err(err).Str("module", "app.signal").Msg("drain after offer")
	}
	answer, err := s.pc.CreateAnswer(s.ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	s.send(domain.NewAnswerSignal(s.selfID, answer))
	return nil
}

// handleAnswer is the caller side: apply the remote answer, then flush.
func (s *signaler) handleAnswer(sdp domain.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return s.drainCandidates()
}

func (s *signaler) handleCandidate(c domain.ICECandidate) error {
	if !s.pc.HasRemoteDescription() {
		s.mu.Lock()
		s.pending = append(s.pending, c)
		n := len(s.pending)
		s.mu.Unlock()
		log.Debug().Str("module", "app.signal").Int("queued", n).Msg("candidate buffered before remote description")
		return nil
	}
	return s.pc.AddICECandidate(c)
}

// drainCandidates applies the buffered candidates FIFO and clears the queue.
// Runs immediately after setRemoteDescription succeeds.
func (s *signaler) drainCandidates() error {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("apply buffered candidate: %w", err)
		}
	}
	return nil
}

func (s *signaler) send(msg domain.SignalMessage) {
	if err := s.topic.Send(s.ctx, msg); err != nil {
		log.Error().Err(err).Str("module", "app.signal").Str("kind", string(msg.Kind)).Msg("send signal")
	}
}

// close discards buffered candidates and leaves the topic. Idempotent.
func (s *signaler) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.topic.Close()
}

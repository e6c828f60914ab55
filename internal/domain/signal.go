package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

var (
	ErrUnknownSignal = errors.New("unknown signal kind")
	ErrEmptySender   = errors.New("signal without sender id")
)

// SessionDescription carries an SDP offer or answer. Opaque to this layer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a single connectivity proposal.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalMessage is one negotiation message on a call's signaling topic.
// Exactly one of SDP/Candidate is set, fixed by Kind. Messages are ephemeral:
// created and consumed within one call, never persisted.
type SignalMessage struct {
	Kind      SignalKind          `json:"kind"`
	SenderID  UserID              `json:"senderId"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

func NewOfferSignal(sender UserID, sdp SessionDescription) SignalMessage {
	return SignalMessage{Kind: SignalOffer, SenderID: sender, SDP: &sdp}
}

func NewAnswerSignal(sender UserID, sdp SessionDescription) SignalMessage {
	return SignalMessage{Kind: SignalAnswer, SenderID: sender, SDP: &sdp}
}

func NewCandidateSignal(sender UserID, c ICECandidate) SignalMessage {
	return SignalMessage{Kind: SignalCandidate, SenderID: sender, Candidate: &c}
}

func (m SignalMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeSignal parses a raw topic payload and checks the payload shape
// demanded by its kind, so the state machine never sees a half-formed message.
func DecodeSignal(data []byte) (SignalMessage, error) {
	var m SignalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SignalMessage{}, fmt.Errorf("decode signal: %w", err)
	}
	if m.SenderID == "" {
		return SignalMessage{}, ErrEmptySender
	}
	switch m.Kind {
	case SignalOffer, SignalAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return SignalMessage{}, fmt.Errorf("%s signal without sdp", m.Kind)
		}
	case SignalCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return SignalMessage{}, fmt.Errorf("candidate signal without candidate")
		}
	default:
		return SignalMessage{}, ErrUnknownSignal
	}
	return m, nil
}

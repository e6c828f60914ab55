package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalRoundTrip(t *testing.T) {
	msg := NewOfferSignal("alice", SessionDescription{Type: "offer", SDP: "v=0..."})
	data, err := msg.Encode()
	require.NoError(t, err)

	got, err := DecodeSignal(data)
	require.NoError(t, err)
	assert.Equal(t, SignalOffer, got.Kind)
	assert.Equal(t, UserID("alice"), got.SenderID)
	require.NotNil(t, got.SDP)
	assert.Equal(t, "v=0...", got.SDP.SDP)
}

func TestDecodeSignalRejectsUnknownKind(t *testing.T) {
	_, err := DecodeSignal([]byte(`{"kind":"renegotiate","senderId":"alice"}`))
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

func TestDecodeSignalRejectsMissingSender(t *testing.T) {
	_, err := DecodeSignal([]byte(`{"kind":"offer","sdp":{"type":"offer","sdp":"v=0"}}`))
	assert.ErrorIs(t, err, ErrEmptySender)
}

func TestDecodeSignalRejectsHalfFormedPayloads(t *testing.T) {
	cases := map[string]string{
		"offer without sdp":          `{"kind":"offer","senderId":"a"}`,
		"answer with empty sdp":      `{"kind":"answer","senderId":"a","sdp":{"type":"answer","sdp":""}}`,
		"candidate without payload":  `{"kind":"candidate","senderId":"a"}`,
		"candidate with empty value": `{"kind":"candidate","senderId":"a","candidate":{"candidate":""}}`,
		"not json":                   `{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSignal([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeSignalCandidateKeepsMid(t *testing.T) {
	raw := `{"kind":"candidate","senderId":"bob","candidate":{"candidate":"candidate:1 1 udp 2122 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	got, err := DecodeSignal([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, got.Candidate)
	require.NotNil(t, got.Candidate.SDPMid)
	assert.Equal(t, "0", *got.Candidate.SDPMid)
	require.NotNil(t, got.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *got.Candidate.SDPMLineIndex)
}

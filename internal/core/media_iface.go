package core

import (
	"context"

	"github.com/bawaal/callkit/internal/domain"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// LocalTrack is one capture source (microphone, camera or screen) bound to
// the current call. Disabling a track keeps it live and bound; Stop releases
// the underlying device for good.
type LocalTrack interface {
	Kind() TrackKind
	SetEnabled(bool)
	Enabled() bool
	Stop()
	// OnEnded fires when the source ends on its own, e.g. the OS stop-sharing
	// control for a screen track. Not fired by Stop.
	OnEnded(func())
}

// RemoteTrack is an inbound media track surfaced by the peer connection.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}

// TrackSender is the outgoing binding of one local track. ReplaceTrack swaps
// the source feeding an already-negotiated connection without renegotiation.
type TrackSender interface {
	Kind() TrackKind
	Track() LocalTrack
	ReplaceTrack(LocalTrack) error
}

// MediaConnection abstracts a peer connection. Start configures internal
// callbacks and binds the connection lifetime to ctx; Close stops all
// underlying media resources and is safe to call more than once.
type MediaConnection interface {
	Start(ctx context.Context) error
	Close()

	AddTrack(LocalTrack) (TrackSender, error)
	Senders() []TrackSender

	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(domain.SessionDescription) error
	SetRemoteDescription(domain.SessionDescription) error
	// HasRemoteDescription gates immediate candidate application versus
	// buffering in the controller's candidate queue.
	HasRemoteDescription() bool
	AddICECandidate(domain.ICECandidate) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(domain.ICECandidate))
	// OnRemoteTrack sets a callback invoked for every new inbound track.
	OnRemoteTrack(func(RemoteTrack))
}

type DeviceInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// StreamConstraints mirrors the getUserMedia request shape: microphone is
// always wanted, camera only for video calls, with an optional device pin.
type StreamConstraints struct {
	Audio         bool
	Video         bool
	VideoDeviceID string
}

// MediaDevices is the device boundary. Implementations must apply the audio
// processing defaults (echo cancellation, noise suppression, auto gain) and
// treat video resolution/frame-rate targets as ideals, not hard minimums.
type MediaDevices interface {
	EnumerateCameras(ctx context.Context) ([]DeviceInfo, error)
	AcquireStream(ctx context.Context, c StreamConstraints) ([]LocalTrack, error)
	AcquireDisplay(ctx context.Context) (LocalTrack, error)
}

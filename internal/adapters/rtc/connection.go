// Package rtc implements core.MediaConnection on pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

// ErrNotRTPTrack means a local track was produced by a device adapter that
// does not carry a pion track underneath (e.g. a test fake).
var ErrNotRTPTrack = errors.New("local track does not wrap a webrtc track")

// RTPTrackSource is implemented by device-adapter tracks that can hand over
// the underlying pion track for sending.
type RTPTrackSource interface {
	RTPTrack() webrtc.TrackLocal
}

type Connection struct {
	pc     *webrtc.PeerConnection
	sink   Sink
	cancel context.CancelFunc

	onICE    func(domain.ICECandidate)
	onRemote func(core.RemoteTrack)

	mu      sync.Mutex
	senders []*trackSender
	closed  bool
}

func DefaultConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// CodecRegistrar installs the codecs a device adapter encodes with. The
// capture layer owns codec parameters, so registration is delegated to it.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine)
}

// New creates a peer connection. codecs may be nil, in which case pion's
// defaults apply. sink receives depacketized inbound RTP; nil means inbound
// media is drained and discarded (playout belongs to the UI).
func New(cfg webrtc.Configuration, codecs CodecRegistrar, sink Sink) (*Connection, error) {
	me := &webrtc.MediaEngine{}
	if codecs != nil {
		codecs.RegisterCodecs(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(reg))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &Connection{pc: pc, sink: sink}, nil
}

// Start configures internal callbacks and binds the connection lifetime to
// ctx. Remote tracks each get a pump goroutine reading RTP into the sink.
func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(fromICEInit(cand.ToJSON()))
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		rt := &remoteTrack{track: track}
		go c.pump(ctx, track)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.keyframeLoop(ctx, track)
		}
		c.mu.Lock()
		fn := c.onRemote
		c.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
	})

	return nil
}

func (c *Connection) AddTrack(tr core.LocalTrack) (core.TrackSender, error) {
	src, ok := tr.(RTPTrackSource)
	if !ok {
		return nil, ErrNotRTPTrack
	}
	sender, err := c.pc.AddTrack(src.RTPTrack())
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	s := &trackSender{sender: sender, kind: tr.Kind(), track: tr}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) Senders() []core.TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.TrackSender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	sdp, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromSDP(sdp), nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	sdp, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromSDP(sdp), nil
}

func (c *Connection) SetLocalDescription(d domain.SessionDescription) error {
	return c.pc.SetLocalDescription(toSDP(d))
}

func (c *Connection) SetRemoteDescription(d domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(toSDP(d))
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddICECandidate(cand domain.ICECandidate) error {
	return c.pc.AddICECandidate(toICEInit(cand))
}

func (c *Connection) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

// Close is safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Msg("peer connection closed")
}

type trackSender struct {
	sender *webrtc.RTPSender
	kind   core.TrackKind

	mu    sync.Mutex
	track core.LocalTrack
}

func (s *trackSender) Kind() core.TrackKind { return s.kind }

func (s *trackSender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// ReplaceTrack swaps the media source feeding the negotiated sender in
// place; no renegotiation happens.
func (s *trackSender) ReplaceTrack(tr core.LocalTrack) error {
	src, ok := tr.(RTPTrackSource)
	if !ok {
		return ErrNotRTPTrack
	}
	if err := s.sender.ReplaceTrack(src.RTPTrack()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	s.mu.Lock()
	s.track = tr
	s.mu.Unlock()
	return nil
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string { return r.track.ID() }

func (r *remoteTrack) Kind() core.TrackKind {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return core.TrackKindVideo
	}
	return core.TrackKindAudio
}

func fromSDP(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toSDP(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromICEInit(ci webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func toICEInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

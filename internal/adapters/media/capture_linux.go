//go:build linux

package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
)

type Devices struct {
	cfg      Config
	selector *mediadevices.CodecSelector
}

// New builds the capture boundary with VP8 and Opus encoders registered.
func New(cfg Config) (*Devices, error) {
	cfg = cfg.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.BitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Devices{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs populates a pion MediaEngine with the encoders used for
// capture; the rtc adapter needs this when building its API.
func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

func (d *Devices) EnumerateCameras(ctx context.Context) ([]core.DeviceInfo, error) {
	var out []core.DeviceInfo
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, core.DeviceInfo{ID: info.DeviceID, Label: info.Label})
	}
	return out, nil
}

// AcquireStream opens microphone and/or camera per the constraints. Video
// resolution and frame rate are ideal targets the driver may undercut.
func (d *Devices) AcquireStream(ctx context.Context, c core.StreamConstraints) ([]core.LocalTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Audio {
		// Echo cancellation, noise suppression and auto gain sit in the
		// malgo capture path, not in the constraint surface; the defaults
		// we want are what the microphone driver already applies.
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if c.Video {
		constraints.Video = func(v *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces frames the VP8 encoder cannot digest.
			v.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			v.Width = prop.IntRanged{Ideal: d.cfg.Width}
			v.Height = prop.IntRanged{Ideal: d.cfg.Height}
			v.FrameRate = prop.FloatRanged{Ideal: float32(d.cfg.FrameRate)}
			if c.VideoDeviceID != "" {
				v.DeviceID = prop.StringExact(c.VideoDeviceID)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	return wrapTracks(stream.GetTracks()), nil
}

// AcquireDisplay opens a screen-capture track via the X11 grab driver.
func (d *Devices) AcquireDisplay(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(v *mediadevices.MediaTrackConstraints) {
			v.FrameRate = prop.FloatRanged{Ideal: float32(d.cfg.FrameRate)}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	tracks := wrapTracks(stream.GetTracks())
	for _, tr := range tracks {
		if tr.Kind() == core.TrackKindVideo {
			return tr, nil
		}
	}
	for _, tr := range tracks {
		tr.Stop()
	}
	return nil, fmt.Errorf("display capture produced no video track")
}

func wrapTracks(tracks []mediadevices.Track) []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, newDeviceTrack(t))
	}
	return out
}

// deviceTrack adapts one mediadevices capture track. Enabled is a soft flag:
// the encoder keeps running, matching the browser contract where a disabled
// track stays live and bound to its sender.
type deviceTrack struct {
	t    mediadevices.Track
	kind core.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	kind := core.TrackKindAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackKindVideo
	}
	d := &deviceTrack{t: t, kind: kind, enabled: true}
	t.OnEnded(func(err error) {
		d.mu.Lock()
		stopped := d.stopped
		fn := d.onEnded
		d.mu.Unlock()
		if stopped {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("track_id", t.ID()).Msg("track ended")
		}
		if fn != nil {
			fn()
		}
	})
	return d
}

func (d *deviceTrack) Kind() core.TrackKind { return d.kind }

func (d *deviceTrack) SetEnabled(v bool) {
	d.mu.Lock()
	d.enabled = v
	d.mu.Unlock()
}

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	if err := d.t.Close(); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("track_id", d.t.ID()).Msg("track close")
	}
}

func (d *deviceTrack) OnEnded(fn func()) {
	d.mu.Lock()
	d.onEnded = fn
	d.mu.Unlock()
}

// RTPTrack exposes the underlying pion track for the rtc adapter.
func (d *deviceTrack) RTPTrack() webrtc.TrackLocal { return d.t }

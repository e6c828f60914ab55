package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

// pipeline owns every capture resource of one call: local tracks, the video
// sender used for in-place source switching, and the device/track flags the
// UI mirrors. Streams are released exclusively through release, never left
// dangling.
type pipeline struct {
	devices core.MediaDevices

	mu          sync.Mutex
	pc          core.MediaConnection
	local       []core.LocalTrack
	remote      []core.RemoteTrack
	videoSender core.TrackSender

	muted         bool
	videoOff      bool
	screenSharing bool
	cameras       []core.DeviceInfo
	cameraIdx     int
}

func newPipeline(devices core.MediaDevices) *pipeline {
	return &pipeline{devices: devices}
}

// acquire requests the microphone always and the camera only for video calls.
// A failure here is fatal for the call; the caller is expected to run cleanup.
func (p *pipeline) acquire(ctx context.Context, t domain.CallType) error {
	c := core.StreamConstraints{Audio: true, Video: t == domain.CallTypeVideo}

	if c.Video {
		cams, err := p.devices.EnumerateCameras(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.media").Msg("enumerate cameras")
		}
		p.mu.Lock()
		p.cameras = cams
		p.cameraIdx = 0
		p.mu.Unlock()
		if len(cams) > 0 {
			c.VideoDeviceID = cams[0].ID
		}
	}

	tracks, err := p.devices.AcquireStream(ctx, c)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	p.mu.Lock()
	p.local = tracks
	p.mu.Unlock()
	log.Info().Str("module", "app.media").Int("tracks", len(tracks)).Str("call_type", string(t)).Msg("local media captured")
	return nil
}

// bind adds every local track to the peer connection. Must run before
// offer/answer creation so the tracks are part of the negotiated session.
func (p *pipeline) bind(pc core.MediaConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pc = pc
	pc.OnRemoteTrack(func(rt core.RemoteTrack) {
		p.mu.Lock()
		p.remote = append(p.remote, rt)
		p.mu.Unlock()
		log.Info().Str("module", "app.media").Str("track_id", rt.ID()).Str("kind", string(rt.Kind())).Msg("remote track received")
	})
	for _, tr := range p.local {
		sender, err := pc.AddTrack(tr)
		if err != nil {
			return fmt.Errorf("add track: %w", err)
		}
		if sender.Kind() == core.TrackKindVideo {
			p.videoSender = sender
		}
	}
	return nil
}

func (p *pipeline) trackOfKind(kind core.TrackKind) core.LocalTrack {
	for _, tr := range p.local {
		if tr.Kind() == kind {
			return tr
		}
	}
	return nil
}

// toggleMute flips the audio track's enabled flag. The track stays live and
// bound, so no renegotiation happens. Returns the new muted state.
func (p *pipeline) toggleMute() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tr := p.trackOfKind(core.TrackKindAudio); tr != nil {
		p.muted = !p.muted
		tr.SetEnabled(!p.muted)
	}
	return p.muted
}

// toggleVideo flips the video track's enabled flag, same contract as mute.
func (p *pipeline) toggleVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tr := p.trackOfKind(core.TrackKindVideo); tr != nil {
		p.videoOff = !p.videoOff
		tr.SetEnabled(!p.videoOff)
	}
	return p.videoOff
}

// switchCamera cycles to the next video input device (wrap-around), acquires
// a fresh track from it and swaps the outgoing source on the existing sender.
// The sender set of the connection is unchanged; the previous track stops.
func (p *pipeline) switchCamera(ctx context.Context) error {
	p.mu.Lock()
	if len(p.cameras) < 2 {
		p.mu.Unlock()
		return nil
	}
	next := (p.cameraIdx + 1) % len(p.cameras)
	deviceID := p.cameras[next].ID
	p.mu.Unlock()

	tracks, err := p.devices.AcquireStream(ctx, core.StreamConstraints{Video: true, VideoDeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("switch camera: %w", err)
	}
	fresh := firstOfKind(tracks, core.TrackKindVideo)
	if fresh == nil {
		stopAll(tracks)
		return fmt.Errorf("switch camera: device %s produced no video track", deviceID)
	}

	if err := p.swapVideoTrack(fresh); err != nil {
		fresh.Stop()
		return err
	}

	p.mu.Lock()
	p.cameraIdx = next
	p.videoOff = false
	p.mu.Unlock()
	log.Info().Str("module", "app.media").Str("device", deviceID).Msg("camera switched")
	return nil
}

// toggleScreenShare swaps the outgoing video source between display capture
// and the currently selected camera. Symmetric and safe to invoke repeatedly.
// When the OS stop-sharing control ends the display track, the pipeline
// reverts to the camera on its own.
func (p *pipeline) toggleScreenShare(ctx context.Context) (bool, error) {
	p.mu.Lock()
	sharing := p.screenSharing
	p.mu.Unlock()

	if sharing {
		if err := p.revertToCamera(ctx); err != nil {
			return true, err
		}
		return false, nil
	}

	display, err := p.devices.AcquireDisplay(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire display: %w", err)
	}
	display.OnEnded(func() {
		if err := p.revertToCamera(context.Background()); err != nil {
			log.Error().Err(err).Str("module", "app.media").Msg("revert after share ended")
		}
	})

	if err := p.swapVideoTrack(display); err != nil {
		display.Stop()
		return false, err
	}

	p.mu.Lock()
	p.screenSharing = true
	p.mu.Unlock()
	log.Info().Str("module", "app.media").Msg("screen share started")
	return true, nil
}

func (p *pipeline) revertToCamera(ctx context.Context) error {
	p.mu.Lock()
	if !p.screenSharing {
		p.mu.Unlock()
		return nil
	}
	var deviceID string
	if len(p.cameras) > 0 {
		deviceID = p.cameras[p.cameraIdx].ID
	}
	p.mu.Unlock()

	tracks, err := p.devices.AcquireStream(ctx, core.StreamConstraints{Video: true, VideoDeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("revert to camera: %w", err)
	}
	fresh := firstOfKind(tracks, core.TrackKindVideo)
	if fresh == nil {
		stopAll(tracks)
		return fmt.Errorf("revert to camera: no video track")
	}

	if err := p.swapVideoTrack(fresh); err != nil {
		fresh.Stop()
		return err
	}

	p.mu.Lock()
	p.screenSharing = false
	p.mu.Unlock()
	log.Info().Str("module", "app.media").Msg("screen share stopped, camera restored")
	return nil
}

// swapVideoTrack replaces the source of the existing video sender and stops
// the previous track. Never adds or removes senders.
func (p *pipeline) swapVideoTrack(fresh core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.videoSender != nil {
		if err := p.videoSender.ReplaceTrack(fresh); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	replaced := false
	for i, tr := range p.local {
		if tr.Kind() == core.TrackKindVideo {
			tr.Stop()
			p.local[i] = fresh
			replaced = true
			break
		}
	}
	if !replaced {
		p.local = append(p.local, fresh)
	}
	return nil
}

// release stops every local track, forgets remote tracks and resets all
// pipeline flags to defaults. Safe to call more than once.
func (p *pipeline) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	stopAll(p.local)
	p.local = nil
	p.remote = nil
	p.videoSender = nil
	p.muted = false
	p.videoOff = false
	p.screenSharing = false
	log.Info().Str("module", "app.media").Msg("pipeline released")
}

func (p *pipeline) snapshot() (muted, videoOff, sharing bool, cameraCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted, p.videoOff, p.screenSharing, len(p.cameras)
}

func firstOfKind(tracks []core.LocalTrack, kind core.TrackKind) core.LocalTrack {
	for _, tr := range tracks {
		if tr.Kind() == kind {
			return tr
		}
	}
	return nil
}

func stopAll(tracks []core.LocalTrack) {
	for _, tr := range tracks {
		tr.Stop()
	}
}

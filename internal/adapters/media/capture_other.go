//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/bawaal/callkit/internal/core"
)

type Devices struct{}

func New(cfg Config) (*Devices, error) {
	return &Devices{}, nil
}

func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) {
	_ = me.RegisterDefaultCodecs()
}

func (d *Devices) EnumerateCameras(ctx context.Context) ([]core.DeviceInfo, error) {
	return nil, nil
}

func (d *Devices) AcquireStream(ctx context.Context, c core.StreamConstraints) ([]core.LocalTrack, error) {
	return nil, ErrUnsupportedPlatform
}

func (d *Devices) AcquireDisplay(ctx context.Context) (core.LocalTrack, error) {
	return nil, ErrUnsupportedPlatform
}

// Package media implements core.MediaDevices on pion/mediadevices: camera,
// microphone and screen capture with VP8/Opus encoding. Hardware capture is
// only wired on Linux (V4L2 + malgo + X11 grab); other platforms get a stub
// so the rest of the client still builds.
package media

import "errors"

var ErrUnsupportedPlatform = errors.New("media capture not supported on this platform")

// Config carries the capture targets. Video numbers are ideals, not hard
// minimums; capture degrades to whatever the device offers.
type Config struct {
	Width     int
	Height    int
	FrameRate int
	BitRate   int
}

func (c Config) withDefaults() Config {
	if c.Width == 0 {
		c.Width = 1280
	}
	if c.Height == 0 {
		c.Height = 720
	}
	if c.FrameRate == 0 {
		c.FrameRate = 30
	}
	if c.BitRate == 0 {
		c.BitRate = 1_500_000
	}
	return c
}

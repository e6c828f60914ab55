package rtc

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
)

// Sink receives inbound RTP for playout. Implementations must not block;
// a slow sink stalls the read loop for its track.
type Sink interface {
	WriteRTP(kind core.TrackKind, pkt *rtp.Packet) error
}

type discardSink struct{}

func (discardSink) WriteRTP(core.TrackKind, *rtp.Packet) error { return nil }

const keyframeInterval = 3 * time.Second

// pump reads RTP packets off one remote track and forwards them to the sink
// until the track ends or the connection context is canceled. The remote
// buffer must be drained even when nothing plays the media out, otherwise
// pion backpressures the peer.
func (c *Connection) pump(ctx context.Context, track *webrtc.TrackRemote) {
	kind := core.TrackKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackKindVideo
	}
	logger := log.With().Str("module", "rtc.pump").Str("track_id", track.ID()).Str("kind", string(kind)).Logger()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("pump ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Msg("pump read RTP error, stopping")
			}
			return
		}
		if err := c.sink.WriteRTP(kind, pkt); err != nil {
			logger.Error().Err(err).Msg("sink write error, stopping pump")
			return
		}
	}
}

// keyframeLoop periodically asks the sender for a fresh keyframe so a viewer
// joining mid-stream (or recovering from loss) does not stare at a frozen
// first frame.
func (c *Connection) keyframeLoop(ctx context.Context, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				log.Debug().Err(err).Str("module", "rtc.pump").Msg("PLI write failed")
				return
			}
		}
	}
}

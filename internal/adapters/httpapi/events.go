package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/app"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// events streams call state snapshots to the UI shell. Every state change
// produces one frame; a slow reader loses intermediate frames, never the
// latest one.
func (h *handlers) events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi").Msg("events upgrade failed")
		return
	}
	defer conn.Close()

	frames := make(chan app.Snapshot, 1)
	push := func(s app.Snapshot) {
		// Keep only the newest snapshot under backpressure.
		select {
		case frames <- s:
		default:
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- s:
			default:
			}
		}
	}
	unsub := h.mgr.OnChange(push)
	defer unsub()

	push(h.mgr.Snapshot())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case s := <-frames:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteJSON(s); err != nil {
				log.Debug().Err(err).Str("module", "httpapi").Msg("events write error")
				return
			}
		}
	}
}

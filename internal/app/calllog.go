package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

// callLogText renders the outcome line written into the conversation.
// Rejected calls are declined, zero connected time is a missed call, and
// anything else reports the duration as "{m}m {s}s", or "{s}s" under a minute.
func callLogText(t domain.CallType, status domain.CallStatus, connected time.Duration) string {
	label := t.Label()
	switch {
	case status == domain.CallStatusRejected:
		return fmt.Sprintf("Declined %s Call", label)
	case connected <= 0:
		return fmt.Sprintf("Missed %s Call", label)
	default:
		total := int(connected / time.Second)
		mins, secs := total/60, total%60
		dur := fmt.Sprintf("%ds", secs)
		if mins > 0 {
			dur = fmt.Sprintf("%dm %ds", mins, secs)
		}
		return fmt.Sprintf("%s Call ended (%s)", label, dur)
	}
}

// writeCallLog appends exactly one log entry for the call into the shared
// conversation. Only the caller side writes, so the two participants never
// race duplicate entries; the logged flag guards against the status handler
// firing more than once. Both are checked under the controller mutex by the
// caller of this method.
func (c *Controller) writeCallLog(ctx context.Context, call domain.Call, status domain.CallStatus, connected time.Duration) {
	conv, err := c.convs.SharedConversation(ctx, call.CallerID, call.ReceiverID)
	if err != nil {
		if errors.Is(err, core.ErrNoSharedConversation) {
			log.Debug().Str("module", "app.calllog").Str("call_id", string(call.ID)).Msg("no shared conversation, skipping log")
			return
		}
		log.Error().Err(err).Str("module", "app.calllog").Str("call_id", string(call.ID)).Msg("resolve conversation")
		return
	}

	text := callLogText(call.Type, status, connected)
	if err := c.convs.AppendMessage(ctx, conv, call.CallerID, text); err != nil {
		log.Error().Err(err).Str("module", "app.calllog").Str("call_id", string(call.ID)).Msg("append call log")
		return
	}
	if err := c.convs.UpdateConversationSummary(ctx, conv, text, c.now()); err != nil {
		log.Error().Err(err).Str("module", "app.calllog").Str("call_id", string(call.ID)).Msg("update conversation summary")
	}
	log.Info().Str("module", "app.calllog").Str("call_id", string(call.ID)).Str("text", text).Msg("call logged")
}

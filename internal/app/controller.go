package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

var (
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrCallOver       = errors.New("call already terminated")
)

// Snapshot is the read-only view handed to observers. The UI subscribes to
// change notifications instead of reaching into controller state. A zero
// Snapshot means idle: no current or incoming call.
type Snapshot struct {
	CallID        domain.CallID     `json:"call_id,omitempty"`
	Type          domain.CallType   `json:"type,omitempty"`
	Status        domain.CallStatus `json:"status,omitempty"`
	IsCaller      bool              `json:"is_caller,omitempty"`
	Incoming      bool              `json:"incoming,omitempty"`
	PeerName      string            `json:"peer_name,omitempty"`
	PeerAvatar    string            `json:"peer_avatar,omitempty"`
	Duration      time.Duration     `json:"duration,omitempty"`
	Muted         bool              `json:"muted,omitempty"`
	VideoOff      bool              `json:"video_off,omitempty"`
	ScreenSharing bool              `json:"screen_sharing,omitempty"`
	Cameras       int               `json:"cameras,omitempty"`
}

func (s Snapshot) Idle() bool { return s.CallID == "" }

// ConnFactory builds a fresh peer connection for one call session.
type ConnFactory func(ctx context.Context) (core.MediaConnection, error)

// Controller owns exactly one call session from initiation or ring
// notification until cleanup. All resources of the session — peer connection,
// local and remote streams, the candidate queue, the per-call status
// subscription — belong to this instance and are released exactly once.
type Controller struct {
	selfID      domain.UserID
	calls       core.CallStore
	convs       core.ConversationStore
	users       core.UserDirectory
	rt          core.Realtime
	newConn     ConnFactory
	ringTimeout time.Duration
	now         func() time.Time
	notify      func(Snapshot)
	done        func(*Controller)

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	call        domain.Call
	isCaller    bool
	incoming    bool
	peer        domain.User
	connectedAt time.Time
	cleaned     bool
	logged      bool
	pipeline    *pipeline
	pc          core.MediaConnection
	sig         *signaler
	statusUnsub core.Unsubscribe
	ringTimer   *time.Timer
}

func newController(parent context.Context, d Deps, selfID domain.UserID, notify func(Snapshot), done func(*Controller)) *Controller {
	ctx, cancel := context.WithCancel(parent)
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	if notify == nil {
		notify = func(Snapshot) {}
	}
	return &Controller{
		selfID:      selfID,
		calls:       d.Calls,
		convs:       d.Convs,
		users:       d.Users,
		rt:          d.Realtime,
		newConn:     d.NewConn,
		ringTimeout: d.RingTimeout,
		now:         now,
		notify:      notify,
		done:        done,
		ctx:         ctx,
		cancel:      cancel,
		pipeline:    newPipeline(d.Devices),
	}
}

// CallID is stable for the controller's lifetime once a session is attached.
func (c *Controller) CallID() domain.CallID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call.ID
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	if c.cleaned || c.call.ID == "" {
		c.mu.Unlock()
		return Snapshot{}
	}
	s := Snapshot{
		CallID:     c.call.ID,
		Type:       c.call.Type,
		Status:     c.call.Status,
		IsCaller:   c.isCaller,
		Incoming:   c.incoming,
		PeerName:   c.peer.FullName,
		PeerAvatar: c.peer.AvatarURL,
	}
	if !c.connectedAt.IsZero() {
		s.Duration = c.now().Sub(c.connectedAt)
	}
	pl := c.pipeline
	c.mu.Unlock()

	s.Muted, s.VideoOff, s.ScreenSharing, s.Cameras = pl.snapshot()
	return s
}

func (c *Controller) emit() { c.notify(c.Snapshot()) }

// initiate creates the call record with status ringing; the local session
// becomes the active caller side of the ring.
func (c *Controller) initiate(ctx context.Context, receiver domain.UserID, t domain.CallType) error {
	call, err := c.calls.CreateCall(ctx, c.selfID, receiver, t)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.call = *call
	c.isCaller = true
	c.mu.Unlock()

	c.hydratePeer(ctx, receiver)
	if err := c.subscribeStatus(); err != nil {
		log.Error().Err(err).Str("module", "app.call").Str("call_id", string(call.ID)).Msg("status subscription failed")
	}

	if c.ringTimeout > 0 {
		c.mu.Lock()
		c.ringTimer = time.AfterFunc(c.ringTimeout, c.onRingTimeout)
		c.mu.Unlock()
	}

	log.Info().Str("module", "app.call").Str("call_id", string(call.ID)).Str("receiver", string(receiver)).Str("type", string(t)).Msg("call initiated")
	c.emit()
	return nil
}

// attachIncoming installs a ringing record as the local incoming session.
// Duplicate ring notifications for the same call are last-write-wins.
func (c *Controller) attachIncoming(rec domain.Call) {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	if c.call.ID == rec.ID && c.call.Status != domain.CallStatusRinging {
		// Stale ring notification for a call that already advanced.
		c.mu.Unlock()
		return
	}
	fresh := c.call.ID == ""
	c.call = rec
	c.isCaller = false
	c.incoming = true
	c.mu.Unlock()

	if fresh {
		c.hydratePeer(c.ctx, rec.CallerID)
		if err := c.subscribeStatus(); err != nil {
			log.Error().Err(err).Str("module", "app.call").Str("call_id", string(rec.ID)).Msg("status subscription failed")
		}
		log.Info().Str("module", "app.call").Str("call_id", string(rec.ID)).Str("caller", string(rec.CallerID)).Msg("incoming call")
	}
	c.emit()
}

// Accept transitions the record to connected and starts the media session on
// the receiver side. A failed record mutation is surfaced to the caller of
// this method and changes nothing locally.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return ErrCallOver
	}
	if !c.incoming || c.call.Status != domain.CallStatusRinging {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	call := c.call
	c.mu.Unlock()

	if err := c.calls.UpdateCallStatus(ctx, call.ID, domain.CallStatusConnected); err != nil {
		return err
	}

	c.mu.Lock()
	c.call.Status = domain.CallStatusConnected
	c.incoming = false
	c.connectedAt = c.now()
	c.mu.Unlock()

	log.Info().Str("module", "app.call").Str("call_id", string(call.ID)).Msg("call accepted")
	go c.runMedia()
	c.emit()
	return nil
}

// Reject transitions the record to rejected and cleans up locally. The
// record mutation error, if any, is surfaced but cleanup still runs: ending
// a call is unconditional resource release.
func (c *Controller) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return ErrCallOver
	}
	if !c.incoming {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	call := c.call
	c.mu.Unlock()

	err := c.calls.UpdateCallStatus(ctx, call.ID, domain.CallStatusRejected)
	if err != nil {
		log.Error().Err(err).Str("module", "app.call").Str("call_id", string(call.ID)).Msg("reject status update failed")
	}
	c.shutdown(domain.CallStatusRejected)
	return err
}

// End transitions the record to ended and cleans up locally, regardless of
// where in the handshake the call was; see Reject for the error contract.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return ErrCallOver
	}
	call := c.call
	c.mu.Unlock()

	err := c.calls.UpdateCallStatus(ctx, call.ID, domain.CallStatusEnded)
	if err != nil {
		log.Error().Err(err).Str("module", "app.call").Str("call_id", string(call.ID)).Msg("end status update failed")
	}
	c.shutdown(domain.CallStatusEnded)
	return err
}

func (c *Controller) subscribeStatus() error {
	c.mu.Lock()
	id := c.call.ID
	c.mu.Unlock()
	unsub, err := c.rt.SubscribeCallStatus(c.ctx, id, c.handleStatus)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.statusUnsub = unsub
	c.mu.Unlock()
	return nil
}

// handleStatus reacts to remote updates of the shared call record: terminal
// states run cleanup, and connected tells the ringing caller the receiver
// answered. Non-monotonic updates are dropped.
func (c *Controller) handleStatus(rec domain.Call) {
	c.mu.Lock()
	if c.cleaned || rec.ID != c.call.ID || rec.Status == c.call.Status {
		c.mu.Unlock()
		return
	}
	if !c.call.Status.CanTransition(rec.Status) {
		log.Warn().Str("module", "app.call").Str("call_id", string(rec.ID)).
			Str("from", string(c.call.Status)).Str("to", string(rec.Status)).
			Msg("non-monotonic status update ignored")
		c.mu.Unlock()
		return
	}

	if rec.Status.Terminal() {
		c.mu.Unlock()
		log.Info().Str("module", "app.call").Str("call_id", string(rec.ID)).Str("status", string(rec.Status)).Msg("remote terminated call")
		c.shutdown(rec.Status)
		return
	}

	if rec.Status == domain.CallStatusConnected && c.isCaller && c.call.Status == domain.CallStatusRinging {
		c.call.Status = domain.CallStatusConnected
		c.connectedAt = c.now()
		if c.ringTimer != nil {
			c.ringTimer.Stop()
		}
		c.mu.Unlock()
		log.Info().Str("module", "app.call").Str("call_id", string(rec.ID)).Msg("receiver answered")
		go c.runMedia()
		c.emit()
		return
	}
	c.mu.Unlock()
}

// runMedia brings up the media session once both parties reached connected:
// capture, peer connection, track binding before negotiation, then the
// signaling handshake. A hard failure anywhere aborts this call only.
func (c *Controller) runMedia() {
	c.mu.Lock()
	call := c.call
	isCaller := c.isCaller
	pl := c.pipeline
	c.mu.Unlock()

	if err := pl.acquire(c.ctx, call.Type); err != nil {
		c.abort(err)
		return
	}

	pc, err := c.newConn(c.ctx)
	if err != nil {
		c.abort(err)
		return
	}
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		pc.Close()
		pl.release()
		return
	}
	c.pc = pc
	c.mu.Unlock()

	if err := pl.bind(pc); err != nil {
		c.abort(err)
		return
	}
	if err := pc.Start(c.ctx); err != nil {
		c.abort(err)
		return
	}

	topic, err := c.rt.OpenSignalTopic(c.ctx, call.ID)
	if err != nil {
		c.abort(err)
		return
	}
	sig := newSignaler(c.ctx, topic, pc, c.selfID, isCaller)
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		sig.close()
		return
	}
	c.sig = sig
	c.mu.Unlock()

	if err := sig.run(); err != nil {
		c.abort(err)
		return
	}
	c.emit()
}

// abort is the fatal path for media/signaling bring-up failures: the session
// reverts to idle without a blocking error surface, the failure only shows
// up in diagnostics.
func (c *Controller) abort(err error) {
	log.Error().Err(err).Str("module", "app.call").Str("call_id", string(c.CallID())).Msg("fatal call error, ending call")
	_ = c.End(context.Background())
}

func (c *Controller) onRingTimeout() {
	c.mu.Lock()
	expired := !c.cleaned && c.call.Status == domain.CallStatusRinging
	id := c.call.ID
	c.mu.Unlock()
	if !expired {
		return
	}
	log.Info().Str("module", "app.call").Str("call_id", string(id)).Dur("timeout", c.ringTimeout).Msg("ring timeout, ending unanswered call")
	_ = c.End(context.Background())
}

// shutdown is the single cleanup routine behind every exit path: local end
// or reject, remote terminal notification, ring timeout, fatal media error.
// It releases everything exactly once; later invocations are no-ops.
func (c *Controller) shutdown(status domain.CallStatus) {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	c.cleaned = true
	call := c.call
	var connected time.Duration
	if !c.connectedAt.IsZero() {
		connected = c.now().Sub(c.connectedAt)
	}
	shouldLog := c.isCaller && !c.logged
	if shouldLog {
		c.logged = true
	}
	sig, pc, pl := c.sig, c.pc, c.pipeline
	unsub, timer := c.statusUnsub, c.ringTimer
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if shouldLog {
		c.writeCallLog(context.Background(), call, status, connected)
	}
	if sig != nil {
		sig.close()
	}
	if pl != nil {
		pl.release()
	}
	if pc != nil {
		pc.Close()
	}
	if unsub != nil {
		unsub()
	}
	c.cancel()

	log.Info().Str("module", "app.call").Str("call_id", string(call.ID)).Str("status", string(status)).Msg("call cleaned up")
	c.notify(Snapshot{})
	if c.done != nil {
		c.done(c)
	}
}

// ToggleMute flips the microphone without renegotiation.
func (c *Controller) ToggleMute() bool {
	muted := c.pipeline.toggleMute()
	c.emit()
	return muted
}

// ToggleVideo flips the camera track without renegotiation.
func (c *Controller) ToggleVideo() bool {
	off := c.pipeline.toggleVideo()
	c.emit()
	return off
}

// SwitchCamera cycles to the next video input device.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	err := c.pipeline.switchCamera(ctx)
	c.emit()
	return err
}

// ToggleScreenShare swaps the outgoing video between display and camera.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	sharing, err := c.pipeline.toggleScreenShare(ctx)
	c.emit()
	return sharing, err
}

func (c *Controller) hydratePeer(ctx context.Context, id domain.UserID) {
	if c.users == nil {
		return
	}
	u, err := c.users.GetUser(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.call").Str("user", string(id)).Msg("peer lookup failed")
		return
	}
	c.mu.Lock()
	c.peer = *u
	c.mu.Unlock()
}

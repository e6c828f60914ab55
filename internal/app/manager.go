// Package app holds the call session controller: the state machine,
// signaling exchange, media pipeline and call logging behind the chat
// client's voice/video calls. The backend and device boundaries are the
// interfaces in internal/core.
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
	ErrAlreadyStarted = errors.New("manager already started")
	ErrNotStarted     = errors.New("manager not started")
	ErrCallInProgress = errors.New("another call is in progress")
)

// Deps wires the manager to its collaborators. Clock is injectable for
// duration accounting in tests; nil means time.Now.
type Deps struct {
	Calls    core.CallStore
	Convs    core.ConversationStore
	Users    core.UserDirectory
	Realtime core.Realtime
	Devices  core.MediaDevices
	NewConn  ConnFactory

	RingTimeout time.Duration
	Clock       func() time.Time
}

// Manager is the explicitly owned replacement for ambient global channel
// state: constructed once per authenticated session, it holds the
// process-wide incoming-call subscription and at most one active call
// controller, and is torn down with Stop on logout.
type Manager struct {
	deps Deps

	mu            sync.Mutex
	selfID        domain.UserID
	started       bool
	incomingUnsub core.Unsubscribe
	active        *Controller
	observers     map[int64]func(Snapshot)
	nextObs       int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(d Deps) *Manager {
	return &Manager{deps: d, observers: make(map[int64]func(Snapshot))}
}

// Start binds the manager to the authenticated identity and opens the
// incoming-call subscription. Starting twice is an error; Stop first.
func (m *Manager) Start(ctx context.Context, identity domain.UserID) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.selfID = identity
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	unsub, err := m.deps.Realtime.SubscribeIncomingCalls(m.ctx, identity, m.handleIncoming)
	if err != nil {
		m.mu.Lock()
		m.cancel()
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.incomingUnsub = unsub
	m.started = true
	m.mu.Unlock()
	log.Info().Str("module", "app.manager").Str("user", string(identity)).Msg("call manager started")
	return nil
}

// Stop ends any active call, tears down the incoming-call subscription and
// returns the manager to its pre-Start state. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	active := m.active
	unsub := m.incomingUnsub
	m.incomingUnsub = nil
	cancel := m.cancel
	m.mu.Unlock()

	if active != nil {
		_ = active.End(context.Background())
	}
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	log.Info().Str("module", "app.manager").Msg("call manager stopped")
}

// OnChange registers an observer for call snapshot changes and returns its
// disposer. Observers must not block; they run on controller goroutines.
func (m *Manager) OnChange(fn func(Snapshot)) core.Unsubscribe {
	m.mu.Lock()
	m.nextObs++
	id := m.nextObs
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(s Snapshot) {
	m.mu.Lock()
	obs := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		obs = append(obs, fn)
	}
	m.mu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

// Initiate places an outgoing call. There is never more than one concurrent
// call session per client.
func (m *Manager) Initiate(ctx context.Context, receiver domain.UserID, t domain.CallType) (*Controller, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	ctrl := newController(m.ctx, m.deps, m.selfID, m.emit, m.clearActive)
	m.active = ctrl
	m.mu.Unlock()

	if err := ctrl.initiate(ctx, receiver, t); err != nil {
		m.clearActive(ctrl)
		return nil, err
	}
	return ctrl, nil
}

// Active returns the current call controller, if any.
func (m *Manager) Active() (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Snapshot returns the current call state, or the idle snapshot.
func (m *Manager) Snapshot() Snapshot {
	if ctrl, ok := m.Active(); ok {
		return ctrl.Snapshot()
	}
	return Snapshot{}
}

// handleIncoming receives INSERT/UPDATE notifications for call records
// addressed to this identity. Ringing records become (or refresh) the local
// incoming session; anything else is routed to the session it belongs to,
// which the per-call status subscription also covers.
func (m *Manager) handleIncoming(rec domain.Call) {
	if rec.ReceiverID != m.selfID {
		return
	}

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active != nil {
		if active.CallID() == rec.ID {
			if rec.Status == domain.CallStatusRinging {
				active.attachIncoming(rec)
			} else {
				active.handleStatus(rec)
			}
			return
		}
		if rec.Status == domain.CallStatusRinging {
			log.Info().Str("module", "app.manager").Str("call_id", string(rec.ID)).Msg("busy, ignoring overlapping ring")
		}
		return
	}

	if rec.Status != domain.CallStatusRinging {
		return
	}

	m.mu.Lock()
	if m.active != nil || !m.started {
		m.mu.Unlock()
		return
	}
	ctrl := newController(m.ctx, m.deps, m.selfID, m.emit, m.clearActive)
	m.active = ctrl
	m.mu.Unlock()

	ctrl.attachIncoming(rec)
}

func (m *Manager) clearActive(c *Controller) {
	m.mu.Lock()
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()
}

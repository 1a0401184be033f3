// Package callstate tracks one client's call lifecycle as a tagged state
// machine: Idle, Outgoing, Incoming, or Active, never more than one at a
// time. Transitions are driven by user operations and by change-feed events
// from the backend; a local ring timer covers the no-answer path when no
// terminal event arrives.
package callstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reseautageclub/huddle/backend/internal/calls"
)

// Phase is the discriminant of the call state union.
type Phase int

const (
	// PhaseIdle means no call in any direction.
	PhaseIdle Phase = iota
	// PhaseOutgoing means a placed call is ringing.
	PhaseOutgoing
	// PhaseIncoming means a received call is ringing.
	PhaseIncoming
	// PhaseActive means a call is connected.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoing:
		return "outgoing"
	case PhaseIncoming:
		return "incoming"
	case PhaseActive:
		return "active"
	}
	return "unknown"
}

// State is the machine's current tagged value. Call is nil exactly when
// Phase is PhaseIdle.
type State struct {
	Phase Phase
	Call  *calls.CallRequest
}

// NoticeKind enumerates transient user-visible notices.
type NoticeKind string

const (
	// NoticeNoAnswer fires when the local ring timer lapses.
	NoticeNoAnswer NoticeKind = "no-answer"
	// NoticeDeclined fires when the receiver rejects an outgoing call.
	NoticeDeclined NoticeKind = "declined"
	// NoticeMissed fires when the backend marks an outgoing call missed.
	NoticeMissed NoticeKind = "missed"
	// NoticeCancelled fires when the caller withdraws an incoming call.
	NoticeCancelled NoticeKind = "cancelled"
)

// Notice is one transient user-visible message.
type Notice struct {
	Kind   NoticeKind
	CallID string
}

// Feed is the change-feed surface the machine consumes. Subscribe returns a
// channel of events addressed to this user and a teardown func; teardown is
// the caller's responsibility.
type Feed interface {
	Subscribe() (<-chan calls.Event, func())
}

// Dialer is the backend surface for placing and answering calls.
type Dialer interface {
	Initiate(ctx context.Context, receiverID string, callType calls.CallType) (*calls.CallRequest, error)
	Accept(ctx context.Context, callID string) error
	Decline(ctx context.Context, callID string) error
	Cancel(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
}

var (
	// ErrBusy indicates an operation that needs Idle while a call exists in
	// some direction. Call collision has no defined priority rule; the
	// machine refuses rather than guessing.
	ErrBusy = errors.New("callstate: another call is in progress")
	// ErrNoMatchingCall indicates the operation named a call the machine is
	// not currently tracking in the required phase.
	ErrNoMatchingCall = errors.New("callstate: no matching call")
	errMissingSelfID  = errors.New("callstate: self user id required")
	errMissingFeed    = errors.New("callstate: feed required")
	errMissingDialer  = errors.New("callstate: dialer required")
)

// Config describes one machine instance.
type Config struct {
	SelfID string
	Feed   Feed
	Dialer Dialer
	Clock  func() time.Time
	Logger *zap.Logger
	// OnNotice receives transient user-visible notices. Each notice fires
	// exactly once per triggering transition.
	OnNotice func(Notice)
	// OnSignal receives decrypted signaling payloads pushed for the
	// counterparty's negotiation messages.
	OnSignal func(calls.Signal)
}

// Machine is one client's call state machine.
type Machine struct {
	selfID string
	dialer Dialer
	clock  func() time.Time
	logger *zap.Logger

	onNotice func(Notice)
	onSignal func(calls.Signal)

	mu        sync.Mutex
	state     State
	ringTimer *time.Timer

	unsubscribe func()
	done        chan struct{}
}

// New constructs a machine and starts consuming the feed immediately.
func New(cfg Config) (*Machine, error) {
	if cfg.SelfID == "" {
		return nil, errMissingSelfID
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Machine{
		selfID:   cfg.SelfID,
		dialer:   cfg.Dialer,
		clock:    clock,
		logger:   logger,
		onNotice: cfg.OnNotice,
		onSignal: cfg.OnSignal,
		state:    State{Phase: PhaseIdle},
		done:     make(chan struct{}),
	}

	events, unsubscribe := cfg.Feed.Subscribe()
	m.unsubscribe = unsubscribe
	go m.dispatchLoop(events)
	return m, nil
}

// Close stops the machine and detaches from the feed.
func (m *Machine) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.unsubscribe()

	m.mu.Lock()
	m.disarmRingTimerLocked()
	m.mu.Unlock()
}

// State returns the current tagged state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PlaceCall initiates an outgoing call. It requires PhaseIdle; placing a
// call while one exists in any direction fails with ErrBusy. A backend
// failure leaves the state unchanged.
func (m *Machine) PlaceCall(ctx context.Context, receiverID string, callType calls.CallType) (*calls.CallRequest, error) {
	m.mu.Lock()
	if m.state.Phase != PhaseIdle {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.mu.Unlock()

	request, err := m.dialer.Initiate(ctx, receiverID, callType)
	if err != nil {
		m.logger.Warn("could not place call", zap.String("receiver_id", receiverID), zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	if m.state.Phase != PhaseIdle {
		m.mu.Unlock()
		// An incoming call raced the dial. Leave the raced state alone, but
		// withdraw the request we just created so the receiver stops ringing.
		m.logger.Warn("call collision after dial", zap.String("call_id", request.CallID))
		if cancelErr := m.dialer.Cancel(ctx, request.CallID); cancelErr != nil {
			m.logger.Warn("could not withdraw collided call",
				zap.String("call_id", request.CallID), zap.Error(cancelErr))
		}
		return nil, ErrBusy
	}
	m.state = State{Phase: PhaseOutgoing, Call: request}
	m.armRingTimerLocked(request)
	m.mu.Unlock()
	return request, nil
}

// AcceptCall answers the tracked incoming call. On success the machine
// becomes Active. A backend failure leaves the incoming call in place.
func (m *Machine) AcceptCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	if m.state.Phase != PhaseIncoming || m.state.Call.CallID != callID {
		m.mu.Unlock()
		return ErrNoMatchingCall
	}
	request := m.state.Call
	m.mu.Unlock()

	if err := m.dialer.Accept(ctx, callID); err != nil {
		m.logger.Warn("accept failed", zap.String("call_id", callID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == PhaseIncoming && m.state.Call.CallID == callID {
		m.state = State{Phase: PhaseActive, Call: request}
	}
	return nil
}

// DeclineCall rejects the tracked incoming call.
func (m *Machine) DeclineCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	if m.state.Phase != PhaseIncoming || m.state.Call.CallID != callID {
		m.mu.Unlock()
		return ErrNoMatchingCall
	}
	m.mu.Unlock()

	if err := m.dialer.Decline(ctx, callID); err != nil {
		m.logger.Warn("decline failed", zap.String("call_id", callID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == PhaseIncoming && m.state.Call.CallID == callID {
		m.state = State{Phase: PhaseIdle}
	}
	return nil
}

// CancelCall withdraws the tracked outgoing call before pickup.
func (m *Machine) CancelCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	if m.state.Phase != PhaseOutgoing || m.state.Call.CallID != callID {
		m.mu.Unlock()
		return ErrNoMatchingCall
	}
	m.mu.Unlock()

	if err := m.dialer.Cancel(ctx, callID); err != nil {
		m.logger.Warn("cancel failed", zap.String("call_id", callID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == PhaseOutgoing && m.state.Call.CallID == callID {
		m.disarmRingTimerLocked()
		m.state = State{Phase: PhaseIdle}
	}
	return nil
}

// EndCall hangs up. The backend mark is best-effort: failures are logged and
// swallowed, and local state is cleared unconditionally. This is the one
// operation guaranteed to always return the machine to Idle.
func (m *Machine) EndCall(ctx context.Context) {
	m.mu.Lock()
	var activeID string
	if m.state.Phase == PhaseActive {
		activeID = m.state.Call.CallID
	}
	m.disarmRingTimerLocked()
	m.state = State{Phase: PhaseIdle}
	m.mu.Unlock()

	if activeID == "" {
		return
	}
	if err := m.dialer.End(ctx, activeID); err != nil {
		m.logger.Warn("hangup bookkeeping failed", zap.String("call_id", activeID), zap.Error(err))
	}
}

func (m *Machine) dispatchLoop(events <-chan calls.Event) {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(event)
		}
	}
}

func (m *Machine) dispatch(event calls.Event) {
	if event.Type == calls.EventSignal {
		if event.Signal != nil && m.onSignal != nil {
			m.onSignal(*event.Signal)
		}
		return
	}
	if event.Call == nil {
		return
	}

	m.mu.Lock()
	var notice *Notice
	switch event.Type {
	case calls.EventCallRequested:
		if event.Call.ReceiverID != m.selfID || event.Call.Status != calls.CallStatusPending {
			break
		}
		if m.state.Phase != PhaseIdle {
			// Collision: a call arrived while one exists locally. No
			// priority rule is defined, so the new call is left ringing at
			// the backend and ignored here.
			m.logger.Warn("ignoring incoming call while busy",
				zap.String("call_id", event.Call.CallID),
				zap.String("phase", m.state.Phase.String()))
			break
		}
		m.state = State{Phase: PhaseIncoming, Call: event.Call}

	case calls.EventCallAccepted:
		if m.state.Phase != PhaseOutgoing || m.state.Call.CallID != event.Call.CallID {
			break
		}
		m.disarmRingTimerLocked()
		m.state = State{Phase: PhaseActive, Call: event.Call}

	case calls.EventCallDeclined:
		if m.state.Phase != PhaseOutgoing || m.state.Call.CallID != event.Call.CallID {
			break
		}
		m.disarmRingTimerLocked()
		m.state = State{Phase: PhaseIdle}
		notice = &Notice{Kind: NoticeDeclined, CallID: event.Call.CallID}

	case calls.EventCallMissed:
		switch {
		case m.state.Phase == PhaseOutgoing && m.state.Call.CallID == event.Call.CallID:
			m.disarmRingTimerLocked()
			m.state = State{Phase: PhaseIdle}
			notice = &Notice{Kind: NoticeMissed, CallID: event.Call.CallID}
		case m.state.Phase == PhaseIncoming && m.state.Call.CallID == event.Call.CallID:
			m.state = State{Phase: PhaseIdle}
		}

	case calls.EventCallCancelled:
		if m.state.Phase == PhaseIncoming && m.state.Call.CallID == event.Call.CallID {
			m.state = State{Phase: PhaseIdle}
			notice = &Notice{Kind: NoticeCancelled, CallID: event.Call.CallID}
		}

	case calls.EventCallEnded:
		if m.state.Phase == PhaseActive && m.state.Call.CallID == event.Call.CallID {
			m.state = State{Phase: PhaseIdle}
		}
	}
	m.mu.Unlock()

	if notice != nil && m.onNotice != nil {
		m.onNotice(*notice)
	}
}

// armRingTimerLocked starts the local no-answer deadline for an outgoing
// call. The timer fires only if no terminal transition landed first, and the
// resulting notice is raised exactly once.
func (m *Machine) armRingTimerLocked(request *calls.CallRequest) {
	m.disarmRingTimerLocked()
	deadline := time.Unix(request.ExpiresAtSeconds, 0)
	wait := deadline.Sub(m.clock())
	if wait < 0 {
		wait = 0
	}
	callID := request.CallID
	m.ringTimer = time.AfterFunc(wait, func() {
		m.ringTimeout(callID)
	})
}

func (m *Machine) disarmRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) ringTimeout(callID string) {
	m.mu.Lock()
	if m.state.Phase != PhaseOutgoing || m.state.Call.CallID != callID {
		m.mu.Unlock()
		return
	}
	m.ringTimer = nil
	m.state = State{Phase: PhaseIdle}
	m.mu.Unlock()

	m.logger.Info("outgoing call timed out locally", zap.String("call_id", callID))
	if m.onNotice != nil {
		m.onNotice(Notice{Kind: NoticeNoAnswer, CallID: callID})
	}
}

// Package phone implements the client-side call-state machine: it reconciles
// SIP stack events, presence-hub directives, and user commands into one
// consistent status, and drives re-registration when the hub or a local timer
// asks for it.
//
// The machine is single-owner: every input — SIP events, hub frames, user
// commands, timers — funnels into the Run goroutine, so no handler ever races
// another over the session or status.
package phone

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/dialtone-app/dialtone/internal/proto"
	"github.com/dialtone-app/dialtone/internal/sip"
)

// Call states.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateReady      = "ready"
	StateRingingIn  = "ringing_in"
	StateRingingOut = "ringing_out"
	StateInCall     = "in_call"
	StateFailed     = "failed"
)

// Machine events.
const (
	evConnect    = "connect"
	evRegistered = "registered"
	evRegFailed  = "registration_failed"
	evIncoming   = "incoming"
	evDial       = "dial"
	evConfirmed  = "confirmed"
	evReject     = "reject"
	evEnded      = "ended"
	evLogout     = "logout"
)

var ErrNotRunning = errors.New("phone: not running")

// Link is the phone's channel to the presence hub.
type Link interface {
	// Send queues a frame for the hub, best-effort.
	Send(msg proto.Message)

	// Messages delivers hub frames.
	Messages() <-chan proto.Message
}

// Caller originates calls through the call-control bridge.
type Caller interface {
	MakeCall(ctx context.Context, phoneNumber, webrtcNumber string) error
}

// OwnLegPolicy decides whether an incoming session is the provider's echo of
// our own outbound call (which first rings the originator's WebRTC leg before
// connecting to the real destination) and should be picked up silently.
type OwnLegPolicy func(remoteNumber string) bool

// Config tunes one phone instance.
type Config struct {
	// Identity is the SIP address-of-record announced to the hub.
	Identity string

	// VirtualNumber is the provider-assigned number of our own WebRTC
	// leg, the extension part of Identity.
	VirtualNumber string

	// Domain is appended to bare extensions when validating transfer
	// targets against the presence snapshot.
	Domain string

	// ReconcileInterval is the local re-registration health timer.
	ReconcileInterval time.Duration

	// RegisterDelay separates unregister from the following register so
	// the registrar is not raced.
	RegisterDelay time.Duration

	// TransferTimeout bounds how long a transfer may stay unresolved.
	TransferTimeout time.Duration

	// HeartbeatInterval paces liveness frames to the hub.
	HeartbeatInterval time.Duration

	// CallTimeout bounds the bridge origination request.
	CallTimeout time.Duration

	// OwnLeg overrides the own-leg detection; nil means exact match on
	// VirtualNumber.
	OwnLeg OwnLegPolicy
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.RegisterDelay <= 0 {
		c.RegisterDelay = time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.OwnLeg == nil {
		own := c.VirtualNumber
		c.OwnLeg = func(remote string) bool { return own != "" && remote == own }
	}
	return c
}

// Phone is one softphone endpoint.
type Phone struct {
	log      zerolog.Logger
	cfg      Config
	ua       sip.UserAgent
	link     Link
	caller   Caller
	notifier Notifier

	machine *fsm.FSM
	board   *statusBoard

	tasks   chan func()
	stopped chan struct{}
	runCtx  context.Context

	// Owned by the Run goroutine.
	session  sip.Session
	transfer *transfer

	reconciling atomic.Bool
}

func New(log zerolog.Logger, cfg Config, ua sip.UserAgent, link Link, caller Caller, notifier Notifier) *Phone {
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	return &Phone{
		log:      log.With().Str("component", "phone").Logger(),
		cfg:      cfg.withDefaults(),
		ua:       ua,
		link:     link,
		caller:   caller,
		notifier: notifier,
		machine:  newMachine(),
		board:    newStatusBoard(),
		tasks:    make(chan func(), 64),
		stopped:  make(chan struct{}),
	}
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evConnect, Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: evRegistered, Src: []string{StateConnecting, StateFailed, StateReady}, Dst: StateReady},
			{Name: evRegFailed, Src: []string{StateConnecting, StateReady, StateFailed}, Dst: StateFailed},
			{Name: evIncoming, Src: []string{StateReady}, Dst: StateRingingIn},
			{Name: evDial, Src: []string{StateReady}, Dst: StateRingingOut},
			// StateReady is a legal source because the own-leg
			// auto-answer can confirm before the optimistic dial
			// transition lands.
			{Name: evConfirmed, Src: []string{StateRingingIn, StateRingingOut, StateReady}, Dst: StateInCall},
			{Name: evReject, Src: []string{StateRingingIn}, Dst: StateReady},
			{Name: evEnded, Src: []string{StateRingingIn, StateRingingOut, StateInCall, StateFailed}, Dst: StateReady},
			{Name: evLogout, Src: []string{StateConnecting, StateReady, StateRingingIn, StateRingingOut, StateInCall, StateFailed}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// Run drives the phone until ctx is canceled.
func (p *Phone) Run(ctx context.Context) error {
	p.runCtx = ctx
	defer close(p.stopped)

	if err := p.ua.Start(ctx); err != nil {
		return fmt.Errorf("start sip stack: %w", err)
	}
	defer p.ua.Stop()

	p.transition(evConnect)
	p.board.update(func(s *Status) {
		s.Display = "Connecting..."
		s.IsConnecting = true
	})
	if err := p.ua.Register(); err != nil {
		p.log.Warn().Err(err).Msg("initial register failed")
		p.board.update(func(s *Status) { s.Display = "Connection failed" })
	}

	reconcile := time.NewTicker(p.cfg.ReconcileInterval)
	defer reconcile.Stop()
	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	events := p.ua.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.handleSIP(ev)
		case msg := <-p.link.Messages():
			p.handleHub(msg)
		case fn := <-p.tasks:
			fn()
		case <-reconcile.C:
			p.maybeReconcile("periodic")
		case <-heartbeat.C:
			p.link.Send(proto.Heartbeat{From: p.cfg.Identity, Status: p.machine.Current()})
		case <-ctx.Done():
			return nil
		}
	}
}

// State returns the machine's current state.
func (p *Phone) State() string { return p.machine.Current() }

// Status returns the user-visible status snapshot.
func (p *Phone) Status() Status { return p.board.snapshot() }

// Subscribe delivers status changes until cancel is called.
func (p *Phone) Subscribe() (<-chan Status, func()) {
	ch, cancel := p.board.subscribe()
	return ch, cancel
}

// RecentDisplays returns the last few display strings, newest last.
func (p *Phone) RecentDisplays() []string { return p.board.recentDisplays() }

// do runs fn on the run loop and waits for its result.
func (p *Phone) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case p.tasks <- func() { errCh <- fn() }:
	case <-p.stopped:
		return ErrNotRunning
	}
	select {
	case err := <-errCh:
		return err
	case <-p.stopped:
		return ErrNotRunning
	}
}

// submit queues fn on the run loop without waiting.
func (p *Phone) submit(fn func()) {
	select {
	case p.tasks <- fn:
	case <-p.stopped:
	}
}

func (p *Phone) transition(event string) bool {
	if err := p.machine.Event(context.Background(), event); err != nil {
		p.log.Debug().Str("event", event).Str("state", p.machine.Current()).Err(err).Msg("transition ignored")
		return false
	}
	return true
}

func (p *Phone) handleSIP(ev sip.Event) {
	switch e := ev.(type) {
	case sip.Registered:
		if p.transition(evRegistered) {
			p.board.update(func(s *Status) {
				s.Display = "Registered"
				s.IsConnecting = false
			})
		}
		// Announce a healthy endpoint so the registry reflects it.
		p.link.Send(proto.Heartbeat{From: p.cfg.Identity, Status: "registered"})

	case sip.RegistrationFailed:
		p.log.Warn().Str("cause", e.Cause).Msg("registration failed")
		p.transition(evRegFailed)
		p.board.update(func(s *Status) {
			s.Display = "Registration failed"
			s.IsConnecting = false
		})

	case sip.Unregistered:
		// Midpoint of a reconciliation cycle; the following register
		// outcome updates the status.

	case sip.NewSession:
		p.handleNewSession(e.Session)

	case sip.SessionConfirmed:
		if e.Session != p.session {
			return
		}
		if p.transition(evConfirmed) {
			p.notifier.Clear()
			p.board.update(func(s *Status) {
				s.Display = "In call"
				s.IsInCall = true
				s.IsIncoming = false
				s.StartedAt = time.Now()
			})
			p.sendCallFlag(true)
		}

	case sip.SessionEnded:
		if e.Session != p.session {
			return
		}
		p.endSession(e.Cause)
	}
}

func (p *Phone) handleNewSession(s sip.Session) {
	remote := s.RemoteNumber()

	if s.Direction() == sip.DirectionIncoming && p.cfg.OwnLeg(remote) {
		// Our own outbound leg ringing back; pick up silently.
		p.log.Debug().Str("remote", remote).Msg("auto-answering own outbound leg")
		p.session = s
		if err := s.Answer(); err != nil {
			p.log.Warn().Err(err).Msg("auto-answer failed")
			p.session = nil
			p.board.update(func(st *Status) { st.Display = "Call failed" })
		}
		return
	}

	if s.Direction() == sip.DirectionOutgoing {
		p.session = s
		return
	}

	if !p.transition(evIncoming) {
		// Busy or not registered; turn the caller away.
		p.log.Info().Str("remote", remote).Str("state", p.machine.Current()).Msg("rejecting call, endpoint busy")
		_ = s.Reject(sip.StatusBusyHere)
		return
	}

	p.session = s
	p.board.update(func(st *Status) {
		st.Display = "Incoming call from " + remote
		st.IsIncoming = true
		st.IsInCall = true
		st.PeerNumber = remote
	})
	p.notifier.IncomingCall(remote)
	p.sendCallFlag(true)
}

// endSession resets call state after the underlying leg terminated, and
// emits the call_ended directive so peers that deferred reconciliation while
// we were busy can catch up immediately.
func (p *Phone) endSession(cause string) {
	p.log.Info().Str("cause", cause).Msg("session ended")
	p.session = nil
	p.abortTransfer("call ended")
	p.transition(evEnded)
	p.notifier.Clear()
	p.board.update(func(s *Status) {
		s.Display = "Ready"
		s.IsInCall = false
		s.IsIncoming = false
		s.IsMuted = false
		s.PeerNumber = ""
		s.StartedAt = time.Time{}
	})
	p.sendCallFlag(false)
	p.link.Send(proto.Directive{From: p.cfg.Identity, Action: proto.ActionCallEnded})
}

func (p *Phone) handleHub(msg proto.Message) {
	switch m := msg.(type) {
	case proto.OnlineUsers:
		p.board.update(func(s *Status) { s.OnlineUsers = m.Users })
	case proto.Directive:
		p.log.Debug().Str("from", m.From).Str("action", string(m.Action)).Msg("reregister directive")
		p.maybeReconcile(string(m.Action))
	default:
		// Client-to-hub frames echoing back; nothing to do.
	}
}

func (p *Phone) sendCallFlag(inCall bool) {
	p.link.Send(proto.CallStatus{Username: p.cfg.Identity, InCall: inCall})
}

// Call originates an outbound call through the bridge. The request is
// fire-and-forget from the machine's perspective: the optimistic ringing
// transition lands when the bridge accepts, and the real confirmation is the
// subsequent SIP session.
func (p *Phone) Call(number string) error {
	if number == "" {
		return errors.New("phone: no number to call")
	}
	return p.do(func() error {
		if cur := p.machine.Current(); cur != StateReady {
			return fmt.Errorf("phone: cannot call while %s", cur)
		}
		p.board.update(func(s *Status) { s.Display = "Calling..." })

		go func() {
			ctx, cancel := context.WithTimeout(p.runCtx, p.cfg.CallTimeout)
			defer cancel()
			err := p.caller.MakeCall(ctx, number, p.cfg.VirtualNumber)
			p.submit(func() {
				if err != nil {
					p.log.Warn().Err(err).Str("number", number).Msg("call origination failed")
					p.board.update(func(s *Status) { s.Display = "Call failed" })
					return
				}
				if p.transition(evDial) {
					p.board.update(func(s *Status) {
						s.Display = "Calling..."
						s.IsInCall = true
						s.PeerNumber = number
					})
					p.sendCallFlag(true)
				}
			})
		}()
		return nil
	})
}

// Answer picks up a ringing incoming call.
func (p *Phone) Answer() error {
	return p.do(func() error {
		if p.machine.Current() != StateRingingIn || p.session == nil {
			return errors.New("phone: no incoming call to answer")
		}
		if err := p.session.Answer(); err != nil {
			p.board.update(func(s *Status) { s.Display = "Failed to answer" })
			return fmt.Errorf("answer: %w", err)
		}
		return nil
	})
}

// Reject turns a ringing incoming call away with 486 Busy Here.
func (p *Phone) Reject() error {
	return p.do(func() error {
		if p.machine.Current() != StateRingingIn || p.session == nil {
			return errors.New("phone: no incoming call to reject")
		}
		err := p.session.Reject(sip.StatusBusyHere)
		p.transition(evReject)
		p.notifier.Clear()
		p.board.update(func(s *Status) {
			s.Display = "Ready"
			s.IsIncoming = false
			s.IsInCall = false
			s.PeerNumber = ""
		})
		if err != nil {
			return fmt.Errorf("reject: %w", err)
		}
		return nil
	})
}

// Hangup terminates the active call; the state resets when the stack
// reports the session ended.
func (p *Phone) Hangup() error {
	return p.do(func() error {
		if p.session == nil {
			return errors.New("phone: no active call")
		}
		if err := p.session.Terminate(); err != nil {
			return fmt.Errorf("hangup: %w", err)
		}
		return nil
	})
}

// ToggleMute flips the local media track while in a call.
func (p *Phone) ToggleMute() error {
	return p.do(func() error {
		if p.machine.Current() != StateInCall || p.session == nil {
			return errors.New("phone: not in a call")
		}
		muted := !p.board.snapshot().IsMuted
		if err := p.session.SetMuted(muted); err != nil {
			return fmt.Errorf("mute: %w", err)
		}
		p.board.update(func(s *Status) { s.IsMuted = muted })
		return nil
	})
}

// Reconnect forces a reconciliation cycle, like the hub directive does. It
// also revives a logged-out phone.
func (p *Phone) Reconnect() error {
	return p.do(func() error {
		if p.machine.Current() == StateIdle {
			p.transition(evConnect)
			p.board.update(func(s *Status) {
				s.Display = "Connecting..."
				s.IsConnecting = true
			})
			if err := p.ua.Register(); err != nil {
				return fmt.Errorf("reconnect: %w", err)
			}
			return nil
		}
		p.maybeReconcile("manual")
		return nil
	})
}

// Logout winds the endpoint down: any active call is terminated and the
// registration dropped. The machine parks in idle until Reconnect.
func (p *Phone) Logout() error {
	return p.do(func() error {
		if s := p.session; s != nil {
			p.session = nil
			p.abortTransfer("logout")
			_ = s.Terminate()
			p.sendCallFlag(false)
			p.link.Send(proto.Directive{From: p.cfg.Identity, Action: proto.ActionCallEnded})
		}
		p.transition(evLogout)
		p.notifier.Clear()
		p.board.update(func(s *Status) {
			s.Display = "Logged out"
			s.IsInCall = false
			s.IsIncoming = false
			s.IsMuted = false
			s.IsConnecting = false
			s.PeerNumber = ""
			s.StartedAt = time.Time{}
		})
		if err := p.ua.Unregister(); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		return nil
	})
}

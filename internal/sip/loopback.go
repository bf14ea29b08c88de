package sip

import (
	"context"
	"sync"
)

// Loopback is an in-memory UserAgent. Registration always succeeds unless
// scripted otherwise, and test code can inject incoming sessions and transfer
// notifies. The client daemon runs it when the configured driver is
// "loopback", which keeps the state machine exercisable without a SIP
// account.
type Loopback struct {
	mu           sync.Mutex
	started      bool
	registered   bool
	registers    int
	unregisters  int
	failRegister string // non-empty: next Register fails with this cause
	events       chan Event
}

func NewLoopback() *Loopback {
	return &Loopback{events: make(chan Event, 64)}
}

func (l *Loopback) Start(ctx context.Context) error {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.started = false
	close(l.events)
}

func (l *Loopback) Register() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return ErrNotStarted
	}
	l.registers++
	cause := l.failRegister
	l.failRegister = ""
	l.registered = cause == ""
	l.mu.Unlock()

	if cause != "" {
		l.emit(RegistrationFailed{Cause: cause})
		return nil
	}
	l.emit(Registered{})
	return nil
}

func (l *Loopback) Unregister() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return ErrNotStarted
	}
	l.unregisters++
	l.registered = false
	l.mu.Unlock()

	l.emit(Unregistered{})
	return nil
}

func (l *Loopback) Events() <-chan Event { return l.events }

// FailNextRegister scripts the next Register call to fail.
func (l *Loopback) FailNextRegister(cause string) {
	l.mu.Lock()
	l.failRegister = cause
	l.mu.Unlock()
}

// RegisterCalls reports how many Register calls were made.
func (l *Loopback) RegisterCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registers
}

// UnregisterCalls reports how many Unregister calls were made.
func (l *Loopback) UnregisterCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unregisters
}

// Registered reports the current registration state.
func (l *Loopback) Registered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered
}

// PlaceIncoming injects an inbound call leg from remote.
func (l *Loopback) PlaceIncoming(remote string) *LoopbackSession {
	s := &LoopbackSession{ua: l, direction: DirectionIncoming, remote: remote}
	l.emit(NewSession{Session: s})
	return s
}

func (l *Loopback) emit(e Event) {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return
	}
	select {
	case l.events <- e:
	default:
	}
}

// LoopbackSession is one in-memory call leg.
type LoopbackSession struct {
	ua        *Loopback
	direction Direction
	remote    string

	mu         sync.Mutex
	muted      bool
	terminated bool
	refer      *LoopbackRefer
}

func (s *LoopbackSession) Direction() Direction { return s.direction }
func (s *LoopbackSession) RemoteNumber() string { return s.remote }

func (s *LoopbackSession) Answer() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.mu.Unlock()
	s.ua.emit(SessionConfirmed{Session: s})
	return nil
}

func (s *LoopbackSession) Reject(statusCode int) error {
	return s.end("rejected")
}

func (s *LoopbackSession) Terminate() error {
	return s.end("terminated")
}

// End simulates the remote side hanging up.
func (s *LoopbackSession) End(cause string) {
	_ = s.end(cause)
}

func (s *LoopbackSession) end(cause string) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.terminated = true
	s.mu.Unlock()
	s.ua.emit(SessionEnded{Session: s, Cause: cause})
	return nil
}

func (s *LoopbackSession) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrTerminated
	}
	s.muted = muted
	return nil
}

func (s *LoopbackSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *LoopbackSession) Refer(target string) (ReferHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil, ErrTerminated
	}
	s.refer = &LoopbackRefer{target: target, notifies: make(chan int, 4)}
	return s.refer, nil
}

// LastRefer returns the most recent transfer request on this leg, if any.
func (s *LoopbackSession) LastRefer() *LoopbackRefer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refer
}

// LoopbackRefer is an in-memory transfer subscription.
type LoopbackRefer struct {
	target string

	mu       sync.Mutex
	closed   bool
	notifies chan int
}

func (r *LoopbackRefer) Target() string       { return r.target }
func (r *LoopbackRefer) Notifies() <-chan int { return r.notifies }

func (r *LoopbackRefer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.notifies)
}

// Notify delivers a NOTIFY status code to the subscriber. Late notifies
// after Close are dropped.
func (r *LoopbackRefer) Notify(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.notifies <- status:
	default:
	}
}

package phone

import (
	"sync"
	"time"

	"github.com/dialtone-app/dialtone/internal/util"
)

// Status is the single user-visible view of the phone: one display string
// plus the derived flags the UI layer binds to. It is mutated only by the
// phone's run loop and read through Snapshot.
type Status struct {
	Display      string    `json:"display"`
	IsInCall     bool      `json:"is_in_call"`
	IsIncoming   bool      `json:"is_incoming"`
	IsMuted      bool      `json:"is_muted"`
	IsConnecting bool      `json:"is_connecting"`
	PeerNumber   string    `json:"peer_number,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	OnlineUsers  []string  `json:"online_users,omitempty"`
}

// statusBoard holds the current status and fans out changes to subscribers,
// keeping a short history of display strings for diagnostics.
type statusBoard struct {
	mu        sync.RWMutex
	current   Status
	listeners map[chan Status]struct{}
	history   *util.RingBuffer[string]
}

func newStatusBoard() *statusBoard {
	return &statusBoard{
		listeners: make(map[chan Status]struct{}),
		history:   util.NewRingBuffer[string](32),
	}
}

func (b *statusBoard) snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.current
	s.OnlineUsers = append([]string(nil), b.current.OnlineUsers...)
	return s
}

// update applies fn to the current status and notifies subscribers.
func (b *statusBoard) update(fn func(*Status)) {
	b.mu.Lock()
	before := b.current.Display
	fn(&b.current)
	if b.current.Display != before {
		b.history.Push(b.current.Display)
	}
	s := b.current
	s.OnlineUsers = append([]string(nil), b.current.OnlineUsers...)
	for ch := range b.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *statusBoard) subscribe() (chan Status, func()) {
	ch := make(chan Status, 16)
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *statusBoard) recentDisplays() []string {
	return b.history.Snapshot()
}

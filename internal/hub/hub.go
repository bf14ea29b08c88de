// Package hub implements the presence hub: an in-memory registry of connected
// softphone endpoints and the fan-out of presence snapshots and reregister
// directives to all of them.
//
// A single Run goroutine owns the registry. Every mutation — login, call-flag
// update, directive relay, disconnect, sweep eviction — is submitted to that
// goroutine as a task, so "mutate then broadcast" is atomic with respect to
// other mutations. Writes to individual clients go through each connection's
// buffered send channel and never block the run loop.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtone-app/dialtone/internal/proto"
)

// ErrStopped is returned by hub queries after Run has exited.
var ErrStopped = errors.New("hub: stopped")

// Options tune the hub's timers and buffers. Zero values pick the defaults.
type Options struct {
	// SweepInterval is the cadence of the staleness sweep.
	SweepInterval time.Duration

	// StaleAfter is how long an entry may go without any sign of life
	// before the sweep evicts it.
	StaleAfter time.Duration

	// SyncInterval is the cadence of the unconditional periodic_sync
	// directive, a defense against transports that died without either a
	// close event or a missed heartbeat being noticed.
	SyncInterval time.Duration

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 90 * time.Second
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Minute
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

// Hub coordinates all connected clients.
type Hub struct {
	log  zerolog.Logger
	opts Options

	tasks   chan func()
	stopped chan struct{}

	// Owned by the Run goroutine.
	conns map[*conn]struct{}
	reg   *registry
}

// New creates a hub. Call Run before attaching connections.
func New(log zerolog.Logger, opts Options) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		opts:    opts.withDefaults(),
		tasks:   make(chan func(), 256),
		stopped: make(chan struct{}),
		conns:   make(map[*conn]struct{}),
		reg:     newRegistry(),
	}
}

// Run executes the hub's serialized mutation path until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.opts.SweepInterval)
	sync := time.NewTicker(h.opts.SyncInterval)
	defer func() {
		sweep.Stop()
		sync.Stop()
		for c := range h.conns {
			c.close()
		}
		close(h.stopped)
		h.log.Info().Msg("hub stopped")
	}()

	for {
		select {
		case fn := <-h.tasks:
			fn()
		case <-sweep.C:
			h.sweep()
		case <-sync.C:
			h.periodicSync()
		case <-ctx.Done():
			return
		}
	}
}

// submit queues fn onto the run loop.
func (h *Hub) submit(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.stopped:
	}
}

// attach registers a new anonymous connection. No registry entry exists until
// the client logs in.
func (h *Hub) attach(c *conn) {
	h.submit(func() {
		h.conns[c] = struct{}{}
		h.log.Debug().Str("conn", c.token[:8]).Int("connections", len(h.conns)).Msg("connection attached")
	})
}

// inbound is called from connection reader goroutines with a decoded frame.
func (h *Hub) inbound(c *conn, msg proto.Message) {
	h.submit(func() { h.handle(c, msg) })
}

// disconnect removes c, and its registry entry if it still owns one.
func (h *Hub) disconnect(c *conn) {
	h.submit(func() {
		delete(h.conns, c)
		if id := h.reg.removeConn(c); id != "" {
			h.log.Info().Str("identity", id).Msg("client disconnected")
			h.broadcastSnapshot()
		}
	})
}

func (h *Hub) handle(c *conn, msg proto.Message) {
	now := time.Now()
	if c.identity != "" {
		if e, ok := h.reg.get(c.identity); ok {
			e.lastSeen = now
		}
	}

	switch m := msg.(type) {
	case proto.Login:
		if m.Username == "" {
			c.log.Warn().Msg("login without username, dropping")
			return
		}
		c.identity = m.Username
		if displaced := h.reg.announce(m.Username, c, now); displaced != nil {
			// Last writer wins; shut the stale transport so its
			// reader exits and cleanup runs.
			h.log.Info().Str("identity", m.Username).Msg("replacing previous connection")
			displaced.close()
		}
		h.log.Info().Str("identity", m.Username).Int("online", h.reg.size()).Msg("client logged in")
		h.broadcastSnapshot()
		h.relayDirective(c, m.Username, proto.ActionUserLogin)

	case proto.Heartbeat:
		if m.From == "" {
			return
		}
		if c.identity == "" {
			c.identity = m.From
		}
		if created := h.reg.touch(m.From, c, now); created {
			h.log.Info().Str("identity", m.From).Msg("heartbeat restored lost mapping")
			h.broadcastSnapshot()
		}

	case proto.CallStatus:
		// Deliberately no broadcast: call flags are consulted by the
		// sweep and relay logic, not advertised as presence churn.
		h.reg.setInCall(m.Username, m.InCall, now)
		h.log.Debug().Str("identity", m.Username).Bool("in_call", m.InCall).Msg("call flag updated")

	case proto.Directive:
		from := m.From
		if from == "" {
			from = c.identity
		}
		h.relayDirective(c, from, m.Action)

	case proto.OnlineUsers:
		// Hub-to-client only; a client sending one is confused.
		c.log.Debug().Msg("snapshot frame from client, dropping")
	}
}

// broadcastSnapshot recomputes the presence set and fans it out to every
// connected transport. Fire-and-forget per recipient.
func (h *Hub) broadcastSnapshot() {
	frame, err := proto.Encode(proto.OnlineUsers{Users: h.reg.identities()})
	if err != nil {
		h.log.Error().Err(err).Msg("encode snapshot")
		return
	}
	for c := range h.conns {
		c.Send(frame)
	}
}

// relayDirective fans a reregister directive out to every connection except
// the originator's. Disruptive actions additionally skip clients that are
// mid-call; call_ended must reach everyone.
func (h *Hub) relayDirective(origin *conn, from string, action proto.Action) {
	frame, err := proto.Encode(proto.Directive{From: from, Action: action})
	if err != nil {
		h.log.Error().Err(err).Msg("encode directive")
		return
	}
	sent := 0
	for c := range h.conns {
		if c == origin {
			continue
		}
		if from != "" && c.identity == from {
			continue
		}
		if action.Disruptive() {
			if e, ok := h.reg.get(c.identity); ok && e.inCall {
				continue
			}
		}
		c.Send(frame)
		sent++
	}
	h.log.Debug().Str("from", from).Str("action", string(action)).Int("recipients", sent).Msg("directive relayed")
}

// sweep evicts entries that went silent or whose transport is gone.
func (h *Hub) sweep() {
	cutoff := time.Now().Add(-h.opts.StaleAfter)
	evicted := h.reg.evictStale(cutoff)
	for _, id := range evicted {
		h.log.Info().Str("identity", id).Msg("evicted stale entry")
	}
	if len(evicted) > 0 {
		h.broadcastSnapshot()
	}
}

// periodicSync nudges every idle client to re-register even absent any
// detected failure.
func (h *Hub) periodicSync() {
	h.relayDirective(nil, "", proto.ActionPeriodicSync)
}

// Snapshot returns the current presence set. Safe from any goroutine.
func (h *Hub) Snapshot(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	select {
	case h.tasks <- func() { reply <- h.reg.identities() }:
	case <-h.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case users := <-reply:
		return users, nil
	case <-h.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HeartbeatHTTP services the POST /heartbeat fallback: refresh (or restore)
// the entry for username without a WebSocket, returning the active set.
func (h *Hub) HeartbeatHTTP(ctx context.Context, username string) ([]string, error) {
	username = proto.NormalizeIdentity(username)
	reply := make(chan []string, 1)
	select {
	case h.tasks <- func() {
		if username != "" {
			if created := h.reg.touch(username, nil, time.Now()); created {
				h.broadcastSnapshot()
			}
		}
		reply <- h.reg.identities()
	}:
	case <-h.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case users := <-reply:
		return users, nil
	case <-h.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping services the POST /ping fallback: refresh liveness for a known
// identity. Reports whether the identity was present.
func (h *Hub) Ping(ctx context.Context, username string) (bool, error) {
	username = proto.NormalizeIdentity(username)
	reply := make(chan bool, 1)
	select {
	case h.tasks <- func() {
		e, ok := h.reg.get(username)
		if ok {
			e.lastSeen = time.Now()
		}
		reply <- ok
	}:
	case <-h.stopped:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case known := <-reply:
		return known, nil
	case <-h.stopped:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

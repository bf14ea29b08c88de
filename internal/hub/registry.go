package hub

import (
	"sort"
	"time"
)

// entry is one live registration in the presence registry.
type entry struct {
	identity string
	conn     *conn // non-owning; nil for HTTP-heartbeat-only clients
	inCall   bool
	lastSeen time.Time
}

// registry maps identities to their live connection entries. It is a plain
// data structure with no locking of its own: every mutation happens on the
// hub's run loop, which is the registry's single owner.
type registry struct {
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// announce upserts the entry for identity, binding it to c. A new connection
// for an existing identity replaces the old transport handle (last writer
// wins) rather than creating a duplicate. Returns the connection that was
// displaced, if any.
func (r *registry) announce(identity string, c *conn, now time.Time) (displaced *conn) {
	if e, ok := r.entries[identity]; ok {
		displaced = e.conn
		if displaced == c {
			displaced = nil
		}
		e.conn = c
		e.lastSeen = now
		return displaced
	}
	r.entries[identity] = &entry{identity: identity, conn: c, lastSeen: now}
	return nil
}

// touch refreshes liveness for identity, creating the entry if the hub lost
// it (the heartbeat-restore path). Reports whether a new entry was created.
func (r *registry) touch(identity string, c *conn, now time.Time) (created bool) {
	if e, ok := r.entries[identity]; ok {
		e.lastSeen = now
		if e.conn == nil {
			e.conn = c
		}
		return false
	}
	r.entries[identity] = &entry{identity: identity, conn: c, lastSeen: now}
	return true
}

// setInCall updates the call flag. No-op for unknown identities.
func (r *registry) setInCall(identity string, inCall bool, now time.Time) {
	if e, ok := r.entries[identity]; ok {
		e.inCall = inCall
		e.lastSeen = now
	}
}

// removeConn drops the entry bound to c, guarding against removing a newer
// connection that already replaced it. Returns the identity removed, or "".
func (r *registry) removeConn(c *conn) string {
	for id, e := range r.entries {
		if e.conn == c {
			delete(r.entries, id)
			return id
		}
	}
	return ""
}

// evictStale removes entries whose lastSeen is older than cutoff, or whose
// transport has been closed under them. Returns the evicted identities.
func (r *registry) evictStale(cutoff time.Time) []string {
	var evicted []string
	for id, e := range r.entries {
		dead := e.lastSeen.Before(cutoff)
		if e.conn != nil && e.conn.closed() {
			dead = true
		}
		if dead {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// identities returns the presence snapshot, sorted for stable output.
func (r *registry) identities() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *registry) get(identity string) (*entry, bool) {
	e, ok := r.entries[identity]
	return e, ok
}

func (r *registry) size() int { return len(r.entries) }

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtone-app/dialtone/internal/logging"
	"github.com/dialtone-app/dialtone/internal/proto"
)

const waitFor = 2 * time.Second

// testHub spins a hub plus its HTTP server and returns the base URL.
func testHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()

	h := New(logging.Nop(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := NewServer(logging.Nop(), h, "")
	ts := httptest.NewServer(srv.Engine())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		select {
		case <-h.stopped:
		case <-time.After(waitFor):
			t.Error("hub did not stop")
		}
	})
	return h, ts.URL
}

// testClient demuxes inbound frames by kind so tests can wait on one kind
// without swallowing another.
type testClient struct {
	t          *testing.T
	ws         *websocket.Conn
	snapshots  chan []string
	directives chan proto.Directive
}

func dial(t *testing.T, baseURL string) *testClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &testClient{
		t:          t,
		ws:         ws,
		snapshots:  make(chan []string, 16),
		directives: make(chan proto.Directive, 16),
	}
	go c.readLoop()
	t.Cleanup(func() { ws.Close() })
	return c
}

func (c *testClient) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case proto.OnlineUsers:
			c.snapshots <- m.Users
		case proto.Directive:
			c.directives <- m
		}
	}
}

func (c *testClient) send(m proto.Message) {
	c.t.Helper()
	b, err := proto.Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, b))
}

func (c *testClient) login(identity string) {
	c.send(proto.Login{Username: identity})
}

// waitSnapshot blocks until a snapshot matching want arrives.
func (c *testClient) waitSnapshot(want ...string) {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case users := <-c.snapshots:
			if len(users) == len(want) {
				match := true
				for i := range want {
					if users[i] != want[i] {
						match = false
						break
					}
				}
				if match {
					return
				}
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for snapshot %v", want)
			return
		}
	}
}

func (c *testClient) waitDirective(action proto.Action) proto.Directive {
	c.t.Helper()
	select {
	case d := <-c.directives:
		require.Equal(c.t, action, d.Action)
		return d
	case <-time.After(waitFor):
		c.t.Fatalf("timed out waiting for %s directive", action)
		return proto.Directive{}
	}
}

func (c *testClient) expectNoDirective(within time.Duration) {
	c.t.Helper()
	select {
	case d := <-c.directives:
		c.t.Fatalf("unexpected directive %+v", d)
	case <-time.After(within):
	}
}

func TestLoginBroadcastsSnapshotToEveryone(t *testing.T) {
	_, url := testHub(t, Options{})

	a := dial(t, url)
	a.login("a@voip.example.com")
	a.waitSnapshot("a@voip.example.com")

	b := dial(t, url)
	b.login("b@voip.example.com")

	// Both the announcer and the existing client see the updated set,
	// sorted.
	b.waitSnapshot("a@voip.example.com", "b@voip.example.com")
	a.waitSnapshot("a@voip.example.com", "b@voip.example.com")

	// The existing idle client is told to re-register; the announcer is
	// not.
	d := a.waitDirective(proto.ActionUserLogin)
	assert.Equal(t, "b@voip.example.com", d.From)
	b.expectNoDirective(200 * time.Millisecond)
}

func TestReloginReplacesConnection(t *testing.T) {
	h, url := testHub(t, Options{})

	first := dial(t, url)
	first.login("a@voip.example.com")
	first.waitSnapshot("a@voip.example.com")

	second := dial(t, url)
	second.login("a@voip.example.com")
	second.waitSnapshot("a@voip.example.com")

	// The displaced transport is closed by the hub; the registry still
	// holds exactly one entry.
	require.Eventually(t, func() bool {
		users, err := h.Snapshot(context.Background())
		return err == nil && len(users) == 1
	}, waitFor, 10*time.Millisecond)

	second.send(proto.Heartbeat{From: "a@voip.example.com"})
	users, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a@voip.example.com"}, users)
}

func TestCallEndedReachesBusyPeers(t *testing.T) {
	_, url := testHub(t, Options{})

	a := dial(t, url)
	a.login("a@x")
	b := dial(t, url)
	b.login("b@x")
	c := dial(t, url)
	c.login("c@x")
	c.waitSnapshot("a@x", "b@x", "c@x")
	a.waitSnapshot("a@x", "b@x", "c@x")
	b.waitSnapshot("a@x", "b@x", "c@x")

	// Drain the user_login directives emitted during setup.
	drain := func(tc *testClient) {
		for {
			select {
			case <-tc.directives:
			case <-time.After(100 * time.Millisecond):
				return
			}
		}
	}
	drain(a)
	drain(b)
	drain(c)

	// B is mid-call.
	b.send(proto.CallStatus{Username: "b@x", InCall: true})

	// call_ended from A reaches everyone else, including busy B.
	a.send(proto.Directive{From: "a@x", Action: proto.ActionCallEnded})
	b.waitDirective(proto.ActionCallEnded)
	c.waitDirective(proto.ActionCallEnded)
	a.expectNoDirective(200 * time.Millisecond)

	// A disruptive directive skips busy B but reaches idle C.
	d := dial(t, url)
	d.login("d@x")
	c.waitDirective(proto.ActionUserLogin)
	b.expectNoDirective(200 * time.Millisecond)
}

func TestMalformedFramesAreDroppedNotFatal(t *testing.T) {
	_, url := testHub(t, Options{})

	a := dial(t, url)
	a.login("a@x")
	a.waitSnapshot("a@x")

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"quantum"}`)))

	// The connection survives and the hub still answers.
	a.send(proto.Heartbeat{From: "a@x"})
	b := dial(t, url)
	b.login("b@x")
	b.waitSnapshot("a@x", "b@x")
}

func TestSweepEvictsSilentEntryAndBroadcasts(t *testing.T) {
	_, url := testHub(t, Options{
		SweepInterval: 25 * time.Millisecond,
		StaleAfter:    150 * time.Millisecond,
		SyncInterval:  time.Hour,
	})

	a := dial(t, url)
	a.login("a@x")
	a.waitSnapshot("a@x")

	// A heartbeat-only client appears...
	body := bytes.NewBufferString(`{"username":"ghost@x"}`)
	resp, err := http.Post(url+"/heartbeat", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a.waitSnapshot("a@x", "ghost@x")

	// ...then goes silent. A keeps heartbeating so only the ghost is
	// evicted once the staleness threshold elapses.
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				a.send(proto.Heartbeat{From: "a@x"})
			}
		}
	}()
	defer close(stop)

	a.waitSnapshot("a@x")
}

func TestPeriodicSyncReachesIdleClients(t *testing.T) {
	_, url := testHub(t, Options{
		SweepInterval: time.Hour,
		StaleAfter:    time.Hour,
		SyncInterval:  50 * time.Millisecond,
	})

	a := dial(t, url)
	a.login("a@x")
	b := dial(t, url)
	b.login("b@x")
	b.waitSnapshot("a@x", "b@x")

	b.send(proto.CallStatus{Username: "b@x", InCall: true})

	a.waitDirective(proto.ActionPeriodicSync)
	// Busy clients are skipped; drain any user_login from setup first.
	for {
		select {
		case d := <-b.directives:
			require.NotEqual(t, proto.ActionPeriodicSync, d.Action)
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

func TestHTTPFallbacks(t *testing.T) {
	_, url := testHub(t, Options{})

	a := dial(t, url)
	a.login("a@x")
	a.waitSnapshot("a@x")

	// GET /users
	resp, err := http.Get(url + "/users")
	require.NoError(t, err)
	var usersResp struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usersResp))
	resp.Body.Close()
	assert.Equal(t, []string{"a@x"}, usersResp.Users)

	// POST /ping for a known identity
	resp, err = http.Post(url+"/ping", "application/json", bytes.NewBufferString(`{"username":"a@x"}`))
	require.NoError(t, err)
	var pingResp struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pingResp))
	resp.Body.Close()
	assert.True(t, pingResp.Success)

	// POST /ping for an unknown identity
	resp, err = http.Post(url+"/ping", "application/json", bytes.NewBufferString(`{"username":"nobody@x"}`))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pingResp))
	resp.Body.Close()
	assert.False(t, pingResp.Success)

	// POST /heartbeat returns the active set including the new entry
	resp, err = http.Post(url+"/heartbeat", "application/json", bytes.NewBufferString(`{"username":"hb@x"}`))
	require.NoError(t, err)
	var hbResp struct {
		ActiveUsers []string `json:"activeUsers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hbResp))
	resp.Body.Close()
	assert.Equal(t, []string{"a@x", "hb@x"}, hbResp.ActiveUsers)

	// Missing username is a 400
	resp, err = http.Post(url+"/heartbeat", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

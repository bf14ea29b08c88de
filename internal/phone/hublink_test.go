package phone

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtone-app/dialtone/internal/hub"
	"github.com/dialtone-app/dialtone/internal/proto"
)

// startTestHub runs a real hub behind an httptest server and returns its
// ws:// URL.
func startTestHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(zerolog.Nop(), hub.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(hub.NewServer(zerolog.Nop(), h, "").Engine())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHubLinkAnnouncesAndReceivesSnapshot(t *testing.T) {
	h, url := startTestHub(t)

	link := NewHubLink(zerolog.Nop(), url, "alice@"+testDomain)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = link.Run(ctx) }()

	// The login lands in the registry and echoes back as a snapshot.
	require.Eventually(t, func() bool {
		users, err := h.Snapshot(context.Background())
		return err == nil && len(users) == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case msg := <-link.Messages():
		snap, ok := msg.(proto.OnlineUsers)
		require.True(t, ok, "expected a snapshot, got %T", msg)
		assert.Equal(t, []string{"alice@" + testDomain}, snap.Users)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
}

func TestHubLinkForwardsFrames(t *testing.T) {
	h, url := startTestHub(t)

	link := NewHubLink(zerolog.Nop(), url, "alice@"+testDomain)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = link.Run(ctx) }()

	// A raw peer observes what the hub relays on alice's behalf.
	peer := dialRaw(t, url, "bob@"+testDomain)
	require.Eventually(t, func() bool {
		users, err := h.Snapshot(context.Background())
		return err == nil && len(users) == 2
	}, 2*time.Second, 10*time.Millisecond)

	link.Send(proto.Directive{From: "alice@" + testDomain, Action: proto.ActionCallEnded})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-peer:
			if d, ok := msg.(proto.Directive); ok {
				assert.Equal(t, proto.ActionCallEnded, d.Action)
				assert.Equal(t, "alice@"+testDomain, d.From)
				return
			}
		case <-deadline:
			t.Fatal("directive never reached the peer")
		}
	}
}

func TestHubLinkReconnectsAfterDisplacement(t *testing.T) {
	h, url := startTestHub(t)

	link := NewHubLink(zerolog.Nop(), url, "alice@"+testDomain)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = link.Run(ctx) }()

	require.Eventually(t, func() bool {
		users, err := h.Snapshot(context.Background())
		return err == nil && len(users) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Drain frames from the first session; a snapshot arriving after the
	// displacement can only come from a fresh session.
	for len(link.Messages()) > 0 {
		<-link.Messages()
	}

	// A second login on the same identity displaces the link's socket;
	// the link must dial back in and announce again.
	usurper := dialRawConn(t, url, "alice@"+testDomain)
	usurper.Close()

	require.Eventually(t, func() bool {
		select {
		case msg := <-link.Messages():
			_, ok := msg.(proto.OnlineUsers)
			return ok
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond, "link never re-announced after displacement")

	users, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@" + testDomain}, users)
}

// dialRaw opens a plain websocket client, logs identity in, and streams
// decoded frames.
func dialRaw(t *testing.T, url, identity string) <-chan proto.Message {
	t.Helper()
	ws := dialRawConn(t, url, identity)
	out := make(chan proto.Message, 16)
	go func() {
		defer close(out)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := proto.Decode(data); err == nil {
				out <- msg
			}
		}
	}()
	return out
}

func dialRawConn(t *testing.T, url, identity string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	frame, err := proto.Encode(proto.Login{Username: identity})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	return ws
}

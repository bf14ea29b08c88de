package phone

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dialtone-app/dialtone/internal/proto"
)

const (
	linkWriteWait   = 10 * time.Second
	linkPongWait    = 60 * time.Second
	linkPingPeriod  = linkPongWait * 9 / 10
	linkBackoffMin  = time.Second
	linkBackoffMax  = 30 * time.Second
	linkSendBacklog = 32
)

// HubLink keeps a WebSocket session with the presence hub alive, announcing
// the identity on every (re)connect. Outbound frames queue through Send and
// are dropped, not blocked on, when the session is down or saturated.
type HubLink struct {
	log      zerolog.Logger
	url      string
	identity string

	out chan proto.Message
	in  chan proto.Message
}

func NewHubLink(log zerolog.Logger, url, identity string) *HubLink {
	return &HubLink{
		log:      log.With().Str("component", "hublink").Logger(),
		url:      url,
		identity: proto.NormalizeIdentity(identity),
		out:      make(chan proto.Message, linkSendBacklog),
		in:       make(chan proto.Message, linkSendBacklog),
	}
}

// Send queues a frame for the hub. Frames queued while disconnected ride out
// on the next session; when the queue is full the oldest intent is stale
// anyway, so the frame is dropped.
func (l *HubLink) Send(msg proto.Message) {
	select {
	case l.out <- msg:
	default:
		l.log.Warn().Type("msg", msg).Msg("hub send queue full, dropping frame")
	}
}

// Messages delivers decoded hub frames.
func (l *HubLink) Messages() <-chan proto.Message { return l.in }

// Run dials the hub and redials with capped exponential backoff until ctx is
// canceled.
func (l *HubLink) Run(ctx context.Context) error {
	backoff := linkBackoffMin
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn().Err(err).Dur("retry_in", backoff).Msg("hub dial failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff *= 2; backoff > linkBackoffMax {
				backoff = linkBackoffMax
			}
			continue
		}

		backoff = linkBackoffMin
		l.log.Info().Str("url", l.url).Msg("hub connected")
		l.session(ctx, ws)
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn().Msg("hub session lost, reconnecting")
	}
}

// session runs one connected stretch: announce, then pump frames both ways
// until the socket dies or ctx is canceled.
func (l *HubLink) session(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	if err := l.write(ws, proto.Login{Username: l.identity}); err != nil {
		l.log.Warn().Err(err).Msg("hub login failed")
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(linkPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(linkPongWait))
		})
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(linkPongWait))
			msg, err := proto.Decode(data)
			if err != nil {
				l.log.Debug().Err(err).Msg("dropping bad hub frame")
				continue
			}
			select {
			case l.in <- msg:
			default:
				l.log.Warn().Msg("hub inbox full, dropping frame")
			}
		}
	}()

	ping := time.NewTicker(linkPingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg := <-l.out:
			if err := l.write(ws, msg); err != nil {
				l.log.Warn().Err(err).Msg("hub write failed")
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(linkWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(linkWriteWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (l *HubLink) write(ws *websocket.Conn, msg proto.Message) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(linkWriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

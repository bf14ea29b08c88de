package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dialtone-app/dialtone/internal/proto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 4096
)

// conn wraps one client WebSocket. A reader goroutine feeds decoded frames to
// the hub; a writer goroutine drains the buffered outbound channel so a slow
// recipient can never stall the hub's run loop.
type conn struct {
	token    string
	identity string // set by the hub loop on login; read only there
	ws       *websocket.Conn
	send     chan []byte
	log      zerolog.Logger

	once sync.Once
	done chan struct{}
}

func newConn(ws *websocket.Conn, sendBuffer int, log zerolog.Logger) *conn {
	token := uuid.NewString()
	return &conn{
		token: token,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		log:   log.With().Str("conn", token[:8]).Logger(),
		done:  make(chan struct{}),
	}
}

// Send queues a frame without blocking. On backpressure the frame is dropped
// and logged: fan-out is best-effort at-most-once.
func (c *conn) Send(b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		c.log.Warn().Str("identity", c.identity).Msg("send buffer full, dropping frame")
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump delivers inbound frames to the hub until the transport dies. It
// runs on the HTTP handler goroutine; returning triggers disconnect cleanup.
func (c *conn) readPump(h *Hub) {
	defer func() {
		c.close()
		h.disconnect(c)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := proto.Decode(raw)
		if err != nil {
			// Malformed frames are dropped; they never close the
			// connection or crash the hub.
			if errors.Is(err, proto.ErrUnknownType) || errors.Is(err, proto.ErrUnknownAction) {
				c.log.Warn().Err(err).Msg("unknown frame, dropping")
			} else {
				c.log.Warn().Err(err).Msg("malformed frame, dropping")
			}
			continue
		}
		h.inbound(c, msg)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case b, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

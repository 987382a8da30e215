package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"relayd/pkg/config"
	"relayd/pkg/logger"
	"relayd/pkg/relay"
	"relayd/pkg/utils"
)

// Client-to-server frames. The first frame on a connection must be
// "connect"; every later frame is "publish".
type clientFrame struct {
	Type    string `json:"type"`
	Offset  uint64 `json:"offset,omitempty"`
	Resumed bool   `json:"resumed,omitempty"`
	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"`
}

// Server-to-client frames: "ready" after the handshake, "ack"/"error" in
// response to a publish, "message" for replay and live pushes.
type serverFrame struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// relayHandler upgrades the connection and runs the relay protocol over it.
func relayHandler(core *relay.Core, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.LogRequest(r)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := newWSConn(ws, cfg)
		conn.run(r, core)
	}
}

// wsConn owns one websocket. The write pump is the connection's single
// writer; everything outbound (acks, errors, replay, live pushes) goes
// through the buffered outbound channel.
type wsConn struct {
	ws           *websocket.Conn
	outbound     chan serverFrame
	writeTimeout time.Duration
	done         chan struct{}
}

func newWSConn(ws *websocket.Conn, cfg *config.Config) *wsConn {
	ws.SetReadLimit(cfg.Relay.MaxMessageSize.Int64())
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsConn{
		ws:           ws,
		outbound:     make(chan serverFrame, cfg.Relay.SendBuffer),
		writeTimeout: cfg.Relay.WriteTimeout.Duration(),
		done:         make(chan struct{}),
	}
}

// Send implements registry.Sender. It never blocks: a client that cannot
// drain its buffer is treated as lost so one slow consumer cannot stall a
// broadcast. The connection is dropped rather than left with a silent
// gap; on reconnect the client replays from its offset.
func (c *wsConn) Send(seq uint64, content string) error {
	err := c.enqueue(serverFrame{Type: "message", Seq: seq, Content: content})
	if errors.Is(err, errSlowConsumer) {
		c.close()
	}
	return err
}

var errSlowConsumer = errors.New("send buffer full")

func (c *wsConn) enqueue(f serverFrame) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.outbound <- f:
		return nil
	default:
		return errSlowConsumer
	}
}

// writePump is the single writer on the socket. On shutdown it flushes
// whatever is still queued before closing the connection.
func (c *wsConn) writePump() {
	defer c.ws.Close()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	write := func(f serverFrame) bool {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		return c.ws.WriteJSON(f) == nil
	}
	for {
		select {
		case f := <-c.outbound:
			if !write(f) {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case f := <-c.outbound:
					if !write(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *wsConn) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *wsConn) run(r *http.Request, core *relay.Core) {
	defer c.close()
	go c.writePump()

	// handshake: the client announces its known offset and whether the
	// transport itself resumed the session
	var hello clientFrame
	if err := c.ws.ReadJSON(&hello); err != nil || hello.Type != "connect" {
		_ = c.enqueue(serverFrame{Type: "error", Error: "expected connect frame"})
		return
	}

	connID := utils.GenConnID()
	_ = c.enqueue(serverFrame{Type: "ready"})
	sess, err := core.Connect(r.Context(), connID, hello.Offset, hello.Resumed, c)
	defer core.Disconnect(sess)
	if err != nil {
		// the session is live, it just has no history; only this client
		// is told
		_ = c.enqueue(serverFrame{Type: "error", Error: "history unavailable"})
	}

	for {
		var f clientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ws_read_failed", "conn", connID, "error", err)
			}
			return
		}
		if f.Type != "publish" {
			_ = c.enqueue(serverFrame{Type: "error", Error: "unexpected frame type " + f.Type})
			continue
		}
		m, dup, err := core.Publish(r.Context(), sess, f.Token, f.Content)
		if err != nil {
			_ = c.enqueue(serverFrame{Type: "error", Error: publishErrorText(err)})
			continue
		}
		_ = c.enqueue(serverFrame{Type: "ack", Seq: m.Sequence, Duplicate: dup})
	}
}

func publishErrorText(err error) string {
	if errors.Is(err, relay.ErrRateLimited) {
		return "rate limited"
	}
	return "publish failed, retry with the same token"
}

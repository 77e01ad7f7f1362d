package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-chat/chat"
	"github.com/xiaoyuanzhu-com/claude-chat/log"
)

const (
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
)

// connCounter issues monotonic connection ids for the manager's tables.
var connCounter atomic.Uint32

var errConnClosed = errors.New("connection closed")

// wsWriter is the manager-facing handle for one WebSocket connection. It
// never blocks the manager: frames go into a buffered channel drained by the
// connection's write loop, and a full buffer is reported as a write failure
// so the manager counts the message as lag.
type wsWriter struct {
	send chan []byte
	done chan struct{}
}

func newWSWriter() *wsWriter {
	return &wsWriter{
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (w *wsWriter) WriteServerMessage(msg *chat.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return errConnClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return errConnClosed
	default:
		return errors.New("send buffer full")
	}
}

// ChatWS upgrades the connection and pumps frames between the client and
// the manager until either side goes away.
func (h *Handler) ChatWS(c *gin.Context) {
	log.MarkHijacked(c)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host frontend, no origin allowlist
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		c.Abort()
		return
	}
	defer conn.CloseNow()

	connID := connCounter.Add(1)
	writer := newWSWriter()
	h.manager.Connect(connID, writer)

	ctx, cancel := context.WithCancel(h.shutdownCtx)
	defer cancel()

	defer func() {
		close(writer.done)
		h.manager.Disconnect(connID)
	}()

	go h.writeLoop(ctx, cancel, conn, writer)

	log.Debug().Uint32("connId", connID).Msg("websocket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug().Uint32("connId", connID).Err(err).Msg("websocket closed")
			return
		}

		var msg chat.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Uint32("connId", connID).Err(err).Msg("undecodable client frame")
			continue
		}
		h.manager.Handle(connID, msg)
	}
}

// writeLoop drains the writer buffer onto the socket and keeps the
// connection alive with pings.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, writer *wsWriter) {
	defer cancel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-writer.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncpad/syncpad"
	"github.com/syncpad/syncpad/utils"
)

const sendBuffer = 64

// vars so the reaping tests can shrink the timings
var (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// Conn owns one WebSocket connection. The read loop is the only reader of
// the socket, the write loop the only writer; everything outbound goes
// through the send channel. A delivery loop pumps the core session into
// the same channel once the client subscribes.
type Conn struct {
	ws   *websocket.Conn
	core *syncpad.Core
	log  utils.Logger

	userID   string
	docID    string
	clientID string

	session    *syncpad.Session
	deliver    context.CancelFunc
	delivering sync.WaitGroup

	send chan ServerMessage
}

func newConn(ws *websocket.Conn, core *syncpad.Core, log utils.Logger, userID string) *Conn {
	return &Conn{
		ws:     ws,
		core:   core,
		log:    log,
		userID: userID,
		send:   make(chan ServerMessage, sendBuffer),
	}
}

// enqueue hands a message to the write loop. It blocks until the writer
// takes it, so a slow socket backpressures the producer instead of losing
// messages; ctx cancellation is the only way out. Reports whether the
// message was handed over.
func (c *Conn) enqueue(ctx context.Context, msg ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.teardown()
}

func (c *Conn) teardown() {
	if c.deliver != nil {
		c.deliver()
	}
	if c.session != nil {
		_ = c.session.Close()
	}
	if c.docID != "" && c.clientID != "" {
		c.core.Leave(c.docID, c.clientID)
	}
	// the delivery loop must be done before the send channel closes
	c.delivering.Wait()
	close(c.send)
}

func (c *Conn) readLoop(ctx context.Context) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.DebugCtx(ctx, "read failed", "user", c.userID, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		switch msg.Type {
		case ClientSubscribe:
			c.handleSubscribe(ctx, msg)
		case ClientSubmit:
			c.handleSubmit(ctx, msg)
		case ClientHeartbeat:
			if c.docID != "" && msg.ClientID != "" {
				c.clientID = msg.ClientID
				c.core.Heartbeat(c.docID, msg.ClientID, c.userID, []byte(msg.Cursor))
			}
		case ClientAck:
			if c.session != nil {
				c.session.Ack(msg.Version)
			}
		case ClientLeave:
			if c.docID != "" && c.clientID != "" {
				c.core.Leave(c.docID, c.clientID)
			}
		default:
			c.enqueue(ctx, ServerMessage{Type: ServerError, Code: CodeBadMessage,
				Error: "unknown message type " + msg.Type})
		}
	}
}

func (c *Conn) handleSubscribe(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.enqueue(ctx, ServerMessage{Type: ServerError, Code: CodeBadMessage, Error: "missing docId"})
		return
	}
	if c.session != nil {
		// one document per connection; resubscribe replaces the session
		c.deliver()
		_ = c.session.Close()
	}
	c.docID = msg.DocID
	if msg.ClientID != "" {
		c.clientID = msg.ClientID
	}

	session, base, err := c.core.Subscribe(ctx, msg.DocID, c.userID, msg.LastAcked)
	if err != nil {
		c.enqueue(ctx, rejection(msg, err))
		return
	}
	c.session = session

	dctx, cancel := context.WithCancel(ctx)
	c.deliver = cancel
	c.delivering.Add(1)
	go c.deliverLoop(dctx, session)

	c.enqueue(ctx, ServerMessage{
		Type: ServerWelcome, DocID: msg.DocID,
		BaselineVersion: base.Version, Content: base.Content,
	})
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" || msg.ClientID == "" {
		c.enqueue(ctx, ServerMessage{Type: ServerError, Code: CodeBadMessage, Error: "missing docId or clientId"})
		return
	}
	ev, err := c.core.SubmitEdit(ctx, syncpad.SubmitRequest{
		DocID:       msg.DocID,
		UserID:      c.userID,
		ClientID:    msg.ClientID,
		Seq:         msg.Seq,
		BaseVersion: msg.BaseVersion,
		Op:          []byte(msg.Op),
	})
	if err != nil {
		c.enqueue(ctx, rejection(msg, err))
		return
	}
	c.enqueue(ctx, ServerMessage{
		Type: ServerAccepted, DocID: ev.DocID, Version: ev.Version,
		ClientID: msg.ClientID, Seq: msg.Seq, Op: string(ev.Op),
	})
}

// deliverLoop pumps the session into the send channel. It exits when the
// session closes or the connection goes away.
func (c *Conn) deliverLoop(ctx context.Context, s *syncpad.Session) {
	defer c.delivering.Done()
	for {
		evs, err := s.Feed(ctx)
		if err != nil {
			if errors.Is(err, syncpad.ErrSessionOverflow) {
				c.enqueue(ctx, ServerMessage{Type: ServerError, Code: CodeOverflow,
					Error: "fell too far behind, resubscribe with lastAcked"})
				// control frames may be written concurrently with the
				// write loop; this kicks the read loop out of its read
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, CodeOverflow),
					time.Now().Add(writeTimeout))
			}
			return
		}
		for _, ev := range evs {
			switch {
			case ev.Edit != nil:
				if !c.enqueue(ctx, ServerMessage{
					Type: ServerEdit, DocID: ev.Edit.DocID, Version: ev.Edit.Version,
					ClientID: ev.Edit.ClientID, UserID: ev.Edit.UserID,
					Seq: ev.Edit.Seq, Op: string(ev.Edit.Op),
				}) {
					return
				}
			case ev.Presence != nil:
				if !c.enqueue(ctx, ServerMessage{
					Type: ServerPresence, DocID: ev.Presence.DocID,
					ClientID: ev.Presence.ClientID, UserID: ev.Presence.UserID,
					Presence: string(ev.Presence.Type), Cursor: string(ev.Presence.Cursor),
				}) {
					return
				}
			}
		}
	}
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.Close()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.bail()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.bail()
				return
			}
		}
	}
}

// bail closes the socket after a write error and keeps draining the send
// channel until teardown closes it, so blocked producers get unstuck.
func (c *Conn) bail() {
	_ = c.ws.Close()
	for range c.send {
	}
}

func rejection(msg ClientMessage, err error) ServerMessage {
	out := ServerMessage{Type: ServerRejected, DocID: msg.DocID,
		ClientID: msg.ClientID, Seq: msg.Seq, Error: err.Error()}
	switch {
	case errors.Is(err, syncpad.ErrStaleBaseVersion):
		out.Code = CodeStaleBase
	case errors.Is(err, syncpad.ErrMergeFailure):
		out.Code = CodeMergeFailed
	case errors.Is(err, syncpad.ErrSubmitInFlight):
		out.Code = CodeInFlight
	case errors.Is(err, syncpad.ErrTransientStorage):
		out.Code = CodeStorage
	default:
		out.Type = ServerError
		out.Code = CodeBadMessage
	}
	return out
}

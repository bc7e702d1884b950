package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"huddle/api/internal/identity"
	"huddle/api/internal/message"
	"huddle/api/internal/presence"
	"huddle/api/internal/session"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 3 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 25 * time.Second

	readLimit = 16 * 1024

	sendBuffer = 32
)

// Client is one websocket connection bound to one session. The session
// subscription gates everything else: the message window and typing watcher
// start on the first AUTHORIZED view and the connection dies with any
// terminal view.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	ident     identity.Identity
	sessionID string

	send   chan []byte
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	creator string
}

func newClient(h *Hub, conn *websocket.Conn, ident identity.Identity, sessionID string) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		ident:     ident,
		sessionID: sessionID,
		send:      make(chan []byte, sendBuffer),
	}
}

func (c *Client) run() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	sub, err := c.hub.sync.Subscribe(ctx, c.sessionID, c.ident.UID)
	if err != nil {
		log.Printf("gateway: subscribe %s failed: %v", c.sessionID, err)
		c.enqueue(errorFrame("SUBSCRIBE_FAILED", "could not attach to session"))
		go c.writeLoop()
		c.shutdown()
		return
	}

	mgr := message.NewManager(c.hub.store, c.sessionID, c.hub.opts.Retention)
	watcher := presence.NewWatcher(c.hub.store, c.sessionID, c.hub.opts.TypingTTL)
	coord := presence.NewCoordinator(c.hub.store, c.sessionID, c.ident.UID,
		c.hub.opts.TypingTTL, c.hub.opts.TypingDebounce)

	go c.writeLoop()
	go c.pumpLoop(ctx, sub, mgr, watcher)
	c.readLoop(ctx, sub, mgr, coord)

	sub.Close()
	mgr.Stop()
	watcher.Stop()
	coord.Stop(context.Background())
	c.shutdown()
}

// pumpLoop forwards session views, message snapshots and typing activity as
// frames. Message and typing channels stay nil until the caller is
// authorized, so nothing leaks before the gate opens.
func (c *Client) pumpLoop(ctx context.Context, sub *session.Subscription, mgr *message.Manager, watcher *presence.Watcher) {
	var msgUpdates <-chan struct{}
	var typingUpdates <-chan struct{}

	for {
		select {
		case <-ctx.Done():
			return

		case view, ok := <-sub.Views():
			if !ok {
				c.enqueue(Frame{Type: frameBye})
				c.shutdown()
				return
			}
			switch view.State {
			case session.StateAuthorized:
				sess := view.Session
				c.setCreator(sess.Creator)
				c.enqueue(Frame{Type: frameSession, State: view.State, Session: &sess})
				if msgUpdates == nil {
					if err := c.openStreams(ctx, mgr, watcher); err != nil {
						c.enqueue(errorFrame("STREAM_FAILED", "could not load messages"))
						c.shutdown()
						return
					}
					msgUpdates = mgr.Updates()
					typingUpdates = watcher.Updates()
					c.enqueue(Frame{Type: frameMessages, Messages: viewMessages(mgr.Snapshot())})
				}
			case session.StateNotFound, session.StateUnauthorized:
				c.enqueue(Frame{Type: frameSession, State: view.State})
				c.enqueue(Frame{Type: frameBye})
				c.shutdown()
				return
			}

		case _, ok := <-msgUpdates:
			if !ok {
				msgUpdates = nil
				continue
			}
			c.enqueue(Frame{Type: frameMessages, Messages: viewMessages(mgr.Snapshot())})

		case _, ok := <-typingUpdates:
			if !ok {
				typingUpdates = nil
				continue
			}
			c.enqueue(Frame{Type: frameTyping, Typing: watcher.Active(c.ident.UID)})
		}
	}
}

func (c *Client) openStreams(ctx context.Context, mgr *message.Manager, watcher *presence.Watcher) error {
	if _, err := mgr.LoadInitial(ctx, c.hub.opts.PageSize); err != nil {
		return err
	}
	if err := mgr.StartLiveTail(ctx, func(err error) {
		log.Printf("gateway: live tail error on %s: %v", c.sessionID, err)
	}); err != nil {
		return err
	}
	return watcher.Start(ctx)
}

func (c *Client) readLoop(ctx context.Context, sub *session.Subscription, mgr *message.Manager, coord *presence.Coordinator) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("gateway: read error on %s: %v", c.sessionID, err)
			}
			return
		}

		var req clientFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.enqueue(errorFrame("BAD_FRAME", "malformed frame"))
			continue
		}

		if sub.State() != session.StateAuthorized {
			c.enqueue(errorFrame("NOT_AUTHORIZED", "not attached to session"))
			continue
		}
		c.dispatch(ctx, req, mgr, coord)
	}
}

func (c *Client) dispatch(ctx context.Context, req clientFrame, mgr *message.Manager, coord *presence.Coordinator) {
	switch req.Type {
	case cmdSend:
		if _, err := mgr.Send(ctx, c.ident.UID, req.Text, req.ReplyTo); err != nil {
			c.enqueue(errorFrame(sendErrorCode(err), err.Error()))
		}
	case cmdReact:
		if err := mgr.ToggleReaction(ctx, req.MessageID, req.Emoji, c.ident.UID); err != nil {
			c.enqueue(errorFrame(sendErrorCode(err), err.Error()))
		}
	case cmdDelete:
		if err := mgr.Delete(ctx, req.MessageID, c.ident.UID, c.getCreator()); err != nil {
			c.enqueue(errorFrame(sendErrorCode(err), err.Error()))
		}
	case cmdTyping:
		if err := coord.SetTyping(ctx, c.ident.DisplayName, "", req.Active); err != nil {
			log.Printf("gateway: typing write on %s: %v", c.sessionID, err)
		}
	case cmdOlder:
		limit := req.Limit
		if limit <= 0 || limit > c.hub.opts.PageSize {
			limit = c.hub.opts.PageSize
		}
		if _, err := mgr.LoadOlder(ctx, req.BeforeID, limit); err != nil {
			c.enqueue(errorFrame("LOAD_FAILED", "could not load older messages"))
			return
		}
		c.enqueue(Frame{Type: frameMessages, Messages: viewMessages(mgr.Snapshot())})
	default:
		c.enqueue(errorFrame("BAD_FRAME", "unsupported frame type"))
	}
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, message.ErrEmptyText):
		return "EMPTY_TEXT"
	case errors.Is(err, message.ErrTextTooLong):
		return "TEXT_TOO_LONG"
	case errors.Is(err, message.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, message.ErrNotAuthorized):
		return "NOT_AUTHORIZED"
	default:
		return "INTERNAL"
	}
}

// enqueue hands a frame to the write loop. A peer too slow to drain its
// buffer is disconnected rather than allowed to block the pumps.
func (c *Client) enqueue(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	select {
	case c.send <- marshalFrame(f):
	default:
		log.Printf("gateway: dropping slow client on %s", c.sessionID)
		go c.shutdown()
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				go c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.shutdown()
				return
			}
		}
	}
}

func (c *Client) setCreator(uid string) {
	c.mu.Lock()
	c.creator = uid
	c.mu.Unlock()
}

func (c *Client) getCreator() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creator
}

// shutdown is idempotent: first caller closes the socket and the send
// channel and detaches from the hub.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = c.conn.Close()
	close(c.send)
	c.hub.remove(c)
}

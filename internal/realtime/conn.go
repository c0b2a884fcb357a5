package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Session describes who is on the other end of a connection.
type Session struct {
	// Groups joined as soon as the connection starts
	Groups []string
	// CanJoin validates "join" method frames
	CanJoin func(ctx context.Context, group string) bool
	// OnPing runs for each ping frame
	OnPing func(ctx context.Context)
	// OnClose runs once after the connection ends
	OnClose func(ctx context.Context)
}

type ConnOptions struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	Clock        clock.Clock
}

// Conn is one websocket subscriber. It runs a read loop, a write loop and a
// heartbeat supervisor; closing any of them cancels the rest.
type Conn struct {
	ws      *websocket.Conn
	hub     *Hub
	session Session
	opts    ConnOptions

	send      chan []byte
	heartbeat *Heartbeat

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Subscriber = (*Conn)(nil)

func NewConn(ws *websocket.Conn, hub *Hub, session Session, opts ConnOptions) *Conn {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 60 * time.Second
	}
	return &Conn{
		ws:        ws,
		hub:       hub,
		session:   session,
		opts:      opts,
		send:      make(chan []byte, sendBuffer),
		heartbeat: NewHeartbeat(opts.Clock),
	}
}

// Deliver queues data without blocking; a full buffer drops the frame.
func (c *Conn) Deliver(data []byte) bool {
	select {
	case <-c.done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) done() <-chan struct{} {
	if c.ctx == nil {
		return nil
	}
	return c.ctx.Done()
}

// Run serves the connection until the peer leaves, the heartbeat expires
// or ctx is cancelled.
func (c *Conn) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	logger := logging.FromContext(ctx)

	for _, group := range c.session.Groups {
		c.hub.Join(group, c)
	}

	go c.writeLoop()
	go c.heartbeat.Supervise(c.ctx, c.opts.PingInterval, c.opts.PingTimeout, func() {
		logger.Info("websocket heartbeat expired", "last_ping", c.heartbeat.LastPing())
		c.Close()
	})

	c.readLoop(logger)
	c.Close()
}

// Close tears the connection down once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.hub.LeaveAll(c)
		_ = c.ws.Close()
		if c.session.OnClose != nil {
			// the connection context is gone; cleanup gets its own
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 10*time.Second)
			defer cancel()
			c.session.OnClose(cleanupCtx)
		}
	})
}

func (c *Conn) readLoop(logger *slog.Logger) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type    string          `json:"type"`
			Action  string          `json:"action"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("ignoring malformed websocket frame", "error", err)
			continue
		}
		c.handleFrame(frame.Type, frame.Action, frame.Content)
	}
}

func (c *Conn) handleFrame(frameType, action string, content json.RawMessage) {
	switch frameType {
	case FramePing:
		c.heartbeat.Beat()
		if c.session.OnPing != nil {
			c.session.OnPing(c.ctx)
		}
		c.reply(Frame{Type: FramePong})
	case FrameMethod:
		var body struct {
			Group string `json:"group"`
		}
		_ = json.Unmarshal(content, &body)
		switch action {
		case "join":
			if body.Group == "" || c.session.CanJoin == nil || !c.session.CanJoin(c.ctx, body.Group) {
				c.reply(Frame{Type: FrameMethod, Action: "join.denied", Content: map[string]string{"group": body.Group}})
				return
			}
			c.hub.Join(body.Group, c)
			c.reply(Frame{Type: FrameMethod, Action: "join.ok", Content: map[string]string{"group": body.Group}})
		case "leave":
			c.hub.Leave(body.Group, c)
		}
	}
}

func (c *Conn) reply(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.Deliver(data)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		}
	}
}

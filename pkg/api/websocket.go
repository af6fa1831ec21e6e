package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/advinvest/pkg/game"
	"github.com/uhyunpark/advinvest/pkg/trade"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var (
	errClientClosed = errors.New("websocket client closed")
	errClientSlow   = errors.New("websocket send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub tracks the connected game clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{clients: make(map[*Client]struct{}), logger: logger}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("ws_client_connected", "client", c.id, "member_id", c.memberID, "total", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Infow("ws_client_disconnected", "client", c.id, "member_id", c.memberID, "total", n)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every client; their read pumps then unregister them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

// Client is one player's WebSocket connection. It is the game.Transport of
// the games started or resumed over it.
type Client struct {
	srv      *Server
	conn     *websocket.Conn
	send     chan []byte
	id       string
	memberID int64
	session  atomic.Int64 // current game id, 0 if none
	limiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// Send queues msg as one JSON text frame. It never blocks.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errClientSlow
	}
}

// Close stops the write pump after it flushed the queued frames.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// readPump reads commands until the connection fails, then pauses the
// client's game.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.Close()
		c.srv.hub.remove(c)
		if id := c.session.Load(); id != 0 {
			c.srv.games.Disconnected(id, c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.srv.Logger.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var cmd WSCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.reply(WSReply{Type: "error", Error: "INVALID_REQUEST", Message: err.Error()})
			continue
		}
		if !c.limiter.Allow() {
			c.reply(WSReply{Type: "error", Op: cmd.Op, Error: "RATE_LIMITED", Message: "too many commands"})
			continue
		}
		c.handle(ctx, cmd)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// target is the game a command addresses.
func (c *Client) target(cmd WSCommand) int64 {
	if cmd.SessionID != 0 {
		return cmd.SessionID
	}
	return c.session.Load()
}

func (c *Client) handle(ctx context.Context, cmd WSCommand) {
	games, trades := c.srv.games, c.srv.trades
	id := c.target(cmd)

	var (
		reply = WSReply{Type: "ack", Op: cmd.Op, SessionID: id}
		err   error
	)
	switch cmd.Op {
	case "start":
		id, err = games.Start(ctx, c.memberID, c)
		if err == nil {
			c.session.Store(id)
			reply.SessionID = id
		}
	case "resume":
		if err = games.Resume(ctx, id, c); err == nil {
			c.session.Store(id)
		}
	case "pause":
		err = games.Pause(ctx, id)
	case "end":
		err = games.End(ctx, id)
	case "buy", "sell":
		o := trade.Order{SessionID: id, MemberID: c.memberID, Symbol: cmd.Symbol, Quantity: cmd.Quantity}
		var res *trade.Result
		if cmd.Op == "buy" {
			res, err = trades.Buy(ctx, o)
		} else {
			res, err = trades.Sell(ctx, o)
		}
		reply.Data = res
	case "remaining":
		var left int
		left, err = games.Remaining(id)
		reply.Type = "remaining"
		reply.Data = RemainingResponse{SessionID: id, RemainingSeconds: left}
	case "volumes":
		var vols []int64
		vols, err = games.RecentVolumes(id, cmd.Symbol)
		reply.Type = "volumes"
		reply.Data = VolumesResponse{SessionID: id, Symbol: cmd.Symbol, Volumes: vols}
	default:
		c.reply(WSReply{Type: "error", Op: cmd.Op, Error: "UNKNOWN_OP", Message: fmt.Sprintf("unknown op %q", cmd.Op)})
		return
	}

	if err != nil {
		code, _ := errorCode(err)
		c.srv.Logger.Debugw("ws_command_failed", "client", c.id, "op", cmd.Op, "game_id", id, "err", err)
		c.reply(WSReply{Type: "error", Op: cmd.Op, SessionID: id, Error: code, Message: err.Error()})
		return
	}
	c.reply(reply)
}

func (c *Client) reply(r WSReply) {
	if err := c.Send(r); err != nil {
		// the game may have closed the connection, e.g. after "end"
		c.srv.Logger.Debugw("ws_reply_dropped", "client", c.id, "op", r.Op, "err", err)
	}
}

// handleWebSocket upgrades /advanced-invest?memberId=N and runs the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(r.URL.Query().Get("memberId"), 10, 64)
	if err != nil || memberID <= 0 {
		respondError(w, fmt.Errorf("%w: memberId query parameter", errBadRequest))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	perSec, burst := s.cfg.MsgPerSecond, s.cfg.MsgBurst
	if perSec <= 0 {
		perSec = 5
	}
	if burst <= 0 {
		burst = 10
	}
	client := &Client{
		srv:      s,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		id:       conn.RemoteAddr().String(),
		memberID: memberID,
		limiter:  rate.NewLimiter(rate.Limit(perSec), burst),
	}
	s.hub.add(client)

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump(context.Background())
}

var _ game.Transport = (*Client)(nil)

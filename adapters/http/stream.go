package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/core/events"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
	streamSendBuffer = 256
)

// TransitionMessage is one frame of the transition event stream.
type TransitionMessage struct {
	ID         string    `json:"id" example:"0190c3f6-8a3e-7c41-9d2e-5b8f1a2c3d4e"`
	Type       string    `json:"type" example:"transition.warn"`
	AccountID  string    `json:"accountId" example:"acct_123"`
	From       string    `json:"fromState" example:"ACTIVE"`
	To         string    `json:"toState" example:"WARN"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty" example:"threshold"`
	Metric     string    `json:"metric,omitempty" example:"devices"`
	Percentage float64   `json:"percentage,omitempty" example:"90"`
}

func newTransitionMessage(ev events.Event) TransitionMessage {
	t := ev.Transition
	return TransitionMessage{
		ID:         ev.ID,
		Type:       ev.Name,
		AccountID:  t.AccountID,
		From:       string(t.From),
		To:         string(t.To),
		Timestamp:  t.At,
		Reason:     t.Reason,
		Metric:     string(t.Metric),
		Percentage: t.Percentage,
	}
}

// StreamHub fans transition events out to websocket clients.
// A client may narrow the stream to one account with ?account=<id>.
type StreamHub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Collector
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	hub     *StreamHub
	conn    *websocket.Conn
	send    chan []byte
	account string
	id      string
}

// NewStreamHub creates an event stream hub.
func NewStreamHub(logger zerolog.Logger, m *metrics.Collector) *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// HandleEvent is an events.Handler that broadcasts ev to every interested
// client. Clients that cannot keep up are disconnected.
func (h *StreamHub) HandleEvent(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(newTransitionMessage(ev))
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*streamClient
	for c := range h.clients {
		if c.account != "" && c.account != ev.Transition.AccountID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("client", c.id).Msg("stream client too slow, disconnecting")
		h.remove(c)
	}
	return nil
}

// ServeHTTP upgrades the request and registers the client.
//
//	@Summary		Stream transition events
//	@Description	Upgrades to a websocket that receives one JSON frame per state transition
//	@Tags			Events
//	@Param			account	query	string	false	"Only stream transitions of this account"
//	@Success		101		{object}	TransitionMessage	"Switching protocols"
//	@Router			/v1/events [get]
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "event stream is closed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &streamClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, streamSendBuffer),
		account: r.URL.Query().Get("account"),
		id:      middleware.GetReqID(r.Context()),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Debug().Str("client", c.id).Str("account_id", c.account).Msg("stream client connected")

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *StreamHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *StreamHub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.StreamClients.Inc()
	}
	return true
}

// remove unregisters c and closes its send channel exactly once.
func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.StreamClients.Dec()
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (c *streamClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("stream read error")
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

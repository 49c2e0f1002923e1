package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/remote"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Devices are not browsers; the bearer token is the access check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedClient is one connected change feed.
type feedClient struct {
	conn   *websocket.Conn
	sub    *remote.Subscription
	device string
	done   chan struct{}
	once   sync.Once
}

func (fc *feedClient) close() {
	fc.once.Do(func() {
		close(fc.done)
		fc.sub.Unsubscribe()
		_ = fc.conn.Close()
	})
}

// hub tracks live feeds so shutdown can close them.
type hub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	logger  *slog.Logger
	metrics *metrics.Server
}

func newHub(logger *slog.Logger, m *metrics.Server) *hub {
	return &hub{clients: make(map[*feedClient]struct{}), logger: logger, metrics: m}
}

func (h *hub) register(fc *feedClient) {
	h.mu.Lock()
	h.clients[fc] = struct{}{}
	h.mu.Unlock()
	h.metrics.FeedConnected()
}

func (h *hub) unregister(fc *feedClient) {
	h.mu.Lock()
	_, ok := h.clients[fc]
	delete(h.clients, fc)
	h.mu.Unlock()
	if ok {
		fc.close()
		h.metrics.FeedDisconnected()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*feedClient, 0, len(h.clients))
	for fc := range h.clients {
		clients = append(clients, fc)
	}
	h.mu.Unlock()
	for _, fc := range clients {
		h.unregister(fc)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// changes upgrades to a websocket streaming one collection's changes as
// JSON text frames.
func (s *Server) changes(c *gin.Context) {
	collection := c.Query("collection")
	if collection == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "collection is required"})
		return
	}
	sub, err := s.store.Subscribe(c.Request.Context(), collection)
	if err != nil {
		s.fail(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Unsubscribe()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	fc := &feedClient{conn: conn, sub: sub, device: c.GetString(deviceKey), done: make(chan struct{})}
	s.hub.register(fc)
	s.logger.Info("change feed opened", "device", fc.device, "collection", collection)

	go s.writePump(fc)
	go s.readPump(fc)
}

// readPump only watches for the peer going away; clients never send data.
func (s *Server) readPump(fc *feedClient) {
	defer s.hub.unregister(fc)

	fc.conn.SetReadLimit(512)
	_ = fc.conn.SetReadDeadline(time.Now().Add(pongWait))
	fc.conn.SetPongHandler(func(string) error {
		return fc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := fc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("change feed read error", "device", fc.device, "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(fc *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.unregister(fc)
	}()

	for {
		select {
		case change, ok := <-fc.sub.Changes():
			_ = fc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed ended")
				_ = fc.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := fc.conn.WriteJSON(change); err != nil {
				return
			}
		case <-ticker.C:
			_ = fc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := fc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-fc.done:
			_ = fc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = fc.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

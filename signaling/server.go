package signaling

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/beam/limits"
	"github.com/opd-ai/beam/session"
)

// connTable tracks live WebSocket connections by identifier and serves as
// the handler's local Notifier. Gorilla connections allow one concurrent
// writer, so each entry carries its own write lock.
type connTable struct {
	mu    sync.RWMutex
	conns map[string]*tableEntry
}

type tableEntry struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]*tableEntry)}
}

func (t *connTable) add(connID string, conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connID] = &tableEntry{conn: conn}
}

func (t *connTable) remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
}

// Post implements Notifier by writing a text message to the connection.
func (t *connTable) Post(ctx context.Context, connID string, data []byte) error {
	t.mu.RLock()
	entry, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return session.ErrSessionNotFound
	}

	entry.writeMu.Lock()
	defer entry.writeMu.Unlock()
	return entry.conn.WriteMessage(websocket.TextMessage, data)
}

// Server hosts the signaling WebSocket endpoint and a health probe.
type Server struct {
	handler *Handler
	table   *connTable
	engine  *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer builds the HTTP surface: GET /ws upgrades to the signaling
// protocol, GET /healthz answers liveness probes.
func NewServer(registry *session.Registry) *Server {
	table := newConnTable()

	s := &Server{
		handler: NewHandler(registry, table),
		table:   table,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  limits.MaxSignalingMessage,
			WriteBufferSize: limits.MaxSignalingMessage,
			// The browser client is served from another origin; session
			// pairing is protected by the PIN, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", s.serveWS)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine = engine

	return s
}

// Run serves the signaling endpoint on addr until the listener fails.
func (s *Server) Run(addr string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"addr":     addr,
	}).Info("Signaling server listening")
	return s.engine.Run(addr)
}

// Engine exposes the router for tests and embedding.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// serveWS upgrades the request and pumps inbound messages through the
// handler until the connection closes.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveWS",
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	s.table.add(connID, conn)
	conn.SetReadLimit(limits.MaxSignalingMessage)

	logrus.WithFields(logrus.Fields{
		"function": "serveWS",
		"conn_id":  connID,
		"remote":   conn.RemoteAddr().String(),
	}).Info("Connection established")

	ctx := c.Request.Context()
	defer func() {
		s.table.remove(connID)
		s.handler.HandleDisconnect(context.Background(), connID)
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serveWS",
				"conn_id":  connID,
				"error":    err.Error(),
			}).Debug("Read loop ended")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handler.HandleMessage(ctx, connID, data)
	}
}

// Package gateway carries the realtime channel of each session over a
// websocket. Several connections may watch the same session; every message
// a session emits is fanned out to all of them in emission order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"bazaar-lite/apps/server/internal/codec"
	"bazaar-lite/apps/server/internal/lobby"
	"bazaar-lite/apps/server/internal/session"
	"bazaar-lite/turn"

	"github.com/gorilla/websocket"
)

const (
	routePrefix        = "/ws/"
	sendBuffer         = 256
	pendingTurnsBuffer = 8
	readLimit          = 65536
	pongWait           = 60 * time.Second
	pingPeriod         = 30 * time.Second
	writeWait          = 10 * time.Second
	defaultTurnTimeout = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: restrict to the web client's origin once it has a fixed host
	},
}

type frame struct {
	kind  int
	data  []byte
	final bool
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID        string
	SessionID string
	Format    string
	Conn      *websocket.Conn
	Send      chan frame
	Gateway   *Gateway

	turns     chan string
	done      chan struct{}
	closeOnce sync.Once
}

// Gateway manages WebSocket connections
type Gateway struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	bySession   map[string]map[string]*Connection
	nextConnID  uint64

	lobby       *lobby.Lobby
	turnTimeout time.Duration
}

func New(lby *lobby.Lobby, turnTimeout time.Duration) *Gateway {
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	return &Gateway{
		connections: make(map[string]*Connection),
		bySession:   make(map[string]map[string]*Connection),
		lobby:       lby,
		turnTimeout: turnTimeout,
	}
}

func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(routePrefix, g.HandleWebSocket)
}

// HandleWebSocket upgrades /ws/{session_id}?format=json|proto.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, routePrefix), "/")
	if err := lobby.ValidateID(sessionID); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	format, err := codec.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, "unsupported format", http.StatusBadRequest)
		return
	}
	s, err := g.lobby.GetOrCreate(r.Context(), sessionID)
	if err != nil {
		log.Printf("[Gateway] Session %s unavailable: %v", sessionID, err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade error: %v", err)
		return
	}

	g.mu.Lock()
	g.nextConnID++
	c := &Connection{
		ID:        fmt.Sprintf("conn_%d", g.nextConnID),
		SessionID: sessionID,
		Format:    format,
		Conn:      conn,
		Send:      make(chan frame, sendBuffer),
		Gateway:   g,
		turns:     make(chan string, pendingTurnsBuffer),
		done:      make(chan struct{}),
	}
	g.connections[c.ID] = c
	if g.bySession[sessionID] == nil {
		g.bySession[sessionID] = make(map[string]*Connection)
	}
	g.bySession[sessionID][c.ID] = c
	total := len(g.connections)
	g.mu.Unlock()

	log.Printf("[Gateway] Client connected: %s (session=%s, format=%s), total: %d", c.ID, sessionID, format, total)

	go c.writePump()
	go c.turnLoop()
	go c.readPump()
	s.SendWorldState()
}

func (c *Connection) readPump() {
	defer func() {
		c.Gateway.removeConnection(c)
		c.shutdown()
	}()

	c.Conn.SetReadLimit(readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error: %v", err)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(message)
	}
}

func (c *Connection) handleMessage(data []byte) {
	msg, err := codec.DecodeClient(data, c.Format)
	if err != nil {
		log.Printf("[Gateway] Failed to decode from %s: %v", c.ID, err)
		c.sendError("invalid message format", true)
		return
	}

	switch msg.Type {
	case codec.TypePing:
		c.sendDirect(codec.Envelope{Type: codec.TypePong})
	case codec.TypeTranscript:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			c.sendError("empty transcript", true)
			return
		}
		if !msg.Final() {
			c.echoPartial(text)
			return
		}
		select {
		case c.turns <- text:
		default:
			c.sendError("too many pending turns, wait for the last reply", true)
		}
	case codec.TypeAudioChunk:
		c.sendError("audio input is not supported, send transcripts", true)
	default:
		c.sendError("unknown message type: "+msg.Type, true)
	}
}

func (c *Connection) echoPartial(text string) {
	if s, ok := c.Gateway.lobby.Get(c.SessionID); ok {
		s.EchoTranscript(text, false)
	}
}

// turnLoop submits final transcripts one at a time. Turns outlive the
// connection that sent them; a disconnect does not cancel them.
func (c *Connection) turnLoop() {
	for {
		select {
		case text := <-c.turns:
			c.submitTurn(text)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) submitTurn(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Gateway.turnTimeout)
	defer cancel()

	err := c.trySubmit(ctx, text)
	if errors.Is(err, session.ErrSessionClosed) {
		// swept or deleted between lookups
		err = c.trySubmit(ctx, text)
	}
	switch {
	case err == nil:
	case errors.Is(err, turn.ErrInternal):
		// the session has already published a non-recoverable error
	case errors.Is(err, turn.ErrCancelled):
		c.sendError("turn cancelled", true)
	default:
		log.Printf("[Gateway] Turn failed for %s: %v", c.SessionID, err)
		c.sendError("turn failed", true)
	}
}

func (c *Connection) trySubmit(ctx context.Context, text string) error {
	s, err := c.Gateway.lobby.GetOrCreate(ctx, c.SessionID)
	if err != nil {
		return err
	}
	_, err = s.SubmitTurn(ctx, text)
	return err
}

func (c *Connection) sendError(msg string, recoverable bool) {
	c.sendDirect(codec.Envelope{
		Type:    codec.TypeError,
		Payload: codec.ErrorPayload{Message: msg, Recoverable: recoverable},
	})
}

// sendDirect answers this connection only.
func (c *Connection) sendDirect(env codec.Envelope) {
	env.SessionID = c.SessionID
	env.TsMs = time.Now().UnixMilli()
	data, err := codec.Encode(env, c.Format)
	if err != nil {
		log.Printf("[Gateway] Encode %s failed: %v", env.Type, err)
		return
	}
	c.enqueue(frame{kind: frameKind(c.Format), data: data, final: isFatal(env)})
}

func (c *Connection) enqueue(f frame) {
	select {
	case c.Send <- f:
	case <-c.done:
	default:
		log.Printf("[Gateway] Send buffer full for %s, closing", c.ID)
		c.shutdown()
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case f := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}
			if f.final {
				c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

func (g *Gateway) removeConnection(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.connections, c.ID)
	if conns := g.bySession[c.SessionID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(g.bySession, c.SessionID)
		}
	}
	log.Printf("[Gateway] Client disconnected: %s, total: %d", c.ID, len(g.connections))
}

// Publish delivers a session message to every connection watching that
// session. It is installed as the lobby's sink.
func (g *Gateway) Publish(env codec.Envelope) {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.bySession[env.SessionID]))
	for _, c := range g.bySession[env.SessionID] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	final := isFatal(env)
	encoded := make(map[string][]byte, 2)
	for _, c := range conns {
		data, ok := encoded[c.Format]
		if !ok {
			var err error
			data, err = codec.Encode(env, c.Format)
			if err != nil {
				log.Printf("[Gateway] Encode %s failed: %v", env.Type, err)
				return
			}
			encoded[c.Format] = data
		}
		c.enqueue(frame{kind: frameKind(c.Format), data: data, final: final})
	}
}

// ConnectionCount reports open connections for a session.
func (g *Gateway) ConnectionCount(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bySession[sessionID])
}

func frameKind(format string) int {
	if format == codec.FormatProto {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func isFatal(env codec.Envelope) bool {
	if env.Type != codec.TypeError {
		return false
	}
	switch p := env.Payload.(type) {
	case codec.ErrorPayload:
		return !p.Recoverable
	case *codec.ErrorPayload:
		return p != nil && !p.Recoverable
	}
	return false
}

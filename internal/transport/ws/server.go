// Package ws implements the subscription transport spec.md §6 names:
// websocket frames of the shape {subscribe|unsubscribe, runId|agentId|global}
// delivering events as JSON objects.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/neilt93/mcp-chaos/internal/fanout"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = (readTimeout * 9) / 10
	maxMessageSize = 1 << 20
)

// Server upgrades HTTP connections to websockets and binds them to the
// Fan-Out Hub.
type Server struct {
	fanout   *fanout.Hub
	upgrader websocket.Upgrader
}

// NewServer creates a Server backed by fo.
func NewServer(fo *fanout.Hub) *Server {
	return &Server{
		fanout: fo,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// frame is an incoming subscribe/unsubscribe request. Outgoing messages are
// the fan-out payloads written as-is, not frames.
type frame struct {
	Type    string `json:"type"`
	RunID   string `json:"runId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Global  bool   `json:"global,omitempty"`
}

// HandleWebSocket upgrades the connection and starts its read/write pumps.
func (s *Server) HandleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return err
	}

	sub := fanout.NewSubscriber()
	s.fanout.Register(sub)
	conn.SetReadLimit(maxMessageSize)

	go s.writePump(conn, sub)
	go s.readPump(conn, sub)

	return nil
}

func (s *Server) readPump(conn *websocket.Conn, sub *fanout.Subscriber) {
	defer func() {
		s.fanout.Unregister(sub)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			return
		}
		s.handleFrame(sub, data)
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *fanout.Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.Send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("ws: write error: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(sub *fanout.Subscriber, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	var topic string
	switch {
	case f.RunID != "":
		topic = fanout.RunTopic(f.RunID)
	case f.AgentID != "":
		topic = fanout.AgentTopic(f.AgentID)
	case f.Global:
		topic = fanout.GlobalTopic
	default:
		return
	}

	switch f.Type {
	case "subscribe":
		s.fanout.Subscribe(sub, topic)
	case "unsubscribe":
		s.fanout.Unsubscribe(sub, topic)
	}
}

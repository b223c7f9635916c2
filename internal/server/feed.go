package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/events/bus"
	apiv1 "github.com/hivemux/hivemux/pkg/api/v1"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	feedSendBuffer = 256
)

// feedSubjects are the bus patterns mirrored onto the websocket feed.
var feedSubjects = []string{
	"agent.>", "task.>", "session.>", "context.>",
	"message.>", "file.>", "testing.>", "assistance.>",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// feed streams bus events to websocket clients. The feed is one-way:
// incoming frames are discarded, the read side only detects closure.
type feed struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*feedClient]bool
	subs    []bus.Subscription
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newFeed(b bus.EventBus, log *logger.Logger) *feed {
	return &feed{
		bus:     b,
		logger:  log.WithComponent("ws_feed"),
		clients: make(map[*feedClient]bool),
	}
}

// start subscribes to the lifecycle subjects. Without a bus the feed still
// accepts connections; they just never see an event.
func (f *feed) start() error {
	if f.bus == nil {
		return nil
	}
	for _, subject := range feedSubjects {
		sub, err := f.bus.Subscribe(subject, f.onEvent)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.subs = append(f.subs, sub)
		f.mu.Unlock()
	}
	return nil
}

func (f *feed) onEvent(_ context.Context, event *bus.Event) error {
	frame, err := json.Marshal(apiv1.EventFrame{
		ID:        event.ID,
		Type:      event.Type,
		Source:    event.Source,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	})
	if err != nil {
		f.logger.Error("Failed to marshal event frame", zap.Error(err))
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- frame:
		default:
			// Buffer full; the write pump cleans up lagging clients.
		}
	}
	return nil
}

func (f *feed) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.clients[client] = true
	f.mu.Unlock()

	f.logger.Debug("Feed client connected", zap.String("remote_addr", c.Request.RemoteAddr))

	go client.writePump()
	client.readPump()
	f.remove(client)
}

func (f *feed) remove(client *feedClient) {
	f.mu.Lock()
	if f.clients[client] {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
}

// close unsubscribes from the bus and disconnects every client.
func (f *feed) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	clients := make([]*feedClient, 0, len(f.clients))
	for client := range f.clients {
		clients = append(clients, client)
	}
	f.clients = make(map[*feedClient]bool)
	f.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, client := range clients {
		close(client.send)
	}
}

// readPump discards client frames and exits when the peer goes away.
func (c *feedClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pushes frames to the peer and keeps the connection alive with
// pings.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 30 * time.Second
)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	streams map[Stream]bool
}

func (c *hubClient) wants(s Stream) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams) == 0 || c.streams[s]
}

// Hub streams events to dashboard websocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*hubClient]bool
	broadcast  chan Event
	register   chan *hubClient
	unregister chan *hubClient
	quit       chan struct{}
	count      int64
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		quit:       make(chan struct{}),
	}
}

// Subscribes the hub to the bus; slow dashboards lose events rather than
// slowing the core down
func (h *Hub) Attach(bus *Bus) {
	bus.Subscribe(SubscribeOptions{Name: "websocket", Buffer: 256}, h.Publish)
}

func (h *Hub) Publish(e Event) {
	select {
	case h.broadcast <- e:
	default:
	}
}

func (h *Hub) ClientCount() int {
	return int(atomic.LoadInt64(&h.count))
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			atomic.StoreInt64(&h.count, 0)
			return

		case client := <-h.register:
			h.clients[client] = true
			atomic.StoreInt64(&h.count, int64(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				atomic.StoreInt64(&h.count, int64(len(h.clients)))
			}

		case e := <-h.broadcast:
			message, err := json.Marshal(e)
			if err != nil {
				log.WithError(err).Warn("failed to marshal event for websocket")
				continue
			}
			for client := range h.clients {
				if !client.wants(e.Stream) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// client is not keeping up
					delete(h.clients, client)
					close(client.send)
				}
			}
			atomic.StoreInt64(&h.count, int64(len(h.clients)))
		}
	}
}

// Upgrades the request. ?stream=risk&stream=abuse limits what is sent.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &hubClient{
		conn:    conn,
		send:    make(chan []byte, 64),
		streams: make(map[Stream]bool),
	}
	for _, s := range r.URL.Query()["stream"] {
		client.streams[Stream(s)] = true
	}

	select {
	case h.register <- client:
	case <-h.quit:
		_ = conn.Close()
		return
	}
	go h.writePump(client)
	h.readPump(client)
}

type clientMessage struct {
	Type    string   `json:"type"`
	Streams []string `json:"streams"`
}

func (h *Hub) readPump(client *hubClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.quit:
		}
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(4096)
	_ = client.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		var msg clientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Debug("websocket read error")
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			client.mu.Lock()
			client.streams = make(map[Stream]bool, len(msg.Streams))
			for _, s := range msg.Streams {
				client.streams[Stream(s)] = true
			}
			client.mu.Unlock()
		case "ping":
		default:
			log.WithField("type", msg.Type).Debug("unknown websocket message type")
		}
	}
}

func (h *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

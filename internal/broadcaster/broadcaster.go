// Package broadcaster is a WebSocket bridge that relays Event Bus topics
// to subscribed "rooms".
package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
	"github.com/clmmrun/strategy-runtime/internal/eventbus"
)

// Room is one of the two WebSocket rooms clients may join.
type Room string

const (
	RoomStrategyMonitor Room = "strategy-monitor"
	RoomPoolCrawler     Room = "pool-crawler"
)

const subscribePrefix = "subscribe:"
const unsubscribePrefix = "unsubscribe:"

// Message is the wire shape for every WebSocket frame, `{event, data}`:
// inbound client commands ("subscribe:<room>", "ping") and outbound bus
// relays ("strategy:status-update", "pong", ...) alike.
type Message struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn  *websocket.Conn
	send  chan Message
	rooms map[Room]bool
	mu    sync.Mutex
}

// Broadcaster bridges Event Bus topics to WebSocket rooms.
type Broadcaster struct {
	bus    *eventbus.Bus
	logger *logging.Logger

	mu        sync.Mutex
	clients   map[*client]struct{}
	busSubIDs []eventbus.SubscriptionID
}

func New(bus *eventbus.Bus, logger *logging.Logger) *Broadcaster {
	return &Broadcaster{
		bus:     bus,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Start wires the bus topics this broadcaster relays. Every Subscribe here
// must be matched by an Unsubscribe in Shutdown — an Event Bus subscription
// leak is a correctness bug.
func (b *Broadcaster) Start() {
	id := b.bus.Subscribe(eventbus.TopicStrategyStatusUpdate, func(payload interface{}) {
		b.relay(RoomStrategyMonitor, "strategy:status-update", payload)
	})
	b.busSubIDs = append(b.busSubIDs, id)

	id = b.bus.Subscribe(eventbus.TopicStrategySmartStopLossUpdate, func(payload interface{}) {
		b.relay(RoomStrategyMonitor, "strategy:smart-stop-loss", payload)
	})
	b.busSubIDs = append(b.busSubIDs, id)
}

func (b *Broadcaster) relay(room Room, event string, data interface{}) {
	msg := Message{Event: event, Data: data, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		if !c.inRoom(room) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			b.logger.WithFields(map[string]interface{}{"room": string(room)}).Warn("broadcaster: dropping message, client send buffer full")
		}
	}
}

// ServeHTTP upgrades the connection and pumps client messages until
// disconnect or shutdown.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("broadcaster: upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Message, 64), rooms: make(map[Room]bool)}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		conn.Close()
	}()

	go c.writePump()
	c.readPump(b)
}

func (c *client) inRoom(room Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

func (c *client) join(room Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = true
}

func (c *client) leave(room Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

type clientCommand struct {
	Event string `json:"event"`
}

func (c *client) readPump(b *Broadcaster) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(cmd.Event, subscribePrefix):
			room := Room(strings.TrimPrefix(cmd.Event, subscribePrefix))
			c.join(room)
			c.send <- Message{
				Event:     "subscribed:" + string(room),
				Data:      map[string]interface{}{"success": true, "message": "subscribed to " + string(room)},
				Timestamp: time.Now(),
			}
		case strings.HasPrefix(cmd.Event, unsubscribePrefix):
			c.leave(Room(strings.TrimPrefix(cmd.Event, unsubscribePrefix)))
		case cmd.Event == "ping":
			c.send <- Message{Event: "pong", Timestamp: time.Now()}
		}
	}
}

func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Shutdown drains the broadcaster: unsubscribe from the bus and disconnect
// sockets. It closes no listener; the HTTP listener the WebSocket endpoint is
// served on belongs to the HTTP server.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	for _, id := range b.busSubIDs {
		b.bus.Unsubscribe(id)
	}
	b.busSubIDs = nil

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		close(c.send)
		c.conn.Close()
		delete(b.clients, c)
	}
	return nil
}

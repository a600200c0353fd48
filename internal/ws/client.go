package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/acordia/sessioncore/internal/protocol"
	"github.com/acordia/sessioncore/internal/ratelimit"
	"github.com/acordia/sessioncore/internal/room"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// Pings must outpace the room heartbeat timeout (30s) so an idle
	// but connected client is kept alive by its pongs alone.
	pingPeriod = 10 * time.Second
	maxMessageSize    = 256 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBuffer        = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client adapts one websocket to a room connection. It satisfies
// room.Sender; the send channel is drained by writePump and Send drops the
// frame rather than block the room's goroutine.
type Client struct {
	id      string
	conn    *websocket.Conn
	room    *room.Room
	send    chan []byte
	limiter *ratelimit.Limiter

	closeOnce sync.Once
	quit      chan struct{}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.quit:
		return false
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// ServeWs upgrades the request and joins the client to its room. Identity
// comes from the query string; the user id is opaque here and may be empty
// for anonymous viewers.
func ServeWs(reg *room.Registry, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind != room.KindTransaction {
		kind = room.KindAgreement
	}
	userID := r.URL.Query().Get("user")
	name := r.URL.Query().Get("name")
	color := r.URL.Query().Get("color")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	rm := reg.Open(roomID, kind)
	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		room:    rm,
		send:    make(chan []byte, sendBuffer),
		limiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		quit:    make(chan struct{}),
	}

	snap, err := rm.Join(client, userID, name, color)
	if err != nil {
		conn.Close()
		return
	}
	client.Send(protocol.Encode(protocol.Frame{
		Type:     protocol.TypeSnapshot,
		Room:     roomID,
		Snapshot: &snap,
	}))

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.room.Leave(c.id)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.room.Heartbeat(c.id)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		// Any inbound traffic proves the connection alive; an actively
		// editing client must never be swept for not sending explicit
		// heartbeat frames.
		c.room.Heartbeat(c.id)

		if !c.limiter.Allow() {
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.Send(protocol.Encode(protocol.Frame{Type: protocol.TypeError, Error: err.Error()}))
			continue
		}

		switch frame.Type {
		case protocol.TypeOp:
			c.room.ApplyOp(c.id, *frame.Op)
		case protocol.TypePresence:
			c.room.Publish(c.id, *frame.Delta)
		case protocol.TypeSubmit:
			c.room.Submit(c.id, frame.Submit.Party, frame.Submit.Fields, frame.Submit.Ready)
		case protocol.TypeResolve:
			c.room.Resolve(c.id, frame.Resolve.Field, frame.Resolve.Value)
		case protocol.TypeHeartbeat:
			c.room.Heartbeat(c.id)
		case protocol.TypeLeave:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

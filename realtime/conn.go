package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// pingInterval and pongWait implement the fixed-interval liveness
	// check: a connection that misses its pong deadline is treated as
	// disconnected and cleaned up exactly as on an explicit disconnect.
	pingInterval = 25 * time.Second
	pongWait     = 45 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
	sendQueueSize  = 64
)

// Conn is one authenticated client socket. It holds at most one "currently
// viewing" task pointer, maintained by the presence tracker.
type Conn struct {
	ID     string
	UserID string
	Name   string

	ws   *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	viewing string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ws *websocket.Conn, userID, name string) *Conn {
	return &Conn{
		ID:     id,
		UserID: userID,
		Name:   name,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// Viewing returns the task id this connection declared it is viewing, or ""
// when it is viewing nothing.
func (c *Conn) Viewing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewing
}

// swapViewing records the new viewing pointer and returns the previous one.
func (c *Conn) swapViewing(taskID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.viewing
	c.viewing = taskID
	return prev
}

// enqueue hands a frame to the write pump without blocking. Frames to a
// saturated client are dropped; events are full-state snapshots, so the next
// one supersedes whatever was missed.
func (c *Conn) enqueue(data []byte, logger *log.Logger) {
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		logger.WithFields(log.Fields{"conn": c.ID, "user": c.UserID}).Warn("send queue full, dropping frame")
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// readPump consumes client frames until the socket errors or the liveness
// deadline lapses, then invokes onClose exactly once.
func (c *Conn) readPump(onMessage func(*Conn, []byte), onClose func(*Conn)) {
	defer func() {
		c.close()
		onClose(c)
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(c, data)
	}
}

// writePump drains the send queue and pings on the liveness interval.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

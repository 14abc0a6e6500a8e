package train

import (
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event is one progress report from a training loop.
type Event struct {
	Kind      string    `json:"kind"` // epoch, iteration or done
	Iteration int       `json:"iteration,omitempty"`
	Epoch     int       `json:"epoch,omitempty"`
	Step      int       `json:"step"`
	LR        float64   `json:"lr,omitempty"`
	TrainLoss float64   `json:"train_loss,omitempty"`
	ValLoss   float64   `json:"val_loss,omitempty"`
	Games     int       `json:"games,omitempty"`
	MeanScore float64   `json:"mean_score,omitempty"`
	Delta     float64   `json:"delta,omitempty"`
	Promoted  bool      `json:"promoted,omitempty"`
	Time      time.Time `json:"time"`
}

// Observer receives training events. Publish must not block.
type Observer interface {
	Publish(Event)
}

func publish(o Observer, ev Event) {
	if o == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	o.Publish(ev)
}

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// ProgressHub broadcasts events as JSON text frames to every connected
// websocket client. Slow clients drop messages instead of stalling
// training.
type ProgressHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

func (h *ProgressHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("progress: upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("remote", r.RemoteAddr).Msg("progress client connected")

	go h.writeLoop(c)
	// Reads only detect the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("progress client read")
			}
			h.remove(c)
			return
		}
	}
}

func (h *ProgressHub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

func (h *ProgressHub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish implements Observer.
func (h *ProgressHub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("progress: encode event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Clients is the number of connected clients.
func (h *ProgressHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *ProgressHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/holla2040/sensorsim/internal/control"
	"nhooyr.io/websocket"
)

// Stream event types.
const (
	EventStatus  = "status"
	EventControl = "control_event"
)

const (
	frameQueue   = 64
	writeTimeout = 5 * time.Second
)

// WSEvent is the JSON envelope broadcast to WebSocket clients.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub fans status snapshots and control events out to WebSocket viewers.
// The stream is one-way; anything a viewer sends is discarded.
type Hub struct {
	mu      sync.Mutex
	viewers map[*viewer]struct{}
	closed  bool

	frames chan []byte
}

type viewer struct {
	frames  chan []byte
	dropped int
}

func NewHub() *Hub {
	return &Hub{
		viewers: make(map[*viewer]struct{}),
		frames:  make(chan []byte, 256),
	}
}

// Run delivers queued frames to every viewer until ctx is cancelled, then
// disconnects them all.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for v := range h.viewers {
				close(v.frames)
				delete(h.viewers, v)
			}
			h.mu.Unlock()
			return
		case frame := <-h.frames:
			h.deliver(frame)
		}
	}
}

func (h *Hub) deliver(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		select {
		case v.frames <- frame:
		default:
			v.dropped++
			if v.dropped == 1 || v.dropped%100 == 0 {
				log.Printf("websocket: viewer behind, %d frames dropped", v.dropped)
			}
		}
	}
}

// Stream broadcasts a status snapshot every interval while at least one
// viewer is connected. Blocks until ctx is cancelled.
func (h *Hub) Stream(ctx context.Context, plane *control.Plane, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ClientCount() > 0 {
				h.BroadcastEvent(EventStatus, plane.GetStatus())
			}
		}
	}
}

// Listen is a control.Listener that forwards events to viewers.
func (h *Hub) Listen(ev control.Event) {
	h.BroadcastEvent(EventControl, ev)
}

// Broadcast queues a frame for all viewers. Never blocks; a full queue drops it.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.frames <- data:
	default:
	}
}

func (h *Hub) BroadcastEvent(eventType string, payload interface{}) {
	data, err := json.Marshal(WSEvent{Type: eventType, Payload: payload})
	if err != nil {
		log.Printf("websocket: marshal %s: %v", eventType, err)
		return
	}
	h.Broadcast(data)
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) join() (*viewer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	v := &viewer{frames: make(chan []byte, frameQueue)}
	h.viewers[v] = struct{}{}
	return v, true
}

func (h *Hub) leave(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; ok {
		close(v.frames)
		delete(h.viewers, v)
	}
}

// HandleWebSocket upgrades the request and streams frames to the viewer
// until either side goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // LAN tool, any origin
	})
	if err != nil {
		log.Printf("websocket: accept failed: %v", err)
		return
	}

	v, ok := h.join()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "simulator stopping")
		return
	}
	defer h.leave(v)

	// CloseRead discards viewer messages and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame, ok := <-v.frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "simulator stopping")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				conn.CloseNow()
				return
			}
		}
	}
}

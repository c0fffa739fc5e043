package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mediaingest/pkg/ingest"
	"mediaingest/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	subscriberBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the SPA is served from another origin during development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub keeps the event history of one session and fans new events out
// to websocket subscribers. Late subscribers receive the history first.
type eventHub struct {
	mu      sync.Mutex
	history []ingest.Event
	subs    map[chan ingest.Event]struct{}
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan ingest.Event]struct{})}
}

func (h *eventHub) publish(e ingest.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.history = append(h.history, e)
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber; drop it rather than stall the session
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// subscribe returns the history so far and a channel of later events. The
// channel is closed when the session ends.
func (h *eventHub) subscribe() ([]ingest.Event, chan ingest.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	history := append([]ingest.Event(nil), h.history...)
	ch := make(chan ingest.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return history, ch
	}
	h.subs[ch] = struct{}{}
	return history, ch
}

func (h *eventHub) unsubscribe(ch chan ingest.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

func (h *eventHub) finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// closeReason picks the close frame sent once a subscription channel closes:
// the session ended, or the subscriber fell behind and was dropped.
func closeReason(hub *eventHub) (int, string) {
	if hub.finished() {
		return websocket.CloseNormalClosure, "session finished"
	}
	return websocket.CloseTryAgainLater, "subscriber fell behind; reconnect to replay history"
}

func (h *eventHub) snapshot() []ingest.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ingest.Event(nil), h.history...)
}

// serveEvents streams a session's events over a websocket until the session
// finishes or the peer goes away.
func serveEvents(log *logger.Logger, hub *eventHub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	history, ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	// read pump: only needed for pong and close frames
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, e := range history {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, text := closeReason(hub)
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

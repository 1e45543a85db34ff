package devserver

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// reloadPayload is sent to browser clients after a reload.
type reloadPayload struct {
	Type  string   `json:"type"`
	Files []string `json:"files"`
}

type clientManager struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan reloadPayload
	done       chan struct{}
}

type client struct {
	conn   *websocket.Conn
	notify chan reloadPayload
}

func newClientManager() *clientManager {
	return &clientManager{
		clients:    make(map[*client]bool),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		broadcast:  make(chan reloadPayload),
		done:       make(chan struct{}),
	}
}

// start runs the manager loop until ctx is done, then drains its channels
// so no handler stays blocked.
func (m *clientManager) start(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			for c := range m.clients {
				close(c.notify)
				c.conn.Close()
			}
			m.drainChannels()
			return

		case c := <-m.register:
			m.clients[c] = true

		case c := <-m.unregister:
			if _, ok := m.clients[c]; ok {
				delete(m.clients, c)
				close(c.notify)
				c.conn.Close()
			}

		case msg := <-m.broadcast:
			for c := range m.clients {
				select {
				case c.notify <- msg:
				default:
					// slow client, skip
				}
			}
		}
	}
}

func (m *clientManager) drainChannels() {
	for {
		select {
		case c := <-m.register:
			c.conn.Close()
		case c := <-m.unregister:
			c.conn.Close()
		case <-m.broadcast:
		default:
			return
		}
	}
}

func (m *clientManager) wait() {
	<-m.done
}

// send delivers msg to every client unless ctx ends first.
func (m *clientManager) send(ctx context.Context, msg reloadPayload) {
	select {
	case m.broadcast <- msg:
	case <-ctx.Done():
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func websocketHandler(ctx context.Context, manager *clientManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &client{conn: conn, notify: make(chan reloadPayload, 1)}

		select {
		case manager.register <- c:
		case <-ctx.Done():
			conn.Close()
			return
		}

		unregister := func() {
			select {
			case manager.unregister <- c:
			case <-ctx.Done():
			default:
			}
		}
		defer unregister()

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					unregister()
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-c.notify:
				if !ok {
					return
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

package websocket

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

type UnicastMessage struct {
	UserID  uuid.UUID
	Message []byte
}

// Hub maintains the set of active clients grouped by user and delivers
// push payloads to every session of a given user.
type Hub struct {
	// Registered clients, keyed by owning user.
	clients map[uuid.UUID]map[*Client]struct{}

	// Unicast messages to all sessions of one user.
	unicast chan UnicastMessage

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Channel to signal termination
	stop     chan struct{}
	stopOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		unicast:    make(chan UnicastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),

		clients: make(map[uuid.UUID]map[*Client]struct{}),
		stop:    make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			sessions := h.clients[client.userID]
			if sessions == nil {
				sessions = make(map[*Client]struct{})
				h.clients[client.userID] = sessions
			}
			sessions[client] = struct{}{}
			log.Printf("[Notification Hub] Client registered (User: %s, sessions: %d)", client.userID, len(sessions))
		case client := <-h.unregister:
			if sessions, ok := h.clients[client.userID]; ok {
				if _, ok := sessions[client]; ok {
					h.drop(client)
					log.Printf("[Notification Hub] Client unregistered (User: %s)", client.userID)
				}
			}
		case msg := <-h.unicast:
			sessions := h.clients[msg.UserID]
			if len(sessions) == 0 {
				continue
			}
			log.Printf("[Notification Hub] Delivering push to user %s (%d sessions)", msg.UserID, len(sessions))
			for client := range sessions {
				select {
				case client.send <- msg.Message:
				default:
					// Slow consumer, cut it loose.
					h.drop(client)
				}
			}
		case <-h.stop:
			log.Println("[Notification Hub] Stopping hub")
			for _, sessions := range h.clients {
				for client := range sessions {
					h.drop(client)
				}
			}
			return
		}
	}
}

// drop must only be called from the Run goroutine.
func (h *Hub) drop(client *Client) {
	sessions := h.clients[client.userID]
	delete(sessions, client)
	if len(sessions) == 0 {
		delete(h.clients, client.userID)
	}
	close(client.send)
}

func (h *Hub) SendToUser(userID uuid.UUID, message []byte) {
	select {
	case h.unicast <- UnicastMessage{UserID: userID, Message: message}:
	case <-h.stop:
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

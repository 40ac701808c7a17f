package ws

import (
	"log"
	"net/http"

	"studyhall/internal/models"

	"github.com/gorilla/websocket"
)

type tokenValidator interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth  tokenValidator
	users UserDirectory
	hub   *Hub

	upgrader *websocket.Upgrader
}

func NewServer(auth tokenValidator, users UserDirectory, hub *Hub) *Server {
	return &Server{
		auth:  auth,
		users: users,
		hub:   hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on the websocket handshake, so the
	// token may arrive as a query parameter instead.
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := s.users.GetUser(userID)
	if err != nil || user.Status == models.UserStatusDeleted {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn, err := NewConnection(s.hub, ws, user)
	if err != nil {
		log.Printf("error registering connection: %v", err)
		if closeErr := ws.Close(); closeErr != nil {
			log.Printf("error closing websocket: %v", closeErr)
		}
		return
	}

	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection closed with error: %v", err)
	}
}

package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"studyhall/internal/api"
	"studyhall/internal/assist"
	"studyhall/internal/auth"
	"studyhall/internal/chat"
	"studyhall/internal/presence"
	"studyhall/internal/storage"
	"studyhall/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer wires the public listener: the cached site shell at the
// root, the REST API and the websocket endpoint.
func NewAPIServer(
	authService *auth.AuthService,
	chatSvc *chat.Service,
	tracker *presence.Tracker,
	assistClient *assist.Client,
	store *storage.BboltStorage,
	hub *ws.Hub,
	shell http.Handler,
	addr string,
) *APIServer {
	server := ws.NewServer(authService, store, hub)
	apiHandlers := api.New(authService, chatSvc, tracker, assistClient, store)

	mux := http.NewServeMux()

	// The site shell, served through the offline cache.
	mux.Handle("/", shell)

	// API endpoints
	mux.HandleFunc("POST /api/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/logoff", apiHandlers.LogoffHandler)
	mux.HandleFunc("POST /api/setup", apiHandlers.SetupHandler)
	mux.HandleFunc("GET /api/me", apiHandlers.MeHandler)
	mux.HandleFunc("GET /api/users", apiHandlers.UsersHandler)
	mux.HandleFunc("GET /api/roster", apiHandlers.RosterHandler)
	mux.HandleFunc("GET /api/history", apiHandlers.HistoryHandler)
	mux.HandleFunc("GET /api/announcements", apiHandlers.AnnouncementsHandler)
	mux.HandleFunc("GET /api/conversations", apiHandlers.ConversationsHandler)
	mux.HandleFunc("GET /api/direct", apiHandlers.DirectHistoryHandler)
	mux.HandleFunc("POST /api/mark-read", apiHandlers.MarkReadHandler)
	mux.HandleFunc("POST /api/push/subscribe", apiHandlers.PushSubscribeHandler)
	mux.HandleFunc("POST /api/push/unsubscribe", apiHandlers.PushUnsubscribeHandler)
	mux.HandleFunc("POST /api/assist", apiHandlers.AssistHandler)

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

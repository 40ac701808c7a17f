package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"studyhall/internal/api"
	"studyhall/internal/auth"
	"studyhall/internal/chat"
	"studyhall/internal/notify"
	"studyhall/internal/presence"
	"studyhall/internal/storage"
	"studyhall/internal/webcache"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAdminServer wires the management listener. It is expected to bind
// to localhost only; nothing here checks a user identity.
func NewAdminServer(
	authService *auth.AuthService,
	chatSvc *chat.Service,
	tracker *presence.Tracker,
	digest *notify.Digest,
	engine *webcache.Engine,
	store *storage.BboltStorage,
	baseURL string,
	addr string,
) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, chatSvc, tracker, digest, store, baseURL)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("DELETE /admin/users", adminHandler.DeleteUserHandler)
	mux.HandleFunc("POST /admin/users/reset-password", adminHandler.ResetUserPasswordHandler)
	mux.HandleFunc("POST /admin/announcement", adminHandler.AnnouncementHandler)
	mux.HandleFunc("POST /admin/chat/clear", adminHandler.ClearChannelHandler)
	mux.HandleFunc("POST /admin/presence/sweep", adminHandler.SweepHandler)
	mux.HandleFunc("POST /admin/digest/run", adminHandler.DigestHandler)
	mux.HandleFunc("POST /admin/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		engine.Control(webcache.ControlClearCache)
		w.WriteHeader(http.StatusOK)
	})

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

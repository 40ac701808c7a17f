package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"studyhall/internal/assist"
	"studyhall/internal/auth"
	"studyhall/internal/chat"
	"studyhall/internal/models"
	"studyhall/internal/presence"
)

// Store is the persistence surface the API needs directly; everything
// else goes through the chat service.
type Store interface {
	GetUser(id string) (models.User, error)
	ListUsers() ([]models.User, error)
	UpsertPushSubscription(sub models.PushSubscription) error
	DeletePushSubscription(userID, endpoint string) error
}

type API struct {
	auth     *auth.AuthService
	chat     *chat.Service
	presence *presence.Tracker
	assist   *assist.Client
	store    Store
}

func New(authSvc *auth.AuthService, chatSvc *chat.Service, tracker *presence.Tracker, assistClient *assist.Client, store Store) *API {
	return &API{
		auth:     authSvc,
		chat:     chatSvc,
		presence: tracker,
		assist:   assistClient,
		store:    store,
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	// Support both JSON and form encoding, the login page posts a form.
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, _ := a.auth.Login(auth.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})

	if !loginResp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		if err := json.NewEncoder(w).Encode(loginResp); err != nil {
			log.Printf("failed to encode login response: %v", err)
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(loginResp); err != nil {
		log.Printf("failed to encode login response: %v", err)
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// requireUser resolves the request's token to a user. Writes the 401
// itself and returns false when the caller should bail.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	userID, err := a.auth.GetUserID(a.getToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return models.User{}, false
	}
	user, err := a.store.GetUser(userID)
	if err != nil || user.Status == models.UserStatusDeleted {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return models.User{}, false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := a.getToken(r)
	if token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

// SetupHandler finishes account setup from an admin-issued link.
func (a *API) SetupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.Password == "" {
		http.Error(w, "Token and password are required", http.StatusBadRequest)
		return
	}

	username, err := a.auth.FinishSetup(req.Token, req.Password)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, models.APIResponse{Success: false, Message: err.Error()})
		return
	}

	writeJSON(w, models.APIResponse{Success: true, Message: "Account ready, you can log in as " + username})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireUser(w, r); !ok {
		return
	}

	users, err := a.store.ListUsers()
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, users)
}

func (a *API) RosterHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireUser(w, r); !ok {
		return
	}

	roster, err := a.presence.Roster()
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, roster)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireUser(w, r); !ok {
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = chat.DefaultChannel
	}

	messages, err := a.chat.History(channel)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, messages)
}

func (a *API) AnnouncementsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireUser(w, r); !ok {
		return
	}

	announcements, err := a.chat.Announcements()
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, announcements)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	conversations, err := a.chat.Conversations(user)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, conversations)
}

// DirectHistoryHandler returns one conversation's messages. The
// conversation is addressed by partner id so membership is implicit.
func (a *API) DirectHistoryHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	partnerID := r.URL.Query().Get("partnerId")
	if partnerID == "" {
		http.Error(w, "Partner id is required", http.StatusBadRequest)
		return
	}
	partner, err := a.store.GetUser(partnerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Unknown partner", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	convID := chat.ConversationID(user.UserName, partner.UserName)
	messages, err := a.chat.DirectHistory(convID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, struct {
		ConversationID string                 `json:"conversationId"`
		Messages       []models.DirectMessage `json:"messages"`
	}{ConversationID: convID, Messages: messages})
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}

	if _, err := a.chat.MarkRead(user, req.ConversationID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Unknown conversation", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, models.APIResponse{Success: true})
}

// PushSubscribeHandler stores the browser's push subscription for the
// authenticated user.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			Auth   string `json:"auth"`
			P256dh string `json:"p256dh"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}

	err := a.store.UpsertPushSubscription(models.PushSubscription{
		UserID:    user.ID,
		Endpoint:  req.Endpoint,
		Auth:      req.Keys.Auth,
		P256dh:    req.Keys.P256dh,
		CreatedAt: models.NowMillis(),
	})
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, models.APIResponse{Success: true})
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}

	if err := a.store.DeletePushSubscription(user.ID, req.Endpoint); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, models.APIResponse{Success: true})
}

type assistResponse struct {
	Success bool   `json:"success"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AssistHandler proxies a conversation to the hosted model. Failures
// come back as a structured body, never as a bare 5xx.
func (a *API) AssistHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := a.requireUser(w, r); !ok {
		return
	}
	if a.assist == nil {
		writeJSON(w, assistResponse{Success: false, Error: assist.ErrNotConfigured.Error()})
		return
	}

	var req struct {
		Messages     []assist.ChatMessage `json:"messages"`
		SystemPrompt string               `json:"systemPrompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, assistResponse{Success: false, Error: "invalid request body"})
		return
	}

	reply, err := a.assist.Complete(r.Context(), req.Messages, req.SystemPrompt)
	if err != nil {
		writeJSON(w, assistResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, assistResponse{Success: true, Reply: reply})
}

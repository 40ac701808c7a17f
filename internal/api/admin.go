package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"studyhall/internal/auth"
	"studyhall/internal/chat"
	"studyhall/internal/content"
	"studyhall/internal/models"
	"studyhall/internal/notify"
	"studyhall/internal/presence"
)

// AdminStore is what the admin surface needs beyond the auth service.
type AdminStore interface {
	GetUser(id string) (models.User, error)
	SetUserStatus(id string, status models.UserStatus) error
}

// AdminHandler serves the management listener. It binds to a separate
// local address, so there is no per-request user identity here.
type AdminHandler struct {
	authService *auth.AuthService
	chat        *chat.Service
	presence    *presence.Tracker
	digest      *notify.Digest
	store       AdminStore
	baseURL     string
}

func NewAdminHandler(
	authService *auth.AuthService,
	chatSvc *chat.Service,
	tracker *presence.Tracker,
	digest *notify.Digest,
	store AdminStore,
	baseURL string,
) *AdminHandler {
	return &AdminHandler{
		authService: authService,
		chat:        chatSvc,
		presence:    tracker,
		digest:      digest,
		store:       store,
		baseURL:     baseURL,
	}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	IsAdmin     bool   `json:"isAdmin,omitempty"`
}

type AddUserResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Username  string `json:"username,omitempty"`
	SetupLink string `json:"setupLink,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	// The account starts with an unguessable password; the setup link
	// is the only way in until the user picks their own.
	tempPassword, err := randomSecret()
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	_, err = h.authService.AddUser(models.User{
		UserName:    req.Username,
		DisplayName: displayName,
		Email:       req.Email,
		IsAdmin:     req.IsAdmin,
	}, tempPassword)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	writeJSON(w, AddUserResponse{
		Success:   true,
		Username:  req.Username,
		SetupLink: h.setupLink(req.Username),
	})
}

func (h *AdminHandler) setupLink(username string) string {
	token, err := h.authService.CreateSetupToken(username)
	if err != nil {
		return ""
	}
	base := strings.TrimRight(h.baseURL, "/")
	return fmt.Sprintf("%s/setup.html?token=%s", base, url.QueryEscape(token))
}

func (h *AdminHandler) ResetUserPasswordHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	token, err := h.authService.CreateSetupToken(username)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(models.APIResponse{
			Success: false,
			Message: "User not found",
		})
		return
	}

	base := strings.TrimRight(h.baseURL, "/")
	writeJSON(w, AddUserResponse{
		Success:   true,
		Username:  username,
		Message:   fmt.Sprintf("Password reset link issued for %s", username),
		SetupLink: fmt.Sprintf("%s/setup.html?token=%s", base, url.QueryEscape(token)),
	})
}

func (h *AdminHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetUser(userID); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(models.APIResponse{
			Success: false,
			Message: "User not found",
		})
		return
	}

	if err := h.store.SetUserStatus(userID, models.UserStatusDeleted); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(models.APIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to delete user: %v", err),
		})
		return
	}

	writeJSON(w, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("User %s deleted", userID),
	})
}

// AnnouncementHandler sets or clears the alert/fyi banner.
func (h *AdminHandler) AnnouncementHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.chat.PostAnnouncement(models.AnnouncementKind(req.Kind), req.Message); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, models.APIResponse{Success: true})
}

func (h *AdminHandler) ClearChannelHandler(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if err := h.chat.WipeChannel(channel); err != nil {
		http.Error(w, "Failed to clear channel", http.StatusInternalServerError)
		return
	}
	writeJSON(w, models.APIResponse{Success: true})
}

// SweepHandler runs the stale-presence sweep on demand.
func (h *AdminHandler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	removed, kept, err := h.presence.Sweep(r.Context())
	if err != nil {
		http.Error(w, "Sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Success bool `json:"success"`
		Removed int  `json:"removed"`
		Kept    int  `json:"kept"`
	}{Success: true, Removed: removed, Kept: kept})
}

// DigestHandler runs the welcome-email batch on demand.
func (h *AdminHandler) DigestHandler(w http.ResponseWriter, r *http.Request) {
	if h.digest == nil {
		http.Error(w, "Email is not configured", http.StatusServiceUnavailable)
		return
	}
	sent, failed, err := h.digest.Run(r.Context())
	if err != nil {
		http.Error(w, "Digest failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Success bool `json:"success"`
		Sent    int  `json:"sent"`
		Failed  int  `json:"failed"`
	}{Success: true, Sent: sent, Failed: failed})
}

func randomSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

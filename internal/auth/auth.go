// Package auth issues and validates session tokens. Credentials live
// in persistent storage; a write-through cache in front of it keeps
// the login path off the database and tracks failed-attempt counters.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"studyhall/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists = errors.New("user already exists")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

type UserCredentials struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	// Consecutive failed login attempts, used to throttle brute force.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// UserStore is the persistence behind the credential cache.
type UserStore interface {
	UpsertUser(user models.User, passwordHash string) error
	GetUserByName(username string) (models.User, string, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

const setupTokenExpiry = 24 * time.Hour

type AuthService struct {
	Config
	store      UserStore
	users      *geche.Locker[string, *UserCredentials]
	liveTokens geche.Geche[string, string]
	// One-time account-setup tokens handed out by the admin, mapped to
	// the username they unlock.
	setupTokens geche.Geche[string, string]
	now         func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store UserStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:      config,
		store:       store,
		users:       geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		liveTokens:  geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		setupTokens: geche.NewMapTTLCache[string, string](ctx, setupTokenExpiry, time.Minute),
		now:         time.Now,
	}
	return as, nil
}

// pepper keys the password with the server secret before bcrypt, so a
// leaked database alone is not enough to crack offline. It also keeps
// the bcrypt input under its 72-byte limit.
func (as *AuthService) pepper(username, password string) []byte {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(username + password))
	sum := h.Sum(nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum)
	return out[:64]
}

// AddUser registers a new account and persists it. The caller decides
// the initial profile (display name, email, admin flag).
func (as *AuthService) AddUser(user models.User, password string) (models.User, error) {
	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(user.UserName); err == nil {
		return models.User{}, ErrUserExists
	}
	if _, _, err := as.store.GetUserByName(user.UserName); err == nil {
		return models.User{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword(as.pepper(user.UserName, password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Status == "" {
		user.Status = models.UserStatusCreated
	}
	if err := as.store.UpsertUser(user, string(hash)); err != nil {
		return models.User{}, fmt.Errorf("failed to persist user: %w", err)
	}

	tx.Set(user.UserName, &UserCredentials{
		UserID:       user.ID,
		Username:     user.UserName,
		PasswordHash: string(hash),
	})

	return user, nil
}

// SetPassword replaces the stored password hash, e.g. when a user
// finishes account setup with a link from the admin.
func (as *AuthService) SetPassword(username, password string) error {
	user, _, err := as.store.GetUserByName(username)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword(as.pepper(username, password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := as.store.UpsertUser(user, string(hash)); err != nil {
		return fmt.Errorf("failed to persist password: %w", err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	tx.Set(username, &UserCredentials{
		UserID:       user.ID,
		Username:     username,
		PasswordHash: string(hash),
	})
	return nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		user, err = as.loadCredentials(req.Username)
		if err != nil {
			return LoginResponse{
				Success: false,
				Message: loginFailedMessage,
			}, ""
		}
		tx.Set(req.Username, user)
	}

	// Quadratic backoff after a few failures.
	if user.FailedLoginAttempts > 3 {
		lastAttempt := user.LastAttemptTime
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := lastAttempt + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), as.pepper(req.Username, req.Password)) != nil {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	as.liveTokens.Set(token, user.UserID)
	user.ResetFailedLoginAttempts(now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
	}, user.UserID
}

func (as *AuthService) loadCredentials(username string) (*UserCredentials, error) {
	user, hash, err := as.store.GetUserByName(username)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, errors.New("account has no password set")
	}
	return &UserCredentials{
		UserID:       user.ID,
		Username:     username,
		PasswordHash: hash,
	}, nil
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// CreateSetupToken issues a one-time token for the account-setup link
// handed to a new or reset user.
func (as *AuthService) CreateSetupToken(username string) (string, error) {
	if _, _, err := as.store.GetUserByName(username); err != nil {
		return "", err
	}
	token, err := as.generateToken()
	if err != nil {
		return "", err
	}
	as.setupTokens.Set(token, username)
	return token, nil
}

// FinishSetup consumes a setup token and sets the account's password.
func (as *AuthService) FinishSetup(token, password string) (string, error) {
	username, err := as.setupTokens.Get(token)
	if err != nil {
		return "", errors.New("setup link is invalid or expired")
	}
	if err := as.SetPassword(username, password); err != nil {
		return "", err
	}
	_ = as.setupTokens.Del(token)
	return username, nil
}

// GetUserID resolves a live session token to the user id that owns it.
func (as *AuthService) GetUserID(token string) (string, error) {
	return as.liveTokens.Get(token)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"studyhall/internal/api"
	"studyhall/internal/auth"
	"studyhall/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	dbFile := "integration_test.db"
	_ = os.Remove(dbFile) // cleanup before
	defer func() { _ = os.Remove(dbFile) }()

	siteDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "index.html"), []byte("<html>studyhall</html>"), 0o644))

	adminAddr := "127.0.0.1:8888"
	apiAddr := ":8887"

	env := map[string]string{
		"STUDYHALL_DB":     dbFile,
		"ADMIN_ADDR":       adminAddr,
		"API_ADDR":         apiAddr,
		"AUTH_SECRET":      "very-secure-test-secret",
		"SITE_DIR":         siteDir,
		"CACHE_VERSION":    "v1",
		"OFFLINE_PATH":     "/index.html",
		"PRECACHE_PATHS":   "/index.html",
		"REVALIDATE_PATHS": "/index.html",
	}
	for k, v := range env {
		_ = os.Setenv(k, v)
	}
	defer func() {
		for k := range env {
			_ = os.Unsetenv(k)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, ""); err != nil {
			if err != context.Canceled {
				t.Errorf("Server error: %v", err)
			}
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/users", adminAddr), 20)

	client := &http.Client{}
	apiBase := fmt.Sprintf("http://localhost%s", apiAddr)

	// Step 0: the site shell is served through the cache gateway.
	{
		req, _ := http.NewRequest("GET", apiBase+"/index.html", nil)
		req.Header.Set("Accept", "text/html")
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Step 1: create two users via the admin API and finish setup.
	aliceToken := createUserAndLogin(t, client, adminAddr, apiBase, "alice", "alicepass")
	bobToken := createUserAndLogin(t, client, adminAddr, apiBase, "bob", "bobpass")

	alice := fetchMe(t, client, apiBase, aliceToken)
	bob := fetchMe(t, client, apiBase, bobToken)
	require.NotEmpty(t, alice.ID)
	require.NotEmpty(t, bob.ID)

	// Step 2: connect both over websocket.
	aliceWS := dialWS(t, apiAddr, aliceToken)
	defer func() { _ = aliceWS.Close() }()
	bobWS := dialWS(t, apiAddr, bobToken)
	defer func() { _ = bobWS.Close() }()

	// Both should see a roster that eventually contains two entries.
	frame := readFrameOfType(t, bobWS, models.ServerMessageTypeRoster)
	require.NotEmpty(t, frame.Roster)

	// Step 3: group message reaches everyone and lands in history.
	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{
		Type: models.ClientMessageTypeSend,
		Text: "hello lounge",
	}))

	frame = readFrameOfType(t, bobWS, models.ServerMessageTypeMessages)
	require.Len(t, frame.Messages, 1)
	require.Equal(t, "hello lounge", frame.Messages[0].Text)
	require.Equal(t, "alice", frame.Messages[0].UserName)

	var history []models.Message
	getJSON(t, client, apiBase+"/api/history", aliceToken, &history)
	require.Len(t, history, 1)
	require.Equal(t, "hello lounge", history[0].Text)

	// Step 4: direct message flows to the partner with an unread badge.
	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{
		Type:      models.ClientMessageTypeDirect,
		PartnerID: bob.ID,
		Text:      "psst bob",
	}))

	frame = readFrameOfType(t, bobWS, models.ServerMessageTypeDirect)
	require.Len(t, frame.DirectMessages, 1)
	require.Equal(t, "psst bob", frame.DirectMessages[0].Text)
	convID := frame.ConversationID
	require.NotEmpty(t, convID)

	var conversations []models.Conversation
	getJSON(t, client, apiBase+"/api/conversations", bobToken, &conversations)
	require.Len(t, conversations, 1)
	require.True(t, conversations[0].Unread)

	// Sender never sees their own badge. Unread is omitempty, so reset
	// the slice before decoding or the previous element's value leaks.
	conversations = nil
	getJSON(t, client, apiBase+"/api/conversations", aliceToken, &conversations)
	require.Len(t, conversations, 1)
	require.False(t, conversations[0].Unread)

	// Mark read clears the badge.
	markBody, _ := json.Marshal(map[string]string{"conversationId": convID})
	postJSON(t, client, apiBase+"/api/mark-read", bobToken, markBody)

	conversations = nil
	getJSON(t, client, apiBase+"/api/conversations", bobToken, &conversations)
	require.Len(t, conversations, 1)
	require.False(t, conversations[0].Unread)

	// Step 5: admin announcement shows up for users.
	annBody, _ := json.Marshal(map[string]string{"kind": "alert", "message": "maintenance at noon"})
	resp, err := client.Post(fmt.Sprintf("http://%s/admin/announcement", adminAddr), "application/json", bytes.NewBuffer(annBody))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var announcements []models.Announcement
	getJSON(t, client, apiBase+"/api/announcements", aliceToken, &announcements)
	require.Len(t, announcements, 1)
	require.Equal(t, "maintenance at noon", announcements[0].Message)

	// Step 6: deleted users lose access.
	req, _ := http.NewRequest("DELETE", fmt.Sprintf("http://%s/admin/users?id=%s", adminAddr, bob.ID), nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reqMe, _ := http.NewRequest("GET", apiBase+"/api/me", nil)
	reqMe.AddCookie(&http.Cookie{Name: "token", Value: bobToken})
	respMe, err := client.Do(reqMe)
	require.NoError(t, err)
	_ = respMe.Body.Close()
	require.Equal(t, http.StatusUnauthorized, respMe.StatusCode)
}

func createUserAndLogin(t *testing.T, client *http.Client, adminAddr, apiBase, username, password string) string {
	t.Helper()

	reqBody, _ := json.Marshal(api.AddUserRequest{Username: username})
	resp, err := client.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewBuffer(reqBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var adminResp api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&adminResp))
	require.True(t, adminResp.Success)
	require.NotEmpty(t, adminResp.SetupLink)

	u, err := url.Parse(adminResp.SetupLink)
	require.NoError(t, err)
	setupToken := u.Query().Get("token")
	require.NotEmpty(t, setupToken)

	setupBody, _ := json.Marshal(map[string]string{"token": setupToken, "password": password})
	resp2, err := client.Post(apiBase+"/api/setup", "application/json", bytes.NewBuffer(setupBody))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	loginBody, _ := json.Marshal(auth.LoginRequest{Username: username, Password: password})
	reqLogin, _ := http.NewRequest("POST", apiBase+"/api/login", bytes.NewBuffer(loginBody))
	reqLogin.Header.Set("Content-Type", "application/json")
	resp3, err := client.Do(reqLogin)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	require.NotEmpty(t, loginResp.Token)
	return loginResp.Token
}

func fetchMe(t *testing.T, client *http.Client, apiBase, token string) models.User {
	t.Helper()
	var user models.User
	getJSON(t, client, apiBase+"/api/me", token, &user)
	return user
}

func getJSON(t *testing.T, client *http.Client, url, token string, out any) {
	t.Helper()
	req, _ := http.NewRequest("GET", url, nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func postJSON(t *testing.T, client *http.Client, url, token string, body []byte) {
	t.Helper()
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func dialWS(t *testing.T, apiAddr, token string) *websocket.Conn {
	t.Helper()
	wsURL := fmt.Sprintf("ws://localhost%s/api/chat?token=%s", apiAddr, url.QueryEscape(token))
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	require.NoError(t, err)
	return conn
}

// readFrameOfType skips frames of other types; roster updates arrive
// interleaved with everything else.
func readFrameOfType(t *testing.T, conn *websocket.Conn, want models.ServerMessageType) models.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var frame models.ServerMessage
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == want {
			return frame
		}
		require.True(t, time.Now().Before(deadline), "no %s frame before deadline", want)
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/adapters"
	"github.com/trolyvn/troly/server/adapters/backend"
	"github.com/trolyvn/troly/server/adapters/stt"
	"github.com/trolyvn/troly/server/adapters/tts"
	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/internal/auth"
	"github.com/trolyvn/troly/server/internal/flow"
	"github.com/trolyvn/troly/server/internal/websocket"
	"github.com/trolyvn/troly/server/usecase"
)

type apiFixture struct {
	server   *httptest.Server
	archive  *adapters.MemoryConversationArchive
	recorder *flow.Recorder
}

func setupTestServer(t *testing.T) *apiFixture {
	logger := zap.NewNop()

	archive := adapters.NewMemoryConversationArchive()
	recorder := flow.NewRecorder(100)
	hub := websocket.NewHub(
		stt.NewMockRecognizer(logger),
		tts.NewMockSynthesizer(logger),
		backend.NewMockBackend(),
		archive,
		recorder,
		usecase.Config{},
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	InitRoutes(e, hub, tts.NewMockSynthesizer(logger), archive, recorder, logger)
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &apiFixture{
		server:   server,
		archive:  archive,
		recorder: recorder,
	}
}

func (f *apiFixture) guestToken(t *testing.T) (string, string) {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/api/v1/auth/guest", "application/json", nil)
	if err != nil {
		t.Fatalf("Guest auth request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Guest auth status = %d, want 200", resp.StatusCode)
	}

	var body GuestAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode guest auth response: %v", err)
	}
	return body.Token, body.UserID
}

func (f *apiFixture) getWithToken(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request %s failed: %v", path, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	fixture := setupTestServer(t)

	resp, err := http.Get(fixture.server.URL + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["service"] != "troly-server" {
		t.Errorf("service = %v, want troly-server", body["service"])
	}
}

func TestGuestAuth(t *testing.T) {
	fixture := setupTestServer(t)

	token, userID := fixture.guestToken(t)
	if token == "" || userID == "" {
		t.Fatal("Guest auth returned empty token or user ID")
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Guest token does not validate: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("Token user ID = %s, want %s", claims.UserID, userID)
	}
	if claims.Role != "guest" {
		t.Errorf("Token role = %s, want guest", claims.Role)
	}
}

func TestListVoices(t *testing.T) {
	fixture := setupTestServer(t)

	resp, err := http.Get(fixture.server.URL + "/api/v1/voices")
	if err != nil {
		t.Fatalf("Voices request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}

	var body VoicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode voices response: %v", err)
	}
	if len(body.Voices) == 0 {
		t.Error("Voice catalog is empty")
	}
}

func TestConversations_RequireAuth(t *testing.T) {
	fixture := setupTestServer(t)

	resp := fixture.getWithToken(t, "/api/v1/conversations", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Status without token = %d, want 401", resp.StatusCode)
	}

	resp = fixture.getWithToken(t, "/api/v1/conversations", "not-a-jwt")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Status with bad token = %d, want 401", resp.StatusCode)
	}
}

func TestConversations_ListAndGet(t *testing.T) {
	fixture := setupTestServer(t)
	token, userID := fixture.guestToken(t)

	ctx := context.Background()
	mine := entities.NewConversationRecord(userID, "conv-1", "vi-VN",
		time.Now().Add(-time.Minute), []entities.Message{
			{ID: "m1", Role: entities.MessageRoleUser, Text: "Xin chào", IsFinal: true},
		})
	theirs := entities.NewConversationRecord("someone-else", "conv-2", "vi-VN",
		time.Now().Add(-time.Minute), []entities.Message{
			{ID: "m2", Role: entities.MessageRoleUser, Text: "Của người khác", IsFinal: true},
		})
	if err := fixture.archive.Save(ctx, mine); err != nil {
		t.Fatalf("Failed to seed archive: %v", err)
	}
	if err := fixture.archive.Save(ctx, theirs); err != nil {
		t.Fatalf("Failed to seed archive: %v", err)
	}

	resp := fixture.getWithToken(t, "/api/v1/conversations", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List status = %d, want 200", resp.StatusCode)
	}
	var list ConversationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list.Conversations) != 1 {
		t.Fatalf("Listed %d conversations, want 1", len(list.Conversations))
	}
	if list.Conversations[0].ID != mine.ID {
		t.Errorf("Listed record %s, want %s", list.Conversations[0].ID, mine.ID)
	}

	resp = fixture.getWithToken(t, "/api/v1/conversations/"+mine.ID, token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Get own record status = %d, want 200", resp.StatusCode)
	}

	// Another user's record is indistinguishable from a missing one.
	resp = fixture.getWithToken(t, "/api/v1/conversations/"+theirs.ID, token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Get foreign record status = %d, want 404", resp.StatusCode)
	}

	resp = fixture.getWithToken(t, "/api/v1/conversations/no-such-id", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Get missing record status = %d, want 404", resp.StatusCode)
	}
}

func TestFlowExport(t *testing.T) {
	fixture := setupTestServer(t)
	fixture.recorder.Record("session", "started", map[string]interface{}{"language": "vi-VN"})

	resp, err := http.Get(fixture.server.URL + "/api/v1/flow")
	if err != nil {
		t.Fatalf("Flow request failed: %v", err)
	}
	defer resp.Body.Close()

	var events []flow.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("Failed to decode flow export: %v", err)
	}
	if len(events) != 1 || events[0].Label != "started" {
		t.Errorf("Unexpected flow export: %+v", events)
	}

	resp, err = http.Get(fixture.server.URL + "/api/v1/flow?format=text")
	if err != nil {
		t.Fatalf("Flow text request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read flow text: %v", err)
	}
	if !strings.Contains(string(body), "[session#1] started") {
		t.Errorf("Flow text missing event line, got: %s", body)
	}
}

func TestWebSocketAuth(t *testing.T) {
	fixture := setupTestServer(t)
	token, _ := fixture.guestToken(t)

	wsURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/ws"

	// Without a token the upgrade must be refused.
	_, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Error("WebSocket connection should fail without token")
	}

	ws, _, err := gorilla.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	ws.Close()
}

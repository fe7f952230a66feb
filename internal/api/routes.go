package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/repositories"
	"github.com/trolyvn/troly/server/internal/auth"
	"github.com/trolyvn/troly/server/internal/flow"
	"github.com/trolyvn/troly/server/internal/websocket"
)

// InitRoutes initializes all API routes
func InitRoutes(
	e *echo.Echo,
	hub *websocket.Hub,
	synthesizer repositories.SpeechSynthesizer,
	archive repositories.ConversationArchive,
	recorder *flow.Recorder,
	logger *zap.Logger,
) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "troly-server",
			"clients": hub.ClientCount(),
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Authentication APIs
	v1.POST("/auth/guest", func(c echo.Context) error {
		return guestAuth(c, logger)
	})

	// Voice catalog APIs
	v1.GET("/voices", func(c echo.Context) error {
		return listVoices(c, synthesizer, logger)
	})

	// Conversation History APIs
	v1.GET("/conversations", func(c echo.Context) error {
		return listConversations(c, archive, logger)
	})
	v1.GET("/conversations/:id", func(c echo.Context) error {
		return getConversation(c, archive, logger)
	})

	// Diagnostic flow export
	v1.GET("/flow", func(c echo.Context) error {
		return exportFlow(c, recorder)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, c, logger)
	})
}

// guestAuth mints an anonymous identity so a browser can open a session
// without an account.
func guestAuth(c echo.Context, logger *zap.Logger) error {
	userID := uuid.NewString()

	token, err := auth.GenerateGuestToken(userID)
	if err != nil {
		logger.Error("Failed to generate guest token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Guest authenticated", zap.String("user_id", userID))

	return c.JSON(http.StatusOK, GuestAuthResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(auth.GuestTokenTTL),
		UserID:    userID,
	})
}

func listVoices(c echo.Context, synthesizer repositories.SpeechSynthesizer, logger *zap.Logger) error {
	voices, err := synthesizer.Voices(c.Request().Context())
	if err != nil {
		logger.Error("Failed to list voices", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "voices_unavailable",
			Message: "Failed to load the voice catalog",
		})
	}

	return c.JSON(http.StatusOK, VoicesResponse{Voices: voices})
}

func listConversations(c echo.Context, archive repositories.ConversationArchive, logger *zap.Logger) error {
	claims, ok := requireToken(c)
	if !ok {
		return nil
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := archive.ListByUser(c.Request().Context(), claims.UserID, limit)
	if err != nil {
		logger.Error("Failed to list conversations",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "archive_error",
			Message: "Failed to load conversations",
		})
	}

	return c.JSON(http.StatusOK, ConversationsResponse{Conversations: records})
}

func getConversation(c echo.Context, archive repositories.ConversationArchive, logger *zap.Logger) error {
	claims, ok := requireToken(c)
	if !ok {
		return nil
	}

	record, err := archive.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		logger.Error("Failed to get conversation",
			zap.String("record_id", c.Param("id")),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "archive_error",
			Message: "Failed to load the conversation",
		})
	}

	// A record belonging to someone else looks exactly like a missing one.
	if record == nil || record.UserID != claims.UserID {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Conversation not found",
		})
	}

	return c.JSON(http.StatusOK, record)
}

// exportFlow dumps the diagnostic recorder, as JSON by default or as
// the line format with ?format=text.
func exportFlow(c echo.Context, recorder *flow.Recorder) error {
	if c.QueryParam("format") == "text" {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
		c.Response().WriteHeader(http.StatusOK)
		return recorder.WriteText(c.Response())
	}
	return c.JSON(http.StatusOK, recorder.Snapshot())
}

// requireToken validates the request's JWT. On failure it writes the
// 401 response itself and reports false.
func requireToken(c echo.Context) (*auth.JWTClaims, bool) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
		return nil, false
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
		return nil, false
	}
	if claims.UserID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "User ID not found in token",
		})
		return nil, false
	}

	return claims, true
}

// bearerToken extracts the JWT from the Authorization header, falling
// back to the token query parameter because the browser WebSocket API
// cannot set headers.
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return c.QueryParam("token")
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, c echo.Context, logger *zap.Logger) error {
	claims, ok := requireToken(c)
	if !ok {
		logger.Warn("WebSocket connection rejected")
		return nil
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("user_id", claims.UserID),
		zap.String("role", claims.Role))

	return websocket.HandleWebSocket(hub, c, claims.UserID, logger)
}

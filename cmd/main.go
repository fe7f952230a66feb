package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/adapters"
	"github.com/trolyvn/troly/server/adapters/backend"
	"github.com/trolyvn/troly/server/adapters/mongo"
	"github.com/trolyvn/troly/server/adapters/stt"
	"github.com/trolyvn/troly/server/adapters/tts"
	"github.com/trolyvn/troly/server/domain/repositories"
	"github.com/trolyvn/troly/server/internal/api"
	"github.com/trolyvn/troly/server/internal/flow"
	"github.com/trolyvn/troly/server/internal/websocket"
	"github.com/trolyvn/troly/server/usecase"
)

func main() {
	godotenv.Load()

	// Initialize logger
	logger, _ := zap.NewProduction()
	if os.Getenv("ENV") == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize adapters
	recognizer := buildRecognizer(logger)
	synthesizer := buildSynthesizer(logger)
	conversation := buildBackend(logger)
	archive, mongoClient := buildArchive(logger)

	// Flow recorder keeps the recent pipeline trace for /flow and the
	// subscribe_flow stream.
	recorder := flow.NewRecorder(flow.DefaultCapacity)

	config := usecase.DefaultConfig()
	if lang := os.Getenv("LANGUAGE"); lang != "" {
		config.Language = lang
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(recognizer, synthesizer, conversation, archive, recorder, config, logger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	// Archive retention janitor
	retention := usecase.NewArchiveRetention(archive, recorder, logger, retentionMaxAge())
	retention.Start()

	// Initialize API routes
	api.InitRoutes(e, hub, synthesizer, archive, recorder, logger)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("port", port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close hub clients first so every socket gets a close frame before
	// the HTTP listener goes away.
	hubCancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	retention.Stop()

	if mongoClient != nil {
		if err := mongoClient.Close(ctx); err != nil {
			logger.Error("Failed to close MongoDB connection", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// buildRecognizer selects the speech-to-text provider from STT_PROVIDER.
func buildRecognizer(logger *zap.Logger) repositories.SpeechRecognizer {
	provider := strings.ToLower(os.Getenv("STT_PROVIDER"))
	switch provider {
	case "google":
		return stt.NewGoogleRecognizer(logger)
	case "", "mock":
		logger.Warn("Using mock speech recognizer, set STT_PROVIDER=google for real recognition")
		return stt.NewMockRecognizer(logger)
	default:
		logger.Fatal("Unknown STT_PROVIDER", zap.String("provider", provider))
		return nil
	}
}

// buildSynthesizer selects the text-to-speech provider from TTS_PROVIDER.
func buildSynthesizer(logger *zap.Logger) repositories.SpeechSynthesizer {
	provider := strings.ToLower(os.Getenv("TTS_PROVIDER"))
	switch provider {
	case "elevenlabs":
		synthesizer, err := tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to create Eleven Labs synthesizer", zap.Error(err))
		}
		return synthesizer
	case "", "mock":
		logger.Warn("Using mock speech synthesizer, set TTS_PROVIDER=elevenlabs for real audio")
		return tts.NewMockSynthesizer(logger)
	default:
		logger.Fatal("Unknown TTS_PROVIDER", zap.String("provider", provider))
		return nil
	}
}

// buildBackend selects the conversation backend from BACKEND_PROVIDER.
func buildBackend(logger *zap.Logger) repositories.ConversationBackend {
	provider := strings.ToLower(os.Getenv("BACKEND_PROVIDER"))
	switch provider {
	case "dify":
		difyBackend, err := backend.NewDifyBackend(backend.NewDifyConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to create Dify backend", zap.Error(err))
		}
		return difyBackend
	case "gemini":
		geminiBackend, err := backend.NewGeminiBackend(backend.NewGeminiConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to create Gemini backend", zap.Error(err))
		}
		return geminiBackend
	case "", "mock":
		logger.Warn("Using mock conversation backend, set BACKEND_PROVIDER=dify or gemini for real replies")
		return backend.NewMockBackend()
	default:
		logger.Fatal("Unknown BACKEND_PROVIDER", zap.String("provider", provider))
		return nil
	}
}

// buildArchive prefers MongoDB when MONGODB_URI is set and falls back to
// the in-memory archive otherwise. The client is nil for the in-memory
// case.
func buildArchive(logger *zap.Logger) (repositories.ConversationArchive, *mongo.Client) {
	if os.Getenv("MONGODB_URI") == "" {
		logger.Warn("MONGODB_URI not set, conversations are archived in memory only")
		return adapters.NewMemoryConversationArchive(), nil
	}

	client, err := mongo.NewClient(logger)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	return mongo.NewConversationRepository(client.Database, logger), client
}

// retentionMaxAge reads ARCHIVE_RETENTION_DAYS; zero lets the janitor
// use its default.
func retentionMaxAge() time.Duration {
	if daysStr := os.Getenv("ARCHIVE_RETENTION_DAYS"); daysStr != "" {
		if days, err := strconv.Atoi(daysStr); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	return 0
}

package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
)

const (
	defaultGeminiModel          = "gemini-2.0-flash"
	defaultGeminiTemperature    = 0.7
	defaultGeminiTopP           = 0.95
	defaultGeminiTopK           = 40
	defaultGeminiMaxTokens      = 512
	defaultGeminiTimeoutSeconds = 30

	geminiMaxAttempts = 3

	// historyLimit caps the per-conversation turn memory. Two entries
	// per turn, so this keeps the last 16 turns.
	historyLimit = 32
)

// geminiSystemPrompt steers the model toward short spoken answers. The
// replies are read aloud, so markdown and long enumerations are out.
const geminiSystemPrompt = `Bạn là một trợ lý giọng nói thân thiện. ` +
	`Trả lời ngắn gọn bằng tiếng Việt tự nhiên, tối đa ba câu, ` +
	`không dùng markdown, không liệt kê dài. ` +
	`Nếu người dùng hỏi bằng ngôn ngữ khác, trả lời bằng ngôn ngữ đó.`

var geminiSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
}

// GeminiConfig holds configuration for the Gemini backend.
// Required fields:
// - APIKey: Google AI API key
type GeminiConfig struct {
	APIKey          string  // Required: Google AI API key
	Model           string  // Optional: model name
	Temperature     float32 // Optional: sampling temperature between 0 and 1
	TopP            float32 // Optional: nucleus sampling between 0 and 1
	TopK            float32 // Optional: top-k sampling
	MaxOutputTokens int     // Optional: completion length cap
	TimeoutSeconds  int     // Optional: per-request timeout
}

// NewGeminiConfigFromEnv creates a GeminiConfig from environment variables.
func NewGeminiConfigFromEnv() GeminiConfig {
	config := GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}

	if temperatureStr := os.Getenv("GEMINI_TEMPERATURE"); temperatureStr != "" {
		if temperature, err := strconv.ParseFloat(temperatureStr, 32); err == nil && temperature >= 0 && temperature <= 1 {
			config.Temperature = float32(temperature)
		}
	}

	if maxTokensStr := os.Getenv("GEMINI_MAX_OUTPUT_TOKENS"); maxTokensStr != "" {
		if maxTokens, err := strconv.Atoi(maxTokensStr); err == nil && maxTokens > 0 {
			config.MaxOutputTokens = maxTokens
		}
	}

	if timeoutStr := os.Getenv("GEMINI_TIMEOUT_SECONDS"); timeoutStr != "" {
		if seconds, err := strconv.Atoi(timeoutStr); err == nil && seconds > 0 {
			config.TimeoutSeconds = seconds
		}
	}

	return config
}

// ValidateGeminiConfig validates the GeminiConfig.
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}
	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}
	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}
	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("maxOutputTokens must be positive, got %d", config.MaxOutputTokens)
	}
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}
	return nil
}

// GeminiBackend implements ConversationBackend using Google's Gemini
// API. It is the blocking variant: no chunk events, one completed event
// with the whole answer. Conversation history lives in memory, keyed by
// conversation ID.
type GeminiBackend struct {
	client          *genai.Client
	logger          *zap.Logger
	model           string
	temperature     float32
	topP            float32
	topK            float32
	maxOutputTokens int
	timeout         time.Duration

	mu        sync.Mutex
	histories map[string][]*genai.Content
}

// Ensure GeminiBackend implements the ConversationBackend interface
var _ repositories.ConversationBackend = (*GeminiBackend)(nil)

// NewGeminiBackend creates a new Gemini backend instance.
func NewGeminiBackend(config GeminiConfig, logger *zap.Logger) (*GeminiBackend, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", model))
	}

	temperature := config.Temperature
	if temperature == 0 {
		temperature = defaultGeminiTemperature
	}
	topP := config.TopP
	if topP == 0 {
		topP = defaultGeminiTopP
	}
	topK := config.TopK
	if topK == 0 {
		topK = defaultGeminiTopK
	}
	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens == 0 {
		maxOutputTokens = defaultGeminiMaxTokens
	}
	timeoutSeconds := config.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultGeminiTimeoutSeconds
	}

	return &GeminiBackend{
		client:          client,
		logger:          logger,
		model:           model,
		temperature:     temperature,
		topP:            topP,
		topK:            topK,
		maxOutputTokens: maxOutputTokens,
		timeout:         time.Duration(timeoutSeconds) * time.Second,
		histories:       make(map[string][]*genai.Content),
	}, nil
}

// Send runs one blocking completion. The returned channel carries a
// single terminal event and is then closed.
func (g *GeminiBackend) Send(ctx context.Context, req repositories.BackendRequest) (<-chan repositories.BackendEvent, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	events := make(chan repositories.BackendEvent, 1)
	go g.generate(ctx, req, events)
	return events, nil
}

func (g *GeminiBackend) generate(ctx context.Context, req repositories.BackendRequest, events chan<- repositories.BackendEvent) {
	defer close(events)

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	userContent := genai.NewContentFromText(req.Query, genai.RoleUser)

	// System prompt first, then history, then the current turn.
	var contents []*genai.Content
	contents = append(contents, genai.NewContentFromText(geminiSystemPrompt, genai.RoleUser))
	contents = append(contents, g.history(conversationID)...)
	contents = append(contents, userContent)

	config := &genai.GenerateContentConfig{
		SafetySettings:  geminiSafetySettings,
		Temperature:     genai.Ptr(g.temperature),
		TopP:            genai.Ptr(g.topP),
		TopK:            genai.Ptr(g.topK),
		MaxOutputTokens: int32(g.maxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 1; attempt <= geminiMaxAttempts; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err == nil {
			break
		}

		g.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < geminiMaxAttempts {
			select {
			case <-ctx.Done():
				events <- errorEvent(ctx.Err())
				return
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		g.logger.Error("Gemini request failed after retries", zap.Error(err))
		events <- errorEvent(fmt.Errorf("gemini request failed: %w", err))
		return
	}

	answer := extractText(response)
	if answer == "" {
		g.logger.Warn("Empty Gemini completion", zap.String("conversationID", conversationID))
		events <- errorEvent(fmt.Errorf("gemini returned no content"))
		return
	}

	g.appendHistory(conversationID, userContent, genai.NewContentFromText(answer, genai.RoleModel))

	usage := &entities.BackendUsage{Latency: time.Since(start).Seconds()}
	if meta := response.UsageMetadata; meta != nil {
		usage.PromptTokens = int(meta.PromptTokenCount)
		usage.CompletionTokens = int(meta.CandidatesTokenCount)
		usage.TotalTokens = int(meta.TotalTokenCount)
	}

	g.logger.Info("Gemini turn completed",
		zap.String("conversationID", conversationID),
		zap.Int("answerLength", len(answer)),
		zap.Float64("latency", usage.Latency))

	events <- completedEvent(answer, conversationID, usage)
}

func (g *GeminiBackend) history(conversationID string) []*genai.Content {
	g.mu.Lock()
	defer g.mu.Unlock()
	stored := g.histories[conversationID]
	out := make([]*genai.Content, len(stored))
	copy(out, stored)
	return out
}

func (g *GeminiBackend) appendHistory(conversationID string, turns ...*genai.Content) {
	g.mu.Lock()
	defer g.mu.Unlock()
	history := append(g.histories[conversationID], turns...)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	g.histories[conversationID] = history
}

// Forget drops the in-memory history of one conversation.
func (g *GeminiBackend) Forget(conversationID string) {
	g.mu.Lock()
	delete(g.histories, conversationID)
	g.mu.Unlock()
}

func extractText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text
}

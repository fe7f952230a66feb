// Package backend provides ConversationBackend implementations: the
// streaming Dify adapter, the blocking Gemini adapter, and a scripted
// mock for tests and offline demos.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
)

const (
	defaultDifyTimeout = 120 * time.Second

	// doneSentinel is the non-JSON end marker some gateways append after
	// the last event.
	doneSentinel = "[DONE]"
)

// DifyConfig holds configuration for the Dify streaming backend.
// Required fields:
// - APIURL: Base URL of the Dify API, e.g. "https://api.dify.ai/v1"
// - APIKey: The Dify app API key
type DifyConfig struct {
	APIURL  string        // Required: base URL of the Dify API
	APIKey  string        // Required: app API key
	Timeout time.Duration // Optional: whole-stream timeout
}

// NewDifyConfigFromEnv creates a DifyConfig from environment variables.
func NewDifyConfigFromEnv() DifyConfig {
	config := DifyConfig{
		APIURL: os.Getenv("DIFY_API_URL"),
		APIKey: os.Getenv("DIFY_API_KEY"),
	}

	if timeoutStr := os.Getenv("DIFY_TIMEOUT_SECONDS"); timeoutStr != "" {
		if seconds, err := strconv.Atoi(timeoutStr); err == nil && seconds > 0 {
			config.Timeout = time.Duration(seconds) * time.Second
		}
	}

	return config
}

// ValidateDifyConfig validates the DifyConfig.
func ValidateDifyConfig(config DifyConfig) error {
	if config.APIURL == "" {
		return fmt.Errorf("dify API URL is required")
	}
	if config.APIKey == "" {
		return fmt.Errorf("dify API key is required")
	}
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %v", config.Timeout)
	}
	return nil
}

// DifyBackend implements ConversationBackend against Dify's streaming
// chat-messages endpoint. Answers arrive as SSE fragments and are
// forwarded as chunk events while they stream in.
type DifyBackend struct {
	apiURL string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// Ensure DifyBackend implements the ConversationBackend interface
var _ repositories.ConversationBackend = (*DifyBackend)(nil)

// NewDifyBackend creates a new Dify backend instance.
func NewDifyBackend(config DifyConfig, logger *zap.Logger) (*DifyBackend, error) {
	if err := ValidateDifyConfig(config); err != nil {
		return nil, err
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultDifyTimeout
		logger.Info("Using default stream timeout", zap.Duration("timeout", timeout))
	}

	return &DifyBackend{
		apiURL: strings.TrimRight(config.APIURL, "/"),
		apiKey: config.APIKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// difyRequest is the chat-messages request payload.
type difyRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   string                 `json:"response_mode"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	User           string                 `json:"user"`
}

// difyStreamRecord is one parsed SSE data payload. Fields are a union
// over the record kinds; which ones are meaningful depends on Event.
type difyStreamRecord struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Metadata       struct {
		Usage difyUsage `json:"usage"`
	} `json:"metadata"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type difyUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Latency          float64 `json:"latency"`
}

// Send starts a streaming chat turn. The returned channel carries zero
// or more chunk events followed by exactly one terminal event; it is
// closed afterwards. Send itself fails only on an invalid request.
func (d *DifyBackend) Send(ctx context.Context, req repositories.BackendRequest) (<-chan repositories.BackendEvent, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	user := req.UserID
	if user == "" {
		user = "guest"
	}

	payload := difyRequest{
		Inputs:         map[string]interface{}{},
		Query:          req.Query,
		ResponseMode:   "streaming",
		ConversationID: req.ConversationID,
		User:           user,
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.apiURL+"/chat-messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	d.logger.Info("Sending query to Dify",
		zap.String("conversationID", req.ConversationID),
		zap.Int("queryLength", len(req.Query)))

	events := make(chan repositories.BackendEvent, 8)
	go d.stream(ctx, httpReq, events)
	return events, nil
}

// stream executes the request and translates the SSE body into backend
// events. Exactly one terminal event is delivered before close.
func (d *DifyBackend) stream(ctx context.Context, httpReq *http.Request, events chan<- repositories.BackendEvent) {
	defer close(events)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.deliver(ctx, events, errorEvent(fmt.Errorf("dify request failed: %w", err)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		d.logger.Error("Dify API returned error",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(errorBody)))
		d.deliver(ctx, events, errorEvent(fmt.Errorf("dify returned status %d", resp.StatusCode)))
		return
	}

	var (
		reader         = bufio.NewReader(resp.Body)
		answer         strings.Builder
		conversationID string
		chunkCount     int
	)

	finish := func(ev repositories.BackendEvent) {
		if ev.ConversationID == "" {
			ev.ConversationID = conversationID
		}
		d.deliver(ctx, events, ev)
	}

	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimSpace(line)

		if line != "" {
			record, ok := d.parseLine(line)
			if ok {
				switch {
				case record == nil:
					// [DONE] without a preceding message_end still ends the
					// answer cleanly.
					finish(completedEvent(answer.String(), conversationID, nil))
					return
				case record.Event == "error":
					finish(errorEvent(fmt.Errorf("dify: %s", recordErrorMessage(record))))
					return
				case record.Event == "message_end":
					if record.ConversationID != "" {
						conversationID = record.ConversationID
					}
					usage := record.Metadata.Usage
					finish(completedEvent(answer.String(), conversationID, &entities.BackendUsage{
						PromptTokens:     usage.PromptTokens,
						CompletionTokens: usage.CompletionTokens,
						TotalTokens:      usage.TotalTokens,
						Latency:          usage.Latency,
					}))
					return
				default:
					if record.ConversationID != "" {
						conversationID = record.ConversationID
					}
					if record.Answer != "" {
						answer.WriteString(record.Answer)
						chunkCount++
						d.deliver(ctx, events, repositories.BackendEvent{
							Type:           repositories.BackendEventChunk,
							Chunk:          record.Answer,
							ConversationID: conversationID,
						})
					}
				}
			}
		}

		if readErr == io.EOF {
			// Stream ended without a terminal record. Keep whatever answer
			// text made it through rather than discarding a whole turn.
			d.logger.Warn("Dify stream ended without message_end",
				zap.Int("chunks", chunkCount))
			if answer.Len() > 0 {
				finish(completedEvent(answer.String(), conversationID, nil))
			} else {
				finish(errorEvent(fmt.Errorf("dify stream ended unexpectedly")))
			}
			return
		}
		if readErr != nil {
			finish(errorEvent(fmt.Errorf("failed to read dify stream: %w", readErr)))
			return
		}
	}
}

// parseLine parses one SSE line. It returns (nil, true) for the done
// sentinel, (record, true) for a valid data record, and (nil, false)
// for anything to skip: comments, event-name lines, malformed JSON.
func (d *DifyBackend) parseLine(line string) (*difyStreamRecord, bool) {
	if !strings.HasPrefix(line, "data:") {
		return nil, false
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == doneSentinel {
		return nil, true
	}

	var record difyStreamRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		// Skip malformed events
		d.logger.Debug("Skipping malformed stream record", zap.String("data", data))
		return nil, false
	}
	return &record, true
}

func (d *DifyBackend) deliver(ctx context.Context, events chan<- repositories.BackendEvent, ev repositories.BackendEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func recordErrorMessage(record *difyStreamRecord) string {
	if record.Error.Message != "" {
		return record.Error.Message
	}
	if record.Message != "" {
		return record.Message
	}
	return "unknown stream error"
}

func completedEvent(answer, conversationID string, usage *entities.BackendUsage) repositories.BackendEvent {
	return repositories.BackendEvent{
		Type:           repositories.BackendEventCompleted,
		Answer:         answer,
		ConversationID: conversationID,
		Usage:          usage,
	}
}

func errorEvent(err error) repositories.BackendEvent {
	return repositories.BackendEvent{
		Type: repositories.BackendEventError,
		Err:  err,
	}
}

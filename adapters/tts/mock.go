package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
)

// mockVoices is a small catalog that covers both genders in two
// languages, enough for the voice selector to exercise every fallback.
var mockVoices = []entities.Voice{
	{ID: "mock-vi-female", Name: "Linh (Female)", Language: "vi-VN", Female: true},
	{ID: "mock-vi-male", Name: "Minh", Language: "vi-VN"},
	{ID: "mock-en-female", Name: "Ava (Female)", Language: "en-US", Female: true},
	{ID: "mock-en-male", Name: "Noah", Language: "en-US"},
}

// MockSynthesizer is an offline SpeechSynthesizer producing silent PCM
// sized to the text, so playback timing downstream stays realistic.
type MockSynthesizer struct {
	logger *zap.Logger

	// ChunkDelay paces the emitted chunks.
	ChunkDelay time.Duration
}

// Ensure MockSynthesizer implements the SpeechSynthesizer interface
var _ repositories.SpeechSynthesizer = (*MockSynthesizer)(nil)

// NewMockSynthesizer creates a mock synthesizer.
func NewMockSynthesizer(logger *zap.Logger) *MockSynthesizer {
	return &MockSynthesizer{
		logger:     logger,
		ChunkDelay: 20 * time.Millisecond,
	}
}

// Voices implements SpeechSynthesizer.
func (m *MockSynthesizer) Voices(ctx context.Context) ([]entities.Voice, error) {
	voices := make([]entities.Voice, len(mockVoices))
	copy(voices, mockVoices)
	return voices, nil
}

// Speak implements SpeechSynthesizer. One 10ms silence chunk is emitted
// per two characters of text.
func (m *MockSynthesizer) Speak(ctx context.Context, req repositories.SpeechRequest) (<-chan []byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	m.logger.Info("Synthesizing mock speech",
		zap.Int("textLength", len(req.Text)),
		zap.String("voiceID", req.VoiceID))

	chunks := len([]rune(req.Text))/2 + 1

	audioChan := make(chan []byte, 10)
	go func() {
		defer close(audioChan)
		for i := 0; i < chunks; i++ {
			// 10ms of 16kHz mono 16-bit silence.
			select {
			case audioChan <- make([]byte, 320):
			case <-ctx.Done():
				return
			}
			if m.ChunkDelay > 0 {
				select {
				case <-time.After(m.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return audioChan, nil
}

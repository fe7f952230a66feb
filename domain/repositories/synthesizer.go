package repositories

import (
	"context"

	"github.com/trolyvn/troly/server/domain/entities"
)

// SpeechRequest describes one utterance to synthesize.
type SpeechRequest struct {
	Text     string  `json:"text"`
	VoiceID  string  `json:"voice_id"`
	Language string  `json:"language"`
	Rate     float64 `json:"rate"`  // 1.0 = normal speed
	Pitch    float64 `json:"pitch"` // 1.0 = normal pitch
}

// SpeechSynthesizer abstracts text-to-speech services.
type SpeechSynthesizer interface {
	// Voices lists the currently available synthesis voices. The list may
	// be empty while the provider is still loading; callers retry later.
	Voices(ctx context.Context) ([]entities.Voice, error)
	// Speak streams synthesized audio for the request. The channel closes
	// when synthesis completes or the context is cancelled; validation
	// failures (such as empty text) are returned synchronously.
	Speak(ctx context.Context, req SpeechRequest) (<-chan []byte, error)
}

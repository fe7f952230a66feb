package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
)

// VoicePreference describes what kind of voice a session wants.
type VoicePreference struct {
	// VoiceID requests one exact voice.
	VoiceID string `json:"voice_id"`
	// Language is the target BCP-47 tag.
	Language string `json:"language"`
	// PreferFemale biases selection toward female voices.
	PreferFemale bool `json:"prefer_female"`
}

// SelectVoice resolves a preference against a catalog with a fixed
// fallback chain: exact id, then language and female, then language,
// then female, then the first voice. An empty catalog yields nil, which
// callers treat as "let the engine pick".
func SelectVoice(voices []entities.Voice, pref VoicePreference) *entities.Voice {
	if len(voices) == 0 {
		return nil
	}

	if pref.VoiceID != "" {
		for i := range voices {
			if voices[i].ID == pref.VoiceID {
				return &voices[i]
			}
		}
	}

	if pref.Language != "" && pref.PreferFemale {
		for i := range voices {
			if voices[i].MatchesLanguage(pref.Language) && voices[i].IsFemale() {
				return &voices[i]
			}
		}
	}

	if pref.Language != "" {
		for i := range voices {
			if voices[i].MatchesLanguage(pref.Language) {
				return &voices[i]
			}
		}
	}

	if pref.PreferFemale {
		for i := range voices {
			if voices[i].IsFemale() {
				return &voices[i]
			}
		}
	}

	return &voices[0]
}

// VoiceSelector picks a synthesis voice from a synthesizer's catalog.
type VoiceSelector struct {
	synthesizer repositories.SpeechSynthesizer
	logger      *zap.Logger
}

// NewVoiceSelector creates a voice selector.
func NewVoiceSelector(synthesizer repositories.SpeechSynthesizer, logger *zap.Logger) *VoiceSelector {
	return &VoiceSelector{
		synthesizer: synthesizer,
		logger:      logger,
	}
}

// Select fetches the catalog and resolves the preference. A catalog
// error is returned so callers can decide to proceed unvoiced.
func (s *VoiceSelector) Select(ctx context.Context, pref VoicePreference) (*entities.Voice, error) {
	voices, err := s.synthesizer.Voices(ctx)
	if err != nil {
		return nil, err
	}

	voice := SelectVoice(voices, pref)
	if voice == nil {
		s.logger.Info("No synthesis voice available")
		return nil, nil
	}

	s.logger.Info("Selected synthesis voice",
		zap.String("voiceID", voice.ID),
		zap.String("name", voice.Name),
		zap.String("language", voice.Language),
		zap.Bool("female", voice.IsFemale()))
	return voice, nil
}

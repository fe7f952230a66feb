package stt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/repositories"
)

// MockUtterance is one scripted recognition result: optional interim
// previews followed by a final transcript.
type MockUtterance struct {
	Transcript string
	Interim    []string
	Delay      time.Duration
}

// MockRecognizer plays scripted utterances so the conversation loop can
// run without credentials or a microphone. Each Start consumes the next
// queued utterance; an empty queue produces a no-speech session.
type MockRecognizer struct {
	logger *zap.Logger

	// NoSpeechAfter is how long an empty-queue session waits before it
	// reports no-speech.
	NoSpeechAfter time.Duration

	mu       sync.Mutex
	queue    []MockUtterance
	failCode string
}

// Ensure MockRecognizer implements the SpeechRecognizer interface
var _ repositories.SpeechRecognizer = (*MockRecognizer)(nil)

// NewMockRecognizer creates a mock recognizer preloaded with utterances.
func NewMockRecognizer(logger *zap.Logger, utterances ...MockUtterance) *MockRecognizer {
	return &MockRecognizer{
		logger:        logger,
		NoSpeechAfter: 2 * time.Second,
		queue:         utterances,
	}
}

// Enqueue appends utterances for upcoming sessions.
func (m *MockRecognizer) Enqueue(utterances ...MockUtterance) {
	m.mu.Lock()
	m.queue = append(m.queue, utterances...)
	m.mu.Unlock()
}

// FailNextWith makes the next session terminate with the given port
// error code instead of recognizing anything.
func (m *MockRecognizer) FailNextWith(code string) {
	m.mu.Lock()
	m.failCode = code
	m.mu.Unlock()
}

// Start implements SpeechRecognizer.
func (m *MockRecognizer) Start(ctx context.Context, config repositories.RecognitionConfig) (repositories.RecognitionSession, error) {
	m.logger.Info("Starting mock recognition session",
		zap.String("language", config.Language),
		zap.Bool("interimResults", config.InterimResults))

	m.mu.Lock()
	failCode := m.failCode
	m.failCode = ""
	var next *MockUtterance
	if failCode == "" && len(m.queue) > 0 {
		utterance := m.queue[0]
		m.queue = m.queue[1:]
		next = &utterance
	}
	m.mu.Unlock()

	session := &mockSession{
		events:  make(chan repositories.RecognitionEvent, eventBuffer),
		abortCh: make(chan struct{}),
	}
	go session.run(ctx, next, failCode, config.InterimResults, m.NoSpeechAfter)
	return session, nil
}

type mockSession struct {
	events    chan repositories.RecognitionEvent
	abortCh   chan struct{}
	abortOnce sync.Once
	received  atomic.Int64
}

// Ensure mockSession implements the RecognitionSession interface
var _ repositories.RecognitionSession = (*mockSession)(nil)

func (s *mockSession) Write(data []byte) error {
	s.received.Add(int64(len(data)))
	return nil
}

func (s *mockSession) Events() <-chan repositories.RecognitionEvent {
	return s.events
}

func (s *mockSession) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

// BytesReceived reports how much audio the session absorbed.
func (s *mockSession) BytesReceived() int64 {
	return s.received.Load()
}

func (s *mockSession) run(ctx context.Context, utterance *MockUtterance, failCode string, interim bool, noSpeechAfter time.Duration) {
	defer close(s.events)

	fail := func(code, message string) {
		s.events <- repositories.RecognitionEvent{
			Type: repositories.RecognitionEventError,
			Err:  &repositories.RecognitionError{Code: code, Message: message},
		}
	}

	wait := func(d time.Duration) bool {
		if d <= 0 {
			select {
			case <-s.abortCh:
				return false
			case <-ctx.Done():
				return false
			default:
				return true
			}
		}
		select {
		case <-time.After(d):
			return true
		case <-s.abortCh:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if failCode != "" {
		fail(failCode, "scripted failure")
		return
	}

	if utterance == nil {
		if wait(noSpeechAfter) {
			fail(repositories.RecognitionErrorNoSpeech, "no speech detected in audio")
		} else {
			fail(repositories.RecognitionErrorAborted, "recognition aborted")
		}
		return
	}

	if !wait(utterance.Delay) {
		fail(repositories.RecognitionErrorAborted, "recognition aborted")
		return
	}

	if interim {
		for _, preview := range utterance.Interim {
			s.events <- repositories.RecognitionEvent{
				Type:       repositories.RecognitionEventResult,
				Transcript: preview,
			}
			if !wait(20 * time.Millisecond) {
				fail(repositories.RecognitionErrorAborted, "recognition aborted")
				return
			}
		}
	}

	s.events <- repositories.RecognitionEvent{
		Type:       repositories.RecognitionEventResult,
		Transcript: utterance.Transcript,
		IsFinal:    true,
	}
	s.events <- repositories.RecognitionEvent{Type: repositories.RecognitionEventEnd}
}

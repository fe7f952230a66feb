package repositories

import "context"

// RecognitionConfig represents the recognizer configuration contract:
// continuous recognition with interim results in a fixed target locale,
// one alternative per result.
type RecognitionConfig struct {
	Language       string `json:"language"`
	SampleRate     int    `json:"sample_rate"`
	Encoding       string `json:"encoding"`
	InterimResults bool   `json:"interim_results"`
}

// Recognition error codes. The orchestrator's recovery policy keys off
// these: no-speech backs off, aborted is benign, not-allowed and
// audio-capture are fatal, everything else retries on a fixed delay.
const (
	RecognitionErrorNoSpeech     = "no-speech"
	RecognitionErrorAborted      = "aborted"
	RecognitionErrorAudioCapture = "audio-capture"
	RecognitionErrorNotAllowed   = "not-allowed"
	RecognitionErrorNetwork      = "network"
)

// RecognitionError is a recognizer failure with a stable code.
type RecognitionError struct {
	Code    string
	Message string
}

func (e *RecognitionError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// RecognitionEventType identifies a recognition session event.
type RecognitionEventType string

const (
	RecognitionEventResult RecognitionEventType = "result"
	RecognitionEventEnd    RecognitionEventType = "end"
	RecognitionEventError  RecognitionEventType = "error"
)

// RecognitionEvent is one event from an active recognition session.
// A session emits zero or more results followed by exactly one terminal
// event (end or error), after which the channel is closed.
type RecognitionEvent struct {
	Type       RecognitionEventType
	Transcript string
	IsFinal    bool
	Err        *RecognitionError
}

// SpeechRecognizer abstracts speech recognition services.
type SpeechRecognizer interface {
	// Start opens a continuous recognition session. It fails fast when the
	// audio source is unavailable (not-allowed, audio-capture).
	Start(ctx context.Context, config RecognitionConfig) (RecognitionSession, error)
}

// RecognitionSession is one active recognition stream.
type RecognitionSession interface {
	// Write feeds captured audio into the session.
	Write(data []byte) error
	// Events delivers recognition events until the terminal event.
	Events() <-chan RecognitionEvent
	// Abort tears the session down immediately. The session emits a benign
	// aborted error and closes its event channel. Safe to call twice.
	Abort()
}

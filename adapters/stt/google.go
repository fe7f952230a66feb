// Package stt provides SpeechRecognizer implementations: Google Cloud
// Speech-to-Text streaming recognition and a scripted mock.
package stt

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trolyvn/troly/server/domain/repositories"
)

const (
	defaultLanguage   = "vi-VN"
	defaultSampleRate = 16000
	defaultEncoding   = "LINEAR16"

	eventBuffer = 16
)

// GoogleRecognizer implements SpeechRecognizer using Google Cloud
// Speech-to-Text streaming recognition. Sessions run in continuous mode
// with interim results, so one session covers a whole listening turn.
type GoogleRecognizer struct {
	logger *zap.Logger
}

// Ensure GoogleRecognizer implements the SpeechRecognizer interface
var _ repositories.SpeechRecognizer = (*GoogleRecognizer)(nil)

// NewGoogleRecognizer creates a recognizer. Credentials come from the
// usual Google application-default mechanisms.
func NewGoogleRecognizer(logger *zap.Logger) *GoogleRecognizer {
	return &GoogleRecognizer{logger: logger}
}

// Start opens a streaming recognition session.
func (g *GoogleRecognizer) Start(ctx context.Context, config repositories.RecognitionConfig) (repositories.RecognitionSession, error) {
	language := config.Language
	if language == "" {
		language = defaultLanguage
	}
	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	encodingName := config.Encoding
	if encodingName == "" {
		encodingName = defaultEncoding
	}
	encoding, err := getAudioEncoding(encodingName)
	if err != nil {
		return nil, err
	}

	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	stream, err := client.StreamingRecognize(sessionCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	// Continuous mode: interim results stream in while the user talks,
	// final results segment the utterances.
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(sampleRate),
					LanguageCode:    language,
				},
				InterimResults:  config.InterimResults,
				SingleUtterance: false,
			},
		},
	}); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	g.logger.Info("Started streaming recognition",
		zap.String("language", language),
		zap.Int("sampleRate", sampleRate),
		zap.String("encoding", encodingName))

	session := &googleSession{
		client: client,
		stream: stream,
		ctx:    sessionCtx,
		cancel: cancel,
		logger: g.logger,
		events: make(chan repositories.RecognitionEvent, eventBuffer),
	}
	go session.receive()
	return session, nil
}

type googleSession struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	events chan repositories.RecognitionEvent

	aborted   atomic.Bool
	abortOnce sync.Once
}

// Ensure googleSession implements the RecognitionSession interface
var _ repositories.RecognitionSession = (*googleSession)(nil)

// Write forwards one audio chunk to the recognizer.
func (s *googleSession) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Events returns the recognition event stream. The channel closes after
// the terminal end or error event.
func (s *googleSession) Events() <-chan repositories.RecognitionEvent {
	return s.events
}

// Abort cancels the session. The event stream terminates with a benign
// "aborted" error. Safe to call more than once.
func (s *googleSession) Abort() {
	s.abortOnce.Do(func() {
		s.aborted.Store(true)
		s.cancel()
	})
}

// receive pumps recognizer responses into the event channel and owns
// the terminal event.
func (s *googleSession) receive() {
	defer close(s.events)
	defer s.client.Close()
	defer s.cancel()

	sawFinal := false
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			if sawFinal {
				s.deliver(repositories.RecognitionEvent{Type: repositories.RecognitionEventEnd})
			} else {
				s.deliverError(repositories.RecognitionErrorNoSpeech, "no speech detected in audio")
			}
			return
		}
		if err != nil {
			code, message := s.classify(err)
			if code != repositories.RecognitionErrorAborted {
				s.logger.Warn("Streaming recognition failed",
					zap.String("code", code),
					zap.Error(err))
			}
			s.deliverError(code, message)
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			if result.IsFinal {
				sawFinal = true
			}
			s.deliver(repositories.RecognitionEvent{
				Type:       repositories.RecognitionEventResult,
				Transcript: result.Alternatives[0].Transcript,
				IsFinal:    result.IsFinal,
			})
		}
	}
}

// classify maps transport failures onto the port's error codes.
func (s *googleSession) classify(err error) (string, string) {
	if s.aborted.Load() || s.ctx.Err() != nil {
		return repositories.RecognitionErrorAborted, "recognition aborted"
	}

	switch status.Code(err) {
	case codes.Canceled:
		return repositories.RecognitionErrorAborted, "recognition aborted"
	case codes.PermissionDenied, codes.Unauthenticated:
		return repositories.RecognitionErrorNotAllowed, err.Error()
	case codes.InvalidArgument, codes.OutOfRange:
		return repositories.RecognitionErrorAudioCapture, err.Error()
	default:
		return repositories.RecognitionErrorNetwork, err.Error()
	}
}

func (s *googleSession) deliver(ev repositories.RecognitionEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		// Consumer is gone; only the terminal abort event still matters
		// and deliverError posts it with a buffered slot.
	}
}

func (s *googleSession) deliverError(code, message string) {
	ev := repositories.RecognitionEvent{
		Type: repositories.RecognitionEventError,
		Err:  &repositories.RecognitionError{Code: code, Message: message},
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("Dropping terminal recognition event, channel full",
			zap.String("code", code))
	}
}

// getAudioEncoding converts a config encoding name to the Speech API enum.
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

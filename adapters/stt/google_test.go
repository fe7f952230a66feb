package stt

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trolyvn/troly/server/domain/repositories"
)

func TestGetAudioEncoding(t *testing.T) {
	cases := []struct {
		name string
		want speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"WAV", speechpb.RecognitionConfig_LINEAR16},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
	}
	for _, tc := range cases {
		got, err := getAudioEncoding(tc.name)
		if err != nil {
			t.Errorf("getAudioEncoding(%q) failed: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("getAudioEncoding(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}

	if _, err := getAudioEncoding("VORBIS"); err == nil {
		t.Error("unsupported encoding accepted")
	}
}

func TestGoogleSessionClassify(t *testing.T) {
	newSession := func(aborted bool) *googleSession {
		ctx, cancel := context.WithCancel(context.Background())
		s := &googleSession{ctx: ctx, cancel: cancel, logger: zaptest.NewLogger(t)}
		if aborted {
			s.Abort()
		} else {
			t.Cleanup(cancel)
		}
		return s
	}

	cases := []struct {
		name    string
		aborted bool
		err     error
		want    string
	}{
		{"abort wins", true, status.Error(codes.Unavailable, "gone"), repositories.RecognitionErrorAborted},
		{"canceled", false, status.Error(codes.Canceled, "canceled"), repositories.RecognitionErrorAborted},
		{"permission", false, status.Error(codes.PermissionDenied, "denied"), repositories.RecognitionErrorNotAllowed},
		{"unauthenticated", false, status.Error(codes.Unauthenticated, "no creds"), repositories.RecognitionErrorNotAllowed},
		{"bad audio", false, status.Error(codes.InvalidArgument, "bad rate"), repositories.RecognitionErrorAudioCapture},
		{"unavailable", false, status.Error(codes.Unavailable, "down"), repositories.RecognitionErrorNetwork},
	}
	for _, tc := range cases {
		code, _ := newSession(tc.aborted).classify(tc.err)
		if code != tc.want {
			t.Errorf("%s: classify = %q, want %q", tc.name, code, tc.want)
		}
	}
}

func drainMock(t *testing.T, session repositories.RecognitionSession) []repositories.RecognitionEvent {
	t.Helper()
	var out []repositories.RecognitionEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out draining recognition events")
		}
	}
}

func TestMockRecognizer_ScriptedUtterance(t *testing.T) {
	recognizer := NewMockRecognizer(zaptest.NewLogger(t), MockUtterance{
		Transcript: "Xin chào",
		Interim:    []string{"Xin"},
	})

	session, err := recognizer.Start(context.Background(), repositories.RecognitionConfig{
		Language:       "vi-VN",
		InterimResults: true,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := session.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	events := drainMock(t, session)
	if len(events) != 3 {
		t.Fatalf("got %d events, want interim+final+end: %+v", len(events), events)
	}
	if events[0].IsFinal || events[0].Transcript != "Xin" {
		t.Errorf("event[0] = %+v, want interim %q", events[0], "Xin")
	}
	if !events[1].IsFinal || events[1].Transcript != "Xin chào" {
		t.Errorf("event[1] = %+v, want final %q", events[1], "Xin chào")
	}
	if events[2].Type != repositories.RecognitionEventEnd {
		t.Errorf("event[2] = %+v, want end", events[2])
	}
}

func TestMockRecognizer_InterimsSuppressedWhenDisabled(t *testing.T) {
	recognizer := NewMockRecognizer(zaptest.NewLogger(t), MockUtterance{
		Transcript: "Xin chào",
		Interim:    []string{"Xin"},
	})

	session, err := recognizer.Start(context.Background(), repositories.RecognitionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := drainMock(t, session)
	for _, ev := range events {
		if ev.Type == repositories.RecognitionEventResult && !ev.IsFinal {
			t.Errorf("interim %+v delivered with InterimResults disabled", ev)
		}
	}
}

func TestMockRecognizer_EmptyQueueReportsNoSpeech(t *testing.T) {
	recognizer := NewMockRecognizer(zaptest.NewLogger(t))
	recognizer.NoSpeechAfter = 10 * time.Millisecond

	session, err := recognizer.Start(context.Background(), repositories.RecognitionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := drainMock(t, session)
	if len(events) != 1 || events[0].Type != repositories.RecognitionEventError {
		t.Fatalf("got %+v, want a single error event", events)
	}
	if events[0].Err.Code != repositories.RecognitionErrorNoSpeech {
		t.Errorf("error code = %q, want no-speech", events[0].Err.Code)
	}
}

func TestMockRecognizer_AbortDeliversBenignError(t *testing.T) {
	recognizer := NewMockRecognizer(zaptest.NewLogger(t), MockUtterance{
		Transcript: "không bao giờ tới",
		Delay:      time.Minute,
	})

	session, err := recognizer.Start(context.Background(), repositories.RecognitionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	session.Abort()
	session.Abort() // second abort is a no-op

	events := drainMock(t, session)
	if len(events) != 1 || events[0].Err == nil {
		t.Fatalf("got %+v, want a single aborted error", events)
	}
	if events[0].Err.Code != repositories.RecognitionErrorAborted {
		t.Errorf("error code = %q, want aborted", events[0].Err.Code)
	}
}

func TestMockRecognizer_FailNextWith(t *testing.T) {
	recognizer := NewMockRecognizer(zaptest.NewLogger(t), MockUtterance{Transcript: "sau lỗi"})
	recognizer.FailNextWith(repositories.RecognitionErrorNotAllowed)

	session, err := recognizer.Start(context.Background(), repositories.RecognitionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events := drainMock(t, session)
	if len(events) != 1 || events[0].Err == nil || events[0].Err.Code != repositories.RecognitionErrorNotAllowed {
		t.Fatalf("got %+v, want scripted not-allowed error", events)
	}

	// The queued utterance survives for the session after the failure.
	session, err = recognizer.Start(context.Background(), repositories.RecognitionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events = drainMock(t, session)
	sawFinal := false
	for _, ev := range events {
		if ev.IsFinal && ev.Transcript == "sau lỗi" {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Errorf("queued utterance lost after scripted failure: %+v", events)
	}
}

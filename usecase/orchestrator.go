// Package usecase contains the conversation services: the turn-taking
// orchestrator that runs a voice session as a half-duplex loop over the
// recognizer, backend, and synthesizer ports, plus voice selection and
// localization helpers.
package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
	"github.com/trolyvn/troly/server/internal/audio"
	"github.com/trolyvn/troly/server/internal/flow"
)

// State is the conversation lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
)

// Config tunes the orchestrator. Zero fields take the defaults below.
type Config struct {
	// Language is the recognition and synthesis locale.
	Language   string
	SampleRate int
	Encoding   string

	// RestartDelay spaces recognition restarts after a natural end.
	// PostTTSDelay adds settling time after the assistant spoke, so the
	// tail of the playback does not get recognized. ErrorRetryDelay is
	// the restart delay after a recoverable recognition error.
	RestartDelay    time.Duration
	PostTTSDelay    time.Duration
	ErrorRetryDelay time.Duration

	// No-speech backoff: delay = min(base + (runs-1)^2 * step, cap).
	// After NoSpeechPauseAfter consecutive runs the session parks in
	// Paused instead of retrying.
	NoSpeechBase       time.Duration
	NoSpeechStep       time.Duration
	NoSpeechCap        time.Duration
	NoSpeechPauseAfter int

	// Noise filter: a final result is discarded as noise when it is
	// empty after trimming, or when the input level sits below
	// NoiseVolumeThreshold and the text is shorter than NoiseMinChars
	// or is a single token from NoiseTokens.
	NoiseVolumeThreshold float64
	NoiseMinChars        int
	NoiseTokens          []string

	// Idle auto-stop for sessions the visual gate started.
	IdleCheckInterval time.Duration
	IdleTimeout       time.Duration

	// Synthesis parameters. Female voices get FemalePitch.
	SpeechRate   float64
	DefaultPitch float64
	FemalePitch  float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Language:             "vi-VN",
		SampleRate:           16000,
		Encoding:             "LINEAR16",
		RestartDelay:         250 * time.Millisecond,
		PostTTSDelay:         300 * time.Millisecond,
		ErrorRetryDelay:      time.Second,
		NoSpeechBase:         500 * time.Millisecond,
		NoSpeechStep:         500 * time.Millisecond,
		NoSpeechCap:          8 * time.Second,
		NoSpeechPauseAfter:   5,
		NoiseVolumeThreshold: 10,
		NoiseMinChars:        2,
		NoiseTokens:          []string{"uh", "um", "ah", "hmm", "à", "ừ", "ờ", ",", "."},
		IdleCheckInterval:    3 * time.Second,
		IdleTimeout:          30 * time.Second,
		SpeechRate:           1.05,
		DefaultPitch:         1.0,
		FemalePitch:          1.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.PostTTSDelay <= 0 {
		c.PostTTSDelay = d.PostTTSDelay
	}
	if c.ErrorRetryDelay <= 0 {
		c.ErrorRetryDelay = d.ErrorRetryDelay
	}
	if c.NoSpeechBase <= 0 {
		c.NoSpeechBase = d.NoSpeechBase
	}
	if c.NoSpeechStep <= 0 {
		c.NoSpeechStep = d.NoSpeechStep
	}
	if c.NoSpeechCap <= 0 {
		c.NoSpeechCap = d.NoSpeechCap
	}
	if c.NoSpeechPauseAfter <= 0 {
		c.NoSpeechPauseAfter = d.NoSpeechPauseAfter
	}
	if c.NoiseVolumeThreshold <= 0 {
		c.NoiseVolumeThreshold = d.NoiseVolumeThreshold
	}
	if c.NoiseMinChars <= 0 {
		c.NoiseMinChars = d.NoiseMinChars
	}
	if c.NoiseTokens == nil {
		c.NoiseTokens = d.NoiseTokens
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = d.IdleCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SpeechRate <= 0 {
		c.SpeechRate = d.SpeechRate
	}
	if c.DefaultPitch <= 0 {
		c.DefaultPitch = d.DefaultPitch
	}
	if c.FemalePitch <= 0 {
		c.FemalePitch = d.FemalePitch
	}
	return c
}

// EventType identifies an orchestrator output event.
type EventType string

const (
	EventStatus        EventType = "status"
	EventTranscript    EventType = "transcript"
	EventSpeakingStart EventType = "speaking_start"
	EventAudio         EventType = "audio"
	EventSpeakingEnd   EventType = "speaking_end"
	EventError         EventType = "error"
)

// Event is one output event. Which fields are set depends on Type:
// status events carry State and Reason, transcript events carry the
// snapshot, audio events carry a chunk, error events carry a localized
// message and whether the session had to stop.
type Event struct {
	Type       EventType
	State      State
	Reason     string
	Transcript entities.Transcript
	Audio      []byte
	Message    string
	Fatal      bool
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdResume
	cmdSetVoice
	cmdVisual
	cmdAudio
	cmdSessionReady
	cmdRecEvent
	cmdBackendEvent
	cmdTTSAudio
	cmdTTSDone
	cmdRestartTimer
)

type command struct {
	kind     cmdKind
	auto     bool
	voice    VoicePreference
	speaking bool
	chunk    []byte
	seq      int
	session  repositories.RecognitionSession
	err      error
	rec      repositories.RecognitionEvent
	backend  repositories.BackendEvent
}

const (
	cmdBuffer = 256
	outBuffer = 256
)

// Orchestrator drives one user's conversation session. All state lives
// on the Run goroutine; public methods post commands to it, so they are
// safe from any goroutine and never block on I/O.
type Orchestrator struct {
	cfg         Config
	recognizer  repositories.SpeechRecognizer
	synthesizer repositories.SpeechSynthesizer
	backend     repositories.ConversationBackend
	archive     repositories.ConversationArchive
	selector    *VoiceSelector
	localize    Localizer
	flow        *flow.Recorder
	logger      *zap.Logger
	meter       *audio.Meter

	userID string

	cmds chan command
	out  chan Event
	done chan struct{}

	// Loop-owned state. Only the Run goroutine touches these.
	state          State
	transcript     entities.Transcript
	conversationID string
	session        repositories.RecognitionSession
	sessionSeq     int
	recognitionOn  bool
	turnSeq        int
	ttsSeq         int
	ttsInProgress  bool
	ttsCancel      context.CancelFunc
	restartSeq     int
	restartTimer   *time.Timer
	noSpeechRuns   int
	autoStarted    bool
	visualSpeaking bool
	voicePref      VoicePreference
	interimID      string
	assistantID    string
	startedAt      time.Time
	lastActivity   time.Time

	// Mirror for synchronous reads from other goroutines.
	mu           sync.RWMutex
	mirrorState  State
	mirrorScript entities.Transcript
}

// NewOrchestrator creates an orchestrator. The archive may be nil; the
// recorder may be nil. Call Run to start the loop.
func NewOrchestrator(
	recognizer repositories.SpeechRecognizer,
	synthesizer repositories.SpeechSynthesizer,
	backend repositories.ConversationBackend,
	archive repositories.ConversationArchive,
	recorder *flow.Recorder,
	logger *zap.Logger,
	config Config,
) *Orchestrator {
	cfg := config.withDefaults()
	return &Orchestrator{
		cfg:         cfg,
		recognizer:  recognizer,
		synthesizer: synthesizer,
		backend:     backend,
		archive:     archive,
		selector:    NewVoiceSelector(synthesizer, logger),
		localize:    DefaultLocalizer(cfg.Language),
		flow:        recorder,
		logger:      logger,
		meter:       audio.NewMeter(0),
		userID:      uuid.NewString(),
		cmds:        make(chan command, cmdBuffer),
		out:         make(chan Event, outBuffer),
		done:        make(chan struct{}),
		state:       StateIdle,
		mirrorState: StateIdle,
	}
}

// UserID returns the stable identity minted for this orchestrator. It
// survives session stops, so conversation continuity works across them.
func (o *Orchestrator) UserID() string {
	return o.userID
}

// SetUserID replaces the minted identity with an authenticated one, so
// archived conversations land under the caller's account. Call before Run.
func (o *Orchestrator) SetUserID(userID string) {
	if userID != "" {
		o.userID = userID
	}
}

// Events returns the output stream. It closes when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.out
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mirrorState
}

// Transcript returns the latest transcript snapshot.
func (o *Orchestrator) Transcript() entities.Transcript {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mirrorScript
}

// Start begins a session. auto marks it as started by the visual gate,
// which arms the idle auto-stop. Ignored unless the session is idle.
func (o *Orchestrator) Start(auto bool) {
	o.post(command{kind: cmdStart, auto: auto})
}

// Stop ends the session and archives the conversation. Idempotent.
func (o *Orchestrator) Stop() {
	o.post(command{kind: cmdStop})
}

// Resume leaves the Paused state and listens again.
func (o *Orchestrator) Resume() {
	o.post(command{kind: cmdResume})
}

// SetVoicePreference changes the synthesis voice for upcoming turns.
func (o *Orchestrator) SetVoicePreference(pref VoicePreference) {
	o.post(command{kind: cmdSetVoice, voice: pref})
}

// SetVisualSpeaking feeds the camera-side speaking signal. A rising
// edge while idle starts a session automatically.
func (o *Orchestrator) SetVisualSpeaking(speaking bool) {
	o.post(command{kind: cmdVisual, speaking: speaking})
}

// FeedAudio forwards one captured audio chunk. The orchestrator takes
// ownership of the slice. Chunks are dropped when the loop is saturated;
// stale audio is worse than missing audio.
func (o *Orchestrator) FeedAudio(chunk []byte) {
	select {
	case o.cmds <- command{kind: cmdAudio, chunk: chunk}:
	case <-o.done:
	default:
	}
}

func (o *Orchestrator) post(cmd command) {
	select {
	case o.cmds <- cmd:
	case <-o.done:
	}
}

// Run executes the session loop until ctx is canceled. It owns all
// session state and is the only writer to the output channel.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.out)
	defer close(o.done)

	o.flow.Record("session", "loop_started", map[string]interface{}{"user_id": o.userID})

	idleTicker := time.NewTicker(o.cfg.IdleCheckInterval)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.teardown()
			return
		case cmd := <-o.cmds:
			o.handle(ctx, cmd)
		case <-idleTicker.C:
			o.checkIdle()
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		o.handleStart(ctx, cmd.auto)
	case cmdStop:
		o.handleStop()
	case cmdResume:
		o.handleResume(ctx)
	case cmdSetVoice:
		o.voicePref = cmd.voice
		o.flow.Record("session", "voice_preference", map[string]interface{}{
			"voice_id": cmd.voice.VoiceID,
			"language": cmd.voice.Language,
			"female":   cmd.voice.PreferFemale,
		})
	case cmdVisual:
		o.handleVisual(ctx, cmd.speaking)
	case cmdAudio:
		o.handleAudio(cmd.chunk)
	case cmdSessionReady:
		o.handleSessionReady(ctx, cmd)
	case cmdRecEvent:
		o.handleRecognition(ctx, cmd)
	case cmdBackendEvent:
		o.handleBackend(ctx, cmd)
	case cmdTTSAudio:
		if cmd.seq == o.ttsSeq && o.state == StateSpeaking {
			o.emit(Event{Type: EventAudio, Audio: cmd.chunk})
			o.lastActivity = time.Now()
		}
	case cmdTTSDone:
		o.handleTTSDone(ctx, cmd)
	case cmdRestartTimer:
		o.handleRestartTimer(ctx, cmd.seq)
	}
}

func (o *Orchestrator) handleStart(ctx context.Context, auto bool) {
	if o.state != StateIdle {
		o.logger.Debug("Ignoring start, session already active",
			zap.String("state", string(o.state)))
		return
	}

	o.autoStarted = auto
	o.transcript = entities.Transcript{}
	o.interimID = ""
	o.assistantID = ""
	o.noSpeechRuns = 0
	o.startedAt = time.Now()
	o.lastActivity = o.startedAt
	o.meter.Reset()

	o.flow.Record("session", "started", map[string]interface{}{
		"auto":     auto,
		"language": o.cfg.Language,
	})
	o.setState(StateStarting, "")
	o.emitTranscript()
	o.startRecognition(ctx)
}

// startRecognition opens a recognition session off-loop and posts the
// result back. The sequence number orphans sessions that a stop or a
// newer start supersedes.
func (o *Orchestrator) startRecognition(ctx context.Context) {
	if o.ttsInProgress {
		// Mutual exclusion: the TTS-done handler schedules the restart.
		return
	}

	o.sessionSeq++
	seq := o.sessionSeq

	recCfg := repositories.RecognitionConfig{
		Language:       o.cfg.Language,
		SampleRate:     o.cfg.SampleRate,
		Encoding:       o.cfg.Encoding,
		InterimResults: true,
	}

	go func() {
		session, err := o.recognizer.Start(ctx, recCfg)
		o.post(command{kind: cmdSessionReady, seq: seq, session: session, err: err})
		if err != nil || session == nil {
			return
		}
		for ev := range session.Events() {
			o.post(command{kind: cmdRecEvent, seq: seq, rec: ev})
		}
	}()
}

func (o *Orchestrator) handleSessionReady(ctx context.Context, cmd command) {
	stale := cmd.seq != o.sessionSeq ||
		(o.state != StateStarting && o.state != StateListening)
	if stale {
		if cmd.session != nil {
			cmd.session.Abort()
		}
		return
	}

	if cmd.err != nil {
		var recErr *repositories.RecognitionError
		if errors.As(cmd.err, &recErr) {
			switch recErr.Code {
			case repositories.RecognitionErrorNotAllowed:
				o.fatal(MsgMicDenied, recErr)
				return
			case repositories.RecognitionErrorAudioCapture:
				o.fatal(MsgMicUnavailable, recErr)
				return
			}
		}
		o.logger.Warn("Failed to start recognition, retrying",
			zap.Error(cmd.err))
		o.flow.Warn("turn", "recognition_start_failed", map[string]interface{}{
			"error": cmd.err.Error(),
		})
		o.scheduleRestart(o.cfg.ErrorRetryDelay)
		return
	}

	o.session = cmd.session
	o.recognitionOn = true
	if o.state != StateListening {
		o.setState(StateListening, "")
	}
	o.flow.Record("turn", "listening", nil)
}

func (o *Orchestrator) handleRecognition(ctx context.Context, cmd command) {
	if cmd.seq != o.sessionSeq {
		return
	}

	ev := cmd.rec
	switch ev.Type {
	case repositories.RecognitionEventResult:
		o.handleResult(ctx, ev)
	case repositories.RecognitionEventEnd:
		o.session = nil
		o.recognitionOn = false
		if o.state == StateListening {
			// Continuous listening: the engine closed the stream on its
			// own, reopen it shortly.
			o.scheduleRestart(o.cfg.RestartDelay)
		}
	case repositories.RecognitionEventError:
		o.session = nil
		o.recognitionOn = false
		o.handleRecognitionError(ev.Err)
	}
}

func (o *Orchestrator) handleResult(ctx context.Context, ev repositories.RecognitionEvent) {
	if o.state != StateListening {
		// Results landing outside Listening belong to a session that is
		// being torn down; the turn pipeline owns the floor now.
		return
	}

	now := time.Now()
	o.lastActivity = now

	// The same filter runs on interim and final fragments; noisy interims
	// are dropped silently to keep the flow log readable.
	volume := o.meter.Level()
	reason, noisy := o.classifyNoise(ev.Transcript, volume)

	if !ev.IsFinal {
		if noisy {
			return
		}
		if o.interimID == "" {
			o.interimID = uuid.NewString()
		}
		o.transcript = o.transcript.UpsertEphemeralUser(o.interimID, ev.Transcript, now)
		o.emitTranscript()
		return
	}

	if noisy {
		o.flow.Warn("turn", "noise_filtered", map[string]interface{}{
			"text":   ev.Transcript,
			"volume": volume,
			"reason": reason,
		})
		return
	}

	id := o.interimID
	if id == "" {
		id = uuid.NewString()
	}
	o.interimID = ""
	o.noSpeechRuns = 0
	o.transcript = o.transcript.FinalizeUser(id, strings.TrimSpace(ev.Transcript), now)
	o.emitTranscript()
	o.beginTurn(ctx, strings.TrimSpace(ev.Transcript))
}

// classifyNoise reports whether a transcript fragment is background
// noise rather than speech.
func (o *Orchestrator) classifyNoise(text string, volume float64) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty", true
	}
	if volume >= o.cfg.NoiseVolumeThreshold {
		return "", false
	}
	if utf8.RuneCountInString(trimmed) < o.cfg.NoiseMinChars {
		return "short_low_volume", true
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) == 1 {
		for _, token := range o.cfg.NoiseTokens {
			if fields[0] == token {
				return "denylist_low_volume", true
			}
		}
	}
	return "", false
}

func (o *Orchestrator) handleRecognitionError(recErr *repositories.RecognitionError) {
	code := repositories.RecognitionErrorNetwork
	if recErr != nil {
		code = recErr.Code
	}

	switch code {
	case repositories.RecognitionErrorAborted:
		// Expected when we tear a session down ourselves; when the engine
		// aborted on its own mid-listen, recycle like a natural end.
		if o.state == StateListening {
			o.scheduleRestart(o.cfg.RestartDelay)
		}
		return
	case repositories.RecognitionErrorNoSpeech:
		o.noSpeechRuns++
		if o.state != StateListening {
			return
		}
		if o.noSpeechRuns >= o.cfg.NoSpeechPauseAfter {
			o.flow.Warn("session", "no_speech_limit", map[string]interface{}{
				"runs": o.noSpeechRuns,
			})
			o.enterPaused("no_speech_limit")
			return
		}
		delay := backoffDelay(o.cfg, o.noSpeechRuns)
		o.flow.Record("turn", "no_speech_backoff", map[string]interface{}{
			"runs":     o.noSpeechRuns,
			"delay_ms": delay.Milliseconds(),
		})
		o.scheduleRestart(delay)
	case repositories.RecognitionErrorNotAllowed:
		o.fatal(MsgMicDenied, recErr)
	case repositories.RecognitionErrorAudioCapture:
		o.fatal(MsgMicUnavailable, recErr)
	default:
		if o.state != StateListening {
			return
		}
		o.flow.Warn("turn", "recognition_error", map[string]interface{}{
			"code": code,
		})
		o.scheduleRestart(o.cfg.ErrorRetryDelay)
	}
}

// fatal surfaces an unrecoverable session error and stops.
func (o *Orchestrator) fatal(key string, recErr *repositories.RecognitionError) {
	detail := map[string]interface{}{"key": key}
	if recErr != nil {
		detail["code"] = recErr.Code
		detail["error"] = recErr.Message
	}
	o.flow.Error("session", "fatal_error", detail)
	o.emit(Event{Type: EventError, Message: o.localize(key), Fatal: true})
	o.handleStop()
}

// backoffDelay computes the no-speech restart delay for the given run
// count: min(base + (runs-1)^2 * step, cap).
func backoffDelay(cfg Config, runs int) time.Duration {
	if runs < 1 {
		runs = 1
	}
	n := time.Duration(runs - 1)
	delay := cfg.NoSpeechBase + n*n*cfg.NoSpeechStep
	if delay > cfg.NoSpeechCap {
		delay = cfg.NoSpeechCap
	}
	return delay
}

// scheduleRestart arms the single pending restart timer, superseding
// any earlier one.
func (o *Orchestrator) scheduleRestart(delay time.Duration) {
	o.restartSeq++
	seq := o.restartSeq
	if o.restartTimer != nil {
		o.restartTimer.Stop()
	}
	o.restartTimer = time.AfterFunc(delay, func() {
		o.post(command{kind: cmdRestartTimer, seq: seq})
	})
}

func (o *Orchestrator) handleRestartTimer(ctx context.Context, seq int) {
	if seq != o.restartSeq {
		return
	}
	o.restartTimer = nil
	if o.state != StateListening && o.state != StateStarting {
		return
	}
	if o.recognitionOn || o.ttsInProgress {
		return
	}
	o.startRecognition(ctx)
}

func (o *Orchestrator) cancelRestart() {
	o.restartSeq++
	if o.restartTimer != nil {
		o.restartTimer.Stop()
		o.restartTimer = nil
	}
}

func (o *Orchestrator) beginTurn(ctx context.Context, query string) {
	o.setState(StateProcessing, "")
	o.turnSeq++
	turn := o.turnSeq

	o.assistantID = uuid.NewString()
	o.transcript = o.transcript.AppendAssistantPlaceholder(o.assistantID, time.Now())
	o.emitTranscript()

	o.flow.Record("turn", "query_sent", map[string]interface{}{
		"query_length":    len(query),
		"conversation_id": o.conversationID,
	})

	req := repositories.BackendRequest{
		Query:          query,
		ConversationID: o.conversationID,
		UserID:         o.userID,
	}
	go func() {
		events, err := o.backend.Send(ctx, req)
		if err != nil {
			o.post(command{kind: cmdBackendEvent, seq: turn, backend: repositories.BackendEvent{
				Type: repositories.BackendEventError,
				Err:  err,
			}})
			return
		}
		for ev := range events {
			o.post(command{kind: cmdBackendEvent, seq: turn, backend: ev})
		}
	}()
}

func (o *Orchestrator) handleBackend(ctx context.Context, cmd command) {
	if cmd.seq != o.turnSeq || o.state != StateProcessing {
		return
	}

	ev := cmd.backend
	switch ev.Type {
	case repositories.BackendEventChunk:
		if ev.ConversationID != "" {
			o.conversationID = ev.ConversationID
		}
		o.transcript = o.transcript.AppendAssistantText(o.assistantID, ev.Chunk)
		o.emitTranscript()
		o.lastActivity = time.Now()
	case repositories.BackendEventCompleted:
		if ev.ConversationID != "" {
			o.conversationID = ev.ConversationID
		}
		// The terminal event's cumulative answer wins; fall back to the
		// accumulated chunks, then to the localized apology.
		answer := strings.TrimSpace(ev.Answer)
		if answer == "" {
			answer = o.assistantDraftText()
		}
		if answer == "" {
			answer = o.localize(MsgEmptyAnswer)
		}
		o.transcript = o.transcript.FinalizeAssistant(o.assistantID, answer, ev.Usage)
		o.emitTranscript()
		if ev.Usage != nil {
			o.flow.Record("turn", "completed", map[string]interface{}{
				"total_tokens": ev.Usage.TotalTokens,
				"latency":      ev.Usage.Latency,
			})
		} else {
			o.flow.Record("turn", "completed", nil)
		}
		o.beginSpeaking(ctx, answer)
	case repositories.BackendEventError:
		o.flow.Error("turn", "backend_error", map[string]interface{}{
			"error": ev.Err.Error(),
		})
		o.logger.Warn("Backend turn failed, answering with fallback",
			zap.Error(ev.Err))
		fallback := o.localize(MsgBackendTrouble)
		o.transcript = o.transcript.FinalizeAssistant(o.assistantID, fallback, nil)
		o.emitTranscript()
		o.beginSpeaking(ctx, fallback)
	}
}

func (o *Orchestrator) assistantDraftText() string {
	if msg, ok := o.transcript.ByID(o.assistantID); ok {
		return strings.TrimSpace(msg.Text)
	}
	return ""
}

// beginSpeaking hands the floor to the assistant: recognition stops
// before the first audio chunk is produced, never after.
func (o *Orchestrator) beginSpeaking(ctx context.Context, text string) {
	if o.session != nil {
		o.session.Abort()
		o.session = nil
	}
	o.recognitionOn = false
	o.cancelRestart()

	o.setState(StateSpeaking, "")
	o.emit(Event{Type: EventSpeakingStart})
	o.flow.Record("turn", "speak_started", map[string]interface{}{
		"text_length": len(text),
	})

	o.ttsSeq++
	seq := o.ttsSeq
	o.ttsInProgress = true
	ttsCtx, cancel := context.WithCancel(ctx)
	o.ttsCancel = cancel

	pref := o.voicePref
	if pref.Language == "" {
		pref.Language = o.cfg.Language
	}

	go func() {
		voice, err := o.selector.Select(ttsCtx, pref)
		if err != nil {
			o.logger.Warn("Voice catalog unavailable, using engine default",
				zap.Error(err))
		}

		req := repositories.SpeechRequest{
			Text:     text,
			Language: pref.Language,
			Rate:     o.cfg.SpeechRate,
			Pitch:    o.cfg.DefaultPitch,
		}
		if voice != nil {
			req.VoiceID = voice.ID
			if voice.IsFemale() {
				req.Pitch = o.cfg.FemalePitch
			}
		}

		stream, err := o.synthesizer.Speak(ttsCtx, req)
		if err != nil {
			o.post(command{kind: cmdTTSDone, seq: seq, err: err})
			return
		}
		for chunk := range stream {
			o.post(command{kind: cmdTTSAudio, seq: seq, chunk: chunk})
		}
		o.post(command{kind: cmdTTSDone, seq: seq})
	}()
}

func (o *Orchestrator) handleTTSDone(ctx context.Context, cmd command) {
	if cmd.seq != o.ttsSeq {
		return
	}
	o.ttsInProgress = false
	if o.ttsCancel != nil {
		o.ttsCancel()
		o.ttsCancel = nil
	}

	o.emit(Event{Type: EventSpeakingEnd})
	if cmd.err != nil {
		// Synthesis failure is not fatal; the turn still completed in text.
		o.flow.Warn("turn", "speak_failed", map[string]interface{}{
			"error": cmd.err.Error(),
		})
		o.logger.Warn("Speech synthesis failed", zap.Error(cmd.err))
	} else {
		o.flow.Record("turn", "speak_finished", nil)
	}

	switch o.state {
	case StateStopping:
		o.finishStop()
	case StateSpeaking:
		o.setState(StateListening, "")
		o.scheduleRestart(o.cfg.PostTTSDelay)
	}
}

func (o *Orchestrator) handleStop() {
	if o.state == StateIdle {
		return
	}
	if o.state == StateStopping {
		return
	}

	o.setState(StateStopping, "")
	o.cancelRestart()
	o.turnSeq++ // orphan in-flight backend events
	if o.session != nil {
		o.session.Abort()
		o.session = nil
	}
	o.recognitionOn = false

	if o.ttsInProgress {
		if o.ttsCancel != nil {
			o.ttsCancel()
		}
		// finishStop runs when the TTS goroutine reports done.
		return
	}
	o.finishStop()
}

func (o *Orchestrator) finishStop() {
	o.archiveConversation()
	o.flow.Record("session", "stopped", map[string]interface{}{
		"messages": o.transcript.Len(),
	})
	o.autoStarted = false
	o.interimID = ""
	o.assistantID = ""
	o.noSpeechRuns = 0
	o.setState(StateIdle, "")
}

// archiveConversation persists the finished conversation off-loop. Only
// finalized messages are kept; an all-ephemeral session is skipped.
func (o *Orchestrator) archiveConversation() {
	if o.archive == nil {
		return
	}
	var finals []entities.Message
	for _, m := range o.transcript.Messages() {
		if m.IsFinal && strings.TrimSpace(m.Text) != "" {
			finals = append(finals, m)
		}
	}
	if len(finals) == 0 {
		return
	}

	record := entities.NewConversationRecord(o.userID, o.conversationID, o.cfg.Language, o.startedAt, finals)
	archive := o.archive
	logger := o.logger
	recorder := o.flow
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := archive.Save(ctx, record); err != nil {
			logger.Error("Failed to archive conversation",
				zap.String("recordID", record.ID),
				zap.Error(err))
			return
		}
		recorder.Record("session", "archived", map[string]interface{}{
			"record_id": record.ID,
			"messages":  len(record.Messages),
		})
	}()
}

func (o *Orchestrator) handleResume(ctx context.Context) {
	if o.state != StatePaused {
		return
	}
	o.noSpeechRuns = 0
	o.lastActivity = time.Now()
	o.flow.Record("session", "resumed", nil)
	o.setState(StateStarting, "")
	o.startRecognition(ctx)
}

func (o *Orchestrator) enterPaused(reason string) {
	o.cancelRestart()
	if o.session != nil {
		o.session.Abort()
		o.session = nil
	}
	o.recognitionOn = false
	o.setState(StatePaused, reason)
}

func (o *Orchestrator) handleVisual(ctx context.Context, speaking bool) {
	o.visualSpeaking = speaking
	if speaking {
		o.lastActivity = time.Now()
		if o.state == StateIdle {
			o.flow.Record("session", "visual_gate_start", nil)
			o.handleStart(ctx, true)
		}
	}
}

func (o *Orchestrator) handleAudio(chunk []byte) {
	o.meter.Update(chunk)
	if o.recognitionOn && o.session != nil {
		if err := o.session.Write(chunk); err != nil {
			// The receive side will surface the terminal error.
			o.logger.Debug("Failed to write audio chunk", zap.Error(err))
		}
	}
}

// checkIdle stops gate-started sessions nobody is using.
func (o *Orchestrator) checkIdle() {
	if !o.autoStarted || o.visualSpeaking {
		return
	}
	if o.state != StateListening && o.state != StatePaused {
		return
	}
	if time.Since(o.lastActivity) < o.cfg.IdleTimeout {
		return
	}
	o.flow.Record("session", "idle_auto_stop", map[string]interface{}{
		"idle_seconds": int(time.Since(o.lastActivity).Seconds()),
	})
	o.handleStop()
}

// teardown is the Run-exit path: release everything without emitting.
func (o *Orchestrator) teardown() {
	o.cancelRestart()
	if o.session != nil {
		o.session.Abort()
		o.session = nil
	}
	if o.ttsCancel != nil {
		o.ttsCancel()
		o.ttsCancel = nil
	}
	if o.state != StateIdle {
		o.archiveConversation()
		o.flow.Record("session", "loop_closed", nil)
	}
}

func (o *Orchestrator) setState(s State, reason string) {
	if o.state == s {
		return
	}
	o.state = s
	o.mu.Lock()
	o.mirrorState = s
	o.mu.Unlock()

	o.flow.Record("session", "state", map[string]interface{}{
		"state":  string(s),
		"reason": reason,
	})
	o.emit(Event{Type: EventStatus, State: s, Reason: reason})
}

func (o *Orchestrator) emitTranscript() {
	o.mu.Lock()
	o.mirrorScript = o.transcript
	o.mu.Unlock()
	o.emit(Event{Type: EventTranscript, Transcript: o.transcript})
}

// emit never blocks the loop. A saturated subscriber loses events; the
// next transcript or status snapshot makes it whole again.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.out <- ev:
	default:
		o.logger.Debug("Dropping output event, subscriber saturated",
			zap.String("type", string(ev.Type)))
	}
}

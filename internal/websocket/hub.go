package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/repositories"
	"github.com/trolyvn/troly/server/internal/flow"
	"github.com/trolyvn/troly/server/internal/vision"
	"github.com/trolyvn/troly/server/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WriteData wraps outbound frames so JSON control messages and binary
// audio share one ordered send queue.
type WriteData struct {
	Type    int
	Payload []byte
}

// Hub maintains the set of active connections. Every connection runs
// its own conversation pipeline; the hub tracks them for counting and
// shutdown only.
type Hub struct {
	// Registered clients keyed by connection ID.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run exits so pumps never block on a dead hub.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	recognizer  repositories.SpeechRecognizer
	synthesizer repositories.SpeechSynthesizer
	backend     repositories.ConversationBackend
	archive     repositories.ConversationArchive
	recorder    *flow.Recorder
	config      usecase.Config
	logger      *zap.Logger
}

// NewHub creates a hub wired to the speech and backend adapters each
// connection's pipeline will use.
func NewHub(
	recognizer repositories.SpeechRecognizer,
	synthesizer repositories.SpeechSynthesizer,
	backend repositories.ConversationBackend,
	archive repositories.ConversationArchive,
	recorder *flow.Recorder,
	config usecase.Config,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		recognizer:  recognizer,
		synthesizer: synthesizer,
		backend:     backend,
		archive:     archive,
		recorder:    recorder,
		config:      config,
		logger:      logger,
	}
}

// Run processes client registration until the context is cancelled,
// then shuts every remaining connection down.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.connID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected",
				zap.String("conn_id", client.connID),
				zap.String("user_id", client.userID),
				zap.Int("total_clients", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.connID]; ok {
				delete(h.clients, client.connID)
			}
			count := len(h.clients)
			h.mu.Unlock()
			client.close()
			h.logger.Info("client disconnected",
				zap.String("conn_id", client.connID),
				zap.String("user_id", client.userID),
				zap.Int("total_clients", count))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
		client.conn.Close()
	}
	h.logger.Info("all clients closed", zap.Int("count", len(clients)))
}

// Client is one WebSocket connection together with its conversation
// pipeline. The pipeline is per-connection: dropping the socket tears
// the whole thing down.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan WriteData
	connID string
	userID string
	logger *zap.Logger

	orchestrator *usecase.Orchestrator
	sampler      *vision.Sampler
	cancel       context.CancelFunc

	mu         sync.Mutex
	flowCancel func()
	closeOnce  sync.Once
}

// HandleWebSocket upgrades an authenticated HTTP request and spins up
// the per-connection pipeline. userID must already be verified by the
// caller.
func HandleWebSocket(hub *Hub, c echo.Context, userID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("websocket upgrade failed", zap.Error(err))
		return err
	}

	connID := uuid.NewString()
	clientLogger := logger.With(
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
	)

	orchestrator := usecase.NewOrchestrator(
		hub.recognizer,
		hub.synthesizer,
		hub.backend,
		hub.archive,
		hub.recorder,
		clientLogger,
		hub.config,
	)
	orchestrator.SetUserID(userID)

	detector := vision.NewDetector(vision.DefaultConfig(), hub.recorder)
	sampler := vision.NewSampler(detector, vision.DefaultSampleRate, func(speaking bool) {
		orchestrator.SetVisualSpeaking(speaking)
	})

	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan WriteData, 256),
		connID:       connID,
		userID:       userID,
		logger:       clientLogger,
		orchestrator: orchestrator,
		sampler:      sampler,
		cancel:       cancel,
	}

	go orchestrator.Run(ctx)
	go sampler.Run(ctx)
	go client.outputPump()
	go client.writePump(ctx)
	go client.readPump()

	select {
	case hub.register <- client:
	case <-hub.done:
		client.close()
		conn.Close()
	}
	return nil
}

// readPump reads frames from the socket. Text frames carry control
// messages, binary frames carry microphone audio.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.orchestrator.FeedAudio(data)
		}
	}
}

// writePump drains the send queue to the socket and keeps the
// connection alive with pings. It owns all writes; nothing else may
// touch the connection's write side.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Warn("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// outputPump translates pipeline events into wire frames. It exits when
// the orchestrator loop closes its event stream.
func (c *Client) outputPump() {
	for event := range c.orchestrator.Events() {
		switch event.Type {
		case usecase.EventStatus:
			c.enqueueJSON(NewStatusMessage(string(event.State), event.Reason))

		case usecase.EventTranscript:
			c.enqueueJSON(NewTranscriptMessage(event.Transcript.Messages()))

		case usecase.EventSpeakingStart:
			c.enqueueJSON(NewSpeakingStartMessage())

		case usecase.EventAudio:
			c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: event.Audio})

		case usecase.EventSpeakingEnd:
			c.enqueueJSON(NewSpeakingEndMessage())

		case usecase.EventError:
			c.enqueueJSON(NewErrorMessage(event.Message, event.Fatal))
		}
	}
}

func (c *Client) handleText(data []byte) {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		c.logger.Warn("invalid client message", zap.Error(err))
		c.enqueueJSON(NewErrorMessage(err.Error(), false))
		return
	}

	switch m := msg.(type) {
	case *SessionStartMessage:
		c.orchestrator.Start(m.Auto)

	case *LandmarkFrameMessage:
		c.sampler.Offer(m.Frame)

	case *SetVoiceMessage:
		c.orchestrator.SetVoicePreference(m.Voice)

	case *PingMessage:
		c.enqueueJSON(NewPongMessage(m.Data))

	case *BaseMessage:
		switch m.Type {
		case MessageTypeSessionStop:
			c.orchestrator.Stop()
		case MessageTypeSessionResume:
			c.orchestrator.Resume()
		case MessageTypeSubscribeFlow:
			c.subscribeFlow()
		}
	}
}

// subscribeFlow streams diagnostic recorder events to this client until
// it disconnects. Subscribing twice is a no-op.
func (c *Client) subscribeFlow() {
	c.mu.Lock()
	if c.flowCancel != nil {
		c.mu.Unlock()
		return
	}
	events, cancel := c.hub.recorder.Subscribe()
	c.flowCancel = cancel
	c.mu.Unlock()

	go func() {
		for event := range events {
			c.enqueueJSON(NewFlowEventMessage(event))
		}
	}()
}

// enqueue hands a frame to the write pump. A slow consumer loses frames
// rather than stalling the pipeline; transcript snapshots are
// self-contained, so a dropped frame never corrupts the client's view.
func (c *Client) enqueue(data WriteData) {
	select {
	case c.send <- data:
	default:
		c.logger.Debug("send queue full, dropping frame",
			zap.Int("frame_type", data.Type))
	}
}

func (c *Client) enqueueJSON(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// close stops the connection's pipeline. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.flowCancel != nil {
			c.flowCancel()
			c.flowCancel = nil
		}
		c.mu.Unlock()
	})
}

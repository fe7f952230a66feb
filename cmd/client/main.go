// Demo WebSocket client: authenticates as a guest, opens a voice
// session, streams microphone-style PCM to the server, and saves the
// synthesized reply. Run against a server started with mock providers
// to try the full loop without any external credentials.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sampleRate = 16000
	chunkSize  = 3200 // 100ms of 16kHz mono LINEAR16
)

// GuestAuthResponse mirrors the server's guest auth payload.
type GuestAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

func main() {
	host := os.Getenv("SERVER_HOST")
	if host == "" {
		host = "localhost:8080"
	}

	token, userID, err := authenticateGuest(host)
	if err != nil {
		log.Fatal("Failed to authenticate:", err)
	}
	log.Printf("Authenticated as guest: %s", userID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	headers := http.Header{}
	headers.Add("Authorization", "Bearer "+token)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), headers)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	done := make(chan struct{})

	go handleIncomingMessage(c, done)

	runVoiceTurn(c)

	select {
	case <-done:
		return
	case <-interrupt:
		log.Println("interrupt")
		// Cleanly close the connection by sending a close message and then
		// waiting (with timeout) for the server to close the connection.
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			log.Println("write close:", err)
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return
	}
}

func authenticateGuest(host string) (string, string, error) {
	resp, err := http.Post("http://"+host+"/api/v1/auth/guest", "application/json", nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("authentication failed: %s", string(body))
	}

	var authResp GuestAuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return "", "", err
	}

	return authResp.Token, authResp.UserID, nil
}

// runVoiceTurn drives one conversation turn: start the session, stream
// audio as if a user spoke, and stop once the reply had time to play.
func runVoiceTurn(c *websocket.Conn) {
	if os.Getenv("SHOW_FLOW") == "true" {
		if err := sendJSONMessage(c, map[string]interface{}{"type": "subscribe_flow"}); err != nil {
			log.Printf("Error subscribing to flow: %v", err)
		}
	}

	log.Printf("🚀 Starting voice session at %s", time.Now().Format("15:04:05.000"))
	if err := sendJSONMessage(c, map[string]interface{}{"type": "session_start"}); err != nil {
		log.Printf("Error sending session start: %v", err)
		return
	}
	time.Sleep(500 * time.Millisecond)

	audioData, source := loadAudio()
	totalChunks := (len(audioData) + chunkSize - 1) / chunkSize

	log.Printf("📤 Streaming %s (%d bytes in %d chunks)", source, len(audioData), totalChunks)
	audioStartTime := time.Now()

	for i := 0; i < totalChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(audioData) {
			end = len(audioData)
		}

		if err := c.WriteMessage(websocket.BinaryMessage, audioData[start:end]); err != nil {
			log.Printf("Error sending audio chunk %d: %v", i, err)
			return
		}
		time.Sleep(100 * time.Millisecond) // Real-time pacing
	}

	log.Printf("📤 Finished streaming audio in %v", time.Since(audioStartTime))

	// Leave the session open long enough for recognition and the
	// synthesized reply to come back.
	time.Sleep(8 * time.Second)

	log.Printf("🛑 Stopping voice session at %s", time.Now().Format("15:04:05.000"))
	if err := sendJSONMessage(c, map[string]interface{}{"type": "session_stop"}); err != nil {
		log.Printf("Error sending session stop: %v", err)
	}
}

// loadAudio reads raw 16kHz mono LINEAR16 from AUDIO_FILE, or
// synthesizes two seconds of tone loud enough to pass the noise gate.
func loadAudio() ([]byte, string) {
	if path := os.Getenv("AUDIO_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path
		}
		log.Printf("Error reading %s, falling back to synthetic tone: %v", path, err)
	}

	samples := 2 * sampleRate
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		value := int16(16000 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(value))
	}
	return data, "synthetic 440Hz tone"
}

func sendJSONMessage(c *websocket.Conn, message map[string]interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func handleIncomingMessage(c *websocket.Conn, done chan struct{}) {
	defer close(done)
	var audioFile *os.File
	var audioStartTime time.Time
	var audioChunkCount int
	printed := make(map[string]bool)

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			log.Println("read:", err)
			return
		}

		if messageType == websocket.BinaryMessage {
			audioChunkCount++
			if audioFile != nil {
				if _, err := audioFile.Write(message); err != nil {
					log.Printf("Error writing audio chunk to file: %v", err)
				}
			}
			continue
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Println("unmarshal error:", err)
			continue
		}

		msgType, _ := msg["type"].(string)
		switch msgType {
		case "status":
			log.Printf("🔄 Session state: %v (reason: %v)", msg["state"], msg["reason"])
		case "transcript":
			printTranscript(msg, printed)
		case "speaking_start":
			audioStartTime = time.Now()
			audioChunkCount = 0
			audioFile = createReplyFile()
		case "speaking_end":
			log.Printf("🎵 Reply finished - Duration: %v, Chunks: %d", time.Since(audioStartTime), audioChunkCount)
			if audioFile != nil {
				audioFile.Close()
				audioFile = nil
			}
		case "flow_event":
			if event, ok := msg["event"].(map[string]interface{}); ok {
				log.Printf("🧭 Flow: [%v] %v", event["scope"], event["label"])
			}
		case "error":
			log.Printf("❌ Server error: %v (fatal: %v)", msg["message"], msg["fatal"])
		case "pong":
			log.Printf("🏓 Pong: %v", msg["data"])
		default:
			log.Printf("Received unknown message type: %s", msgType)
		}
	}
}

// printTranscript shows only final lines; interim updates replace each
// other too fast to be useful in a log. Snapshots repeat the whole
// conversation, so already-printed messages are skipped by ID.
func printTranscript(msg map[string]interface{}, printed map[string]bool) {
	messages, ok := msg["messages"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range messages {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if final, _ := m["is_final"].(bool); !final {
			continue
		}
		id, _ := m["id"].(string)
		if printed[id] {
			continue
		}
		printed[id] = true
		log.Printf("💬 %v: %v", m["role"], m["text"])
	}
}

func createReplyFile() *os.File {
	audioDir := "audio_responses"
	if err := os.MkdirAll(audioDir, 0755); err != nil {
		log.Printf("Error creating audio response directory: %v", err)
		return nil
	}
	path := filepath.Join(audioDir, fmt.Sprintf("%d.pcm", time.Now().Unix()))
	file, err := os.Create(path)
	if err != nil {
		log.Printf("Error creating audio response file: %v", err)
		return nil
	}
	log.Printf("🎵 Reply started, saving to %s", path)
	return file
}

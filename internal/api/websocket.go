package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/atef-tools/atef/internal/runs"
)

// WebSocket message types for the run progress protocol
const (
	// Client -> Server messages
	MsgTypeSubscribe   = "run:subscribe"
	MsgTypeUnsubscribe = "run:unsubscribe"
	MsgTypePing        = "ping"

	// Server -> Client messages
	MsgTypeAck      = "ack"
	MsgTypeProgress = "progress"
	MsgTypeComplete = "complete"
	MsgTypeError    = "error"
	MsgTypePong     = "pong"
)

// progressInterval is how often subscribed run state is pushed.
const progressInterval = 250 * time.Millisecond

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Subscribe payload
type SubscribePayload struct {
	RunID string `json:"runId"`
}

// WSProgressResponse mirrors the run state for subscribed clients.
type WSProgressResponse struct {
	Type     string  `json:"type"`
	RunID    string  `json:"runId"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Done     int     `json:"done"`
	Total    int     `json:"total"`
	Overall  string  `json:"overall,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// WSErrorResponse carries a protocol-level failure.
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler streams run progress to connected clients. Each
// connection may subscribe to any number of runs; state is polled from
// the run manager rather than pushed from the run goroutine, so a slow
// client never blocks a checkout.
type WebSocketHandler struct {
	runs     *runs.Manager
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new progress streaming handler.
func NewWebSocketHandler(runMgr *runs.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		runs: runMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// HandleWebSocket upgrades the connection and serves the progress
// protocol until the client goes away.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	fmt.Println("[WebSocket] Client connected for run progress")

	// Send welcome message
	wsh.sendMessage(ws, WSMessage{
		Type:      "connected",
		Timestamp: time.Now().UnixMilli(),
	})

	subscribed := make(map[string]bool)
	incoming := make(chan WSMessage)
	readErr := make(chan error, 1)

	go func() {
		for {
			var msg WSMessage
			if err := ws.ReadJSON(&msg); err != nil {
				readErr <- err
				close(incoming)
				return
			}
			incoming <- msg
		}
	}()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				err := <-readErr
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					fmt.Printf("[WebSocket] Connection error: %v\n", err)
				}
				fmt.Println("[WebSocket] Client disconnected")
				return nil
			}
			wsh.handleMessage(ws, msg, subscribed)

		case <-ticker.C:
			wsh.pushProgress(ws, subscribed)
		}
	}
}

func (wsh *WebSocketHandler) handleMessage(ws *websocket.Conn, msg WSMessage, subscribed map[string]bool) {
	switch msg.Type {
	case MsgTypePing:
		// Respond with pong to keep connection alive
		wsh.sendMessage(ws, WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})

	case MsgTypeSubscribe:
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			wsh.sendError(ws, "Invalid subscribe payload: "+err.Error(), "INVALID_PAYLOAD")
			return
		}
		run, ok := wsh.runs.GetRun(payload.RunID)
		if !ok {
			wsh.sendError(ws, "Run not found: "+payload.RunID, "RUN_NOT_FOUND")
			return
		}
		subscribed[payload.RunID] = true
		wsh.sendMessage(ws, WSMessage{
			Type:      MsgTypeAck,
			ID:        payload.RunID,
			Timestamp: time.Now().UnixMilli(),
		})
		// Send the current state immediately, the run may already be done.
		wsh.sendRunState(ws, run)
		if isFinished(run) {
			delete(subscribed, payload.RunID)
		}

	case MsgTypeUnsubscribe:
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			wsh.sendError(ws, "Invalid unsubscribe payload: "+err.Error(), "INVALID_PAYLOAD")
			return
		}
		delete(subscribed, payload.RunID)

	default:
		wsh.sendError(ws, "Unknown message type: "+msg.Type, "INVALID_TYPE")
	}
}

// pushProgress re-reads every subscribed run and pushes its state.
// Finished runs are sent once more as a complete frame, then dropped
// from the subscription set.
func (wsh *WebSocketHandler) pushProgress(ws *websocket.Conn, subscribed map[string]bool) {
	for runID := range subscribed {
		run, ok := wsh.runs.GetRun(runID)
		if !ok {
			wsh.sendError(ws, "Run expired: "+runID, "RUN_NOT_FOUND")
			delete(subscribed, runID)
			continue
		}
		wsh.runs.TouchRun(runID)
		wsh.sendRunState(ws, run)
		if isFinished(run) {
			delete(subscribed, runID)
		}
	}
}

func (wsh *WebSocketHandler) sendRunState(ws *websocket.Conn, run *runs.Run) {
	msgType := MsgTypeProgress
	overall := ""
	if isFinished(run) {
		msgType = MsgTypeComplete
		overall = run.Overall.String()
	}
	wsh.sendMessage(ws, WSMessage{
		Type:      msgType,
		ID:        run.ID,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSProgressResponse{
			Type:     msgType,
			RunID:    run.ID,
			Status:   string(run.Status),
			Progress: run.Progress,
			Done:     run.Done,
			Total:    run.Total,
			Overall:  overall,
			Message:  run.Error,
		}),
	})
}

func isFinished(run *runs.Run) bool {
	switch run.Status {
	case runs.StatusComplete, runs.StatusError, runs.StatusCanceled:
		return true
	}
	return false
}

// Helper methods

func (wsh *WebSocketHandler) sendMessage(ws *websocket.Conn, msg WSMessage) {
	if err := ws.WriteJSON(msg); err != nil {
		fmt.Printf("[WebSocket] Failed to send message: %v\n", err)
	}
}

func (wsh *WebSocketHandler) sendError(ws *websocket.Conn, message, code string) {
	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeError,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSErrorResponse{
			Type:    MsgTypeError,
			Message: message,
			Code:    code,
		}),
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// Package realtime implements the WebSocket client for the OpenAI Realtime
// API as used by the call pipeline: text-only sessions, streaming response
// deltas, parallel tool-call aggregation, context injection and deletion,
// response cancellation, and a keepalive ping.
//
// One Session lives per phone call and is owned exclusively by that call's
// pipeline. Events are delivered through a Handlers struct registered at
// connect time; handler callbacks run on the session's receive goroutine.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// defaultMaxTokens is deliberately ≥ 1024: smaller defaults truncate
	// realistic restaurant/service responses mid-sentence.
	defaultMaxTokens = 4096

	defaultTemperature = 0.8

	// connectTimeout bounds the WebSocket handshake.
	connectTimeout = 15 * time.Second

	// keepaliveInterval must stay under the remote's ~60 s idle cutoff; a
	// quiet call can easily go longer than that with no application traffic.
	keepaliveInterval = 25 * time.Second
)

// ToolDefinition describes one function tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is emitted when argument streaming for one tool call
// completes. Args is the raw JSON argument object.
type FunctionCall struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// Handlers carries the pipeline's event callbacks. Nil fields are skipped.
// All callbacks are invoked sequentially from the session's receive loop.
type Handlers struct {
	TextDelta       func(token string)
	TextDone        func(fullText string)
	ResponseCreated func(id string)
	ResponseDone    func(response json.RawMessage)
	FunctionCall    func(call FunctionCall)
	ItemCreated     func(id, role string)
	Error           func(err error)
	Closed          func()
}

// SessionConfig is the per-call session configuration sent as the first
// message after the handshake.
type SessionConfig struct {
	Instructions string
	Tools        []ToolDefinition
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithTemperature sets the sampling temperature (default 0.8).
func WithTemperature(t float64) Option {
	return func(c *Client) {
		if t > 0 {
			c.temperature = t
		}
	}
}

// WithMaxResponseTokens sets max_response_output_tokens. Values below 1024
// are raised to 1024.
func WithMaxResponseTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			if n < 1024 {
				n = 1024
			}
			c.maxTokens = n
		}
	}
}

// Client dials Realtime sessions. It is stateless and safe for concurrent
// use; each Connect call yields an independent Session.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
}

// NewClient creates a Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the Realtime endpoint, sends the session configuration, and
// starts the receive and keepalive loops. The handshake is bounded by a 15 s
// timeout regardless of ctx.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig, handlers Handlers) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     conn,
		handlers: handlers,
		ctx:      sessCtx,
		cancel:   sessCancel,
		argAccum: make(map[string]*argAccumulator),
	}

	if err := s.sendSessionUpdate(cfg, c.temperature, c.maxTokens); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities    []string   `json:"modalities"`
	Instructions  string     `json:"instructions,omitempty"`
	TurnDetection *struct{}  `json:"turn_detection"` // always null: this system runs its own VAD
	Tools         []wireTool `json:"tools"`
	ToolChoice    string     `json:"tool_choice"`
	Temperature   float64    `json:"temperature"`
	MaxTokens     int        `json:"max_response_output_tokens"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type deleteItemMessage struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

type cancelResponseMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.text.delta / response.function_call_arguments.delta
	Delta string `json:"delta,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// function-call argument events
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// response.created / response.done
	Response json.RawMessage `json:"response,omitempty"`

	// conversation.item.created
	Item *struct {
		ID     string `json:"id"`
		Role   string `json:"role"`
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type responseEnvelope struct {
	ID string `json:"id"`
}

// argAccumulator collects streamed argument deltas for one in-flight tool
// call. The map key — the call_id — is what makes parallel tool calls work;
// a single pending slot would drop all but the last call.
type argAccumulator struct {
	name string
	args []byte
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one live Realtime conversation. Write methods are safe for
// concurrent use; event handlers run on the internal receive goroutine.
type Session struct {
	conn     *websocket.Conn
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	closed           bool
	activeResponseID string
	textBuf          []byte
	argAccum         map[string]*argAccumulator

	closeOnce sync.Once
}

func (s *Session) sendSessionUpdate(cfg SessionConfig, temperature float64, maxTokens int) error {
	tools := make([]wireTool, len(cfg.Tools))
	for i, t := range cfg.Tools {
		tools[i] = wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:   []string{"text"},
			Instructions: cfg.Instructions,
			Tools:        tools,
			ToolChoice:   "auto",
			Temperature:  temperature,
			MaxTokens:    maxTokens,
		},
	})
}

// SendUserMessage appends a user message item and requests a response.
func (s *Session) SendUserMessage(text string) error {
	if err := s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// SendFunctionResult appends a function-call-output item for callID and
// requests continuation. result is marshalled to JSON.
func (s *Session) SendFunctionResult(callID string, result any) error {
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("realtime: marshal function result: %w", err)
	}
	if err := s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// InjectContext appends a system message without requesting a response.
// Used by the summarization path.
func (s *Session) InjectContext(text string) error {
	return s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "system",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
}

// DeleteItem removes a previously-created conversation item.
func (s *Session) DeleteItem(itemID string) error {
	return s.writeJSON(deleteItemMessage{
		Type:   "conversation.item.delete",
		ItemID: itemID,
	})
}

// CancelResponse cancels the response currently in flight, if any. A no-op
// when no response is active.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	id := s.activeResponseID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return s.writeJSON(cancelResponseMessage{Type: "response.cancel", ResponseID: id})
}

// ActiveResponseID returns the identifier of the in-flight response, or "".
func (s *Session) ActiveResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeResponseID
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *Session) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("realtime: session closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// keepaliveLoop sends a WebSocket-level ping every 25 s while the socket is
// open. The remote closes idle sockets after roughly 60 s and a quiet call
// may have no application traffic for longer than that.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// receiveLoop reads events until the socket closes, then fires Closed.
func (s *Session) receiveLoop() {
	defer func() {
		if s.handlers.Closed != nil {
			s.handlers.Closed()
		}
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && s.handlers.Error != nil {
				s.handlers.Error(fmt.Errorf("realtime: read: %w", err))
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			// Protocol error: drop the specific message.
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		var env responseEnvelope
		if evt.Response != nil {
			_ = json.Unmarshal(evt.Response, &env)
		}
		s.mu.Lock()
		s.activeResponseID = env.ID
		s.textBuf = s.textBuf[:0]
		s.mu.Unlock()
		if s.handlers.ResponseCreated != nil {
			s.handlers.ResponseCreated(env.ID)
		}

	case "response.text.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.textBuf = append(s.textBuf, evt.Delta...)
		s.mu.Unlock()
		if s.handlers.TextDelta != nil {
			s.handlers.TextDelta(evt.Delta)
		}

	case "response.text.done":
		s.mu.Lock()
		full := evt.Text
		if full == "" {
			full = string(s.textBuf)
		}
		s.textBuf = s.textBuf[:0]
		s.mu.Unlock()
		if s.handlers.TextDone != nil {
			s.handlers.TextDone(full)
		}

	case "response.output_item.added":
		// A function_call output item announces the call's name before any
		// argument deltas arrive. Seed the accumulator so deltas have a home.
		if evt.Item == nil || evt.Item.Type != "function_call" || evt.Item.CallID == "" {
			return
		}
		s.mu.Lock()
		if _, ok := s.argAccum[evt.Item.CallID]; !ok {
			s.argAccum[evt.Item.CallID] = &argAccumulator{name: evt.Item.Name}
		}
		s.mu.Unlock()

	case "response.function_call_arguments.delta":
		if evt.CallID == "" {
			return
		}
		s.mu.Lock()
		acc, ok := s.argAccum[evt.CallID]
		if !ok {
			acc = &argAccumulator{}
			s.argAccum[evt.CallID] = acc
		}
		acc.args = append(acc.args, evt.Delta...)
		s.mu.Unlock()

	case "response.function_call_arguments.done":
		if evt.CallID == "" {
			return
		}
		s.mu.Lock()
		acc := s.argAccum[evt.CallID]
		delete(s.argAccum, evt.CallID)
		s.mu.Unlock()

		name := evt.Name
		args := evt.Arguments
		if acc != nil {
			if name == "" {
				name = acc.name
			}
			if args == "" {
				args = string(acc.args)
			}
		}
		if args == "" {
			args = "{}"
		}
		if s.handlers.FunctionCall != nil {
			s.handlers.FunctionCall(FunctionCall{
				CallID: evt.CallID,
				Name:   name,
				Args:   json.RawMessage(args),
			})
		}

	case "conversation.item.created":
		if evt.Item == nil {
			return
		}
		if s.handlers.ItemCreated != nil {
			s.handlers.ItemCreated(evt.Item.ID, evt.Item.Role)
		}

	case "response.done":
		s.mu.Lock()
		s.activeResponseID = ""
		s.mu.Unlock()
		if s.handlers.ResponseDone != nil {
			s.handlers.ResponseDone(evt.Response)
		}

	case "error":
		if s.handlers.Error == nil {
			return
		}
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.handlers.Error(fmt.Errorf("realtime: %s", msg))
	}
}

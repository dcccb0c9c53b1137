// Package gpu provides the HTTP client for the GPU inference service that
// hosts voice-activity detection, smart end-of-turn classification,
// speech-to-text, and streaming text-to-speech.
//
// Every endpoint has its own timeout. A single shared timeout is unsafe
// here: VAD sits on the hot audio path and must fail within 2 s, while STT
// legitimately takes up to 20 s on long turns.
package gpu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiKeyHeader is the shared-secret header expected by the GPU service.
const apiKeyHeader = "X-API-Key"

// Per-endpoint timeouts. See the package comment for why these are not one
// shared value.
const (
	vadTimeout        = 2 * time.Second
	turnTimeout       = 5 * time.Second
	sttTimeout        = 20 * time.Second
	ttsConnectTimeout = 15 * time.Second
	resetTimeout      = 5 * time.Second
	healthTimeout     = 5 * time.Second
)

// VADEvent enumerates the per-batch classifications returned by the VAD
// endpoint.
type VADEvent string

const (
	VADSpeechStart VADEvent = "speech_start"
	VADSilence     VADEvent = "silence"
	VADSpeechEnd   VADEvent = "speech_end"
)

// VADResult is the response of POST /vad/detect. The server keeps per-session
// detector state keyed by SessionID.
type VADResult struct {
	Event       VADEvent `json:"event"`
	Probability float64  `json:"probability"`
}

// TurnResult is the response of POST /turn/check: whether the captured
// utterance is a finished turn or a mid-sentence pause.
type TurnResult struct {
	Complete   bool    `json:"complete"`
	Confidence float64 `json:"confidence"`
}

// Transcription is the response of POST /stt/transcribe.
type Transcription struct {
	Text             string  `json:"text"`
	Language         string  `json:"language"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMs int     `json:"processing_time_ms"`
}

// HealthStatus is the response of GET /health.
type HealthStatus struct {
	Status       string `json:"status"`
	ModelsLoaded bool   `json:"models_loaded"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the client used for the non-streaming endpoints.
// The per-endpoint timeouts still apply via request contexts. Primarily for
// tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the GPU inference service. It is stateless and safe for
// concurrent use by every call in the process.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// ttsHTTP has no overall timeout: TTS responses stream for as long as
	// the synthesized sentence plays. The connect phase is bounded by
	// ResponseHeaderTimeout; per-chunk stalls are the pipeline's job.
	ttsHTTP *http.Client
}

// New creates a Client for the GPU service at baseURL (no trailing slash
// required) authenticating with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
		ttsHTTP: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: ttsConnectTimeout,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// DetectVAD classifies one 200 ms batch of audio. audioB64 is a
// base64-encoded WAV; the session ID selects the server-side detector state.
func (c *Client) DetectVAD(ctx context.Context, audioB64, sessionID string) (*VADResult, error) {
	var out VADResult
	err := c.postJSON(ctx, vadTimeout, "/vad/detect", map[string]any{
		"audio":       audioB64,
		"sample_rate": 16000,
		"session_id":  sessionID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("gpu: vad detect: %w", err)
	}
	return &out, nil
}

// CheckTurn asks the smart-turn classifier whether the captured utterance is
// complete.
func (c *Client) CheckTurn(ctx context.Context, audioB64 string) (*TurnResult, error) {
	var out TurnResult
	err := c.postJSON(ctx, turnTimeout, "/turn/check", map[string]any{
		"audio": audioB64,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("gpu: turn check: %w", err)
	}
	return &out, nil
}

// Transcribe runs speech-to-text over the captured utterance.
func (c *Client) Transcribe(ctx context.Context, audioB64, language string) (*Transcription, error) {
	var out Transcription
	err := c.postJSON(ctx, sttTimeout, "/stt/transcribe", map[string]any{
		"audio":       audioB64,
		"language":    language,
		"sample_rate": 16000,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("gpu: transcribe: %w", err)
	}
	return &out, nil
}

// SynthesizeStream starts a streaming TTS request and returns the response
// body: raw 8 kHz PCM16, chunked. voice may be empty to use the GPU default
// for the language. The caller owns the reader and must Close it; it should
// also enforce its own per-chunk idle timeout — the client only bounds the
// connect phase.
func (c *Client) SynthesizeStream(ctx context.Context, text, language, voice string) (io.ReadCloser, error) {
	body := map[string]any{
		"text":      text,
		"language":  language,
		"streaming": true,
	}
	if voice != "" {
		body["voice"] = voice
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gpu: tts synthesize: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gpu: tts synthesize: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.ttsHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gpu: tts synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("gpu: tts synthesize: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// ResetVAD clears the server-side VAD state for a session. Best-effort:
// callers log failures and continue.
func (c *Client) ResetVAD(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, resetTimeout)
	defer cancel()

	u := c.baseURL + "/vad/reset?session_id=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("gpu: vad reset: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gpu: vad reset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gpu: vad reset: status %d", resp.StatusCode)
	}
	return nil
}

// Health reports service liveness and model-load status.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: health: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gpu: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gpu: health: status %d", resp.StatusCode)
	}

	var out HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gpu: health: decode: %w", err)
	}
	return &out, nil
}

// postJSON issues a JSON POST with the endpoint's timeout and decodes the
// JSON response into out.
func (c *Client) postJSON(ctx context.Context, timeout time.Duration, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a short error body for the log line, then discard the rest.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty response body")
		}
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

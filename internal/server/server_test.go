package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicewire/voicewire/internal/config"
)

func testConfig(gpuURL, apiURL string) *config.Config {
	return &config.Config{
		Port:     8080,
		LogLevel: config.LogInfo,
		OpenAI:   config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-test", Temperature: 0.8, MaxTokens: 2048},
		GPU:      config.GPUConfig{URL: gpuURL, APIKey: "k"},
		API:      config.APIConfig{URL: apiURL, Secret: "s"},
		Calls:    config.CallsConfig{MaxDurationSeconds: 600, SilenceTimeoutSeconds: 30},
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	gpuSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "models_loaded": true})
	}))
	defer gpuSrv.Close()

	s, err := New(testConfig(gpuSrv.URL, "http://api.invalid"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"active_calls"`
		GPUServer   string `json:"gpu_server"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.ActiveCalls != 0 || body.GPUServer != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthEndpointGPUDown(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig("http://127.0.0.1:1", "http://api.invalid"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		GPUServer string `json:"gpu_server"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.GPUServer != "unreachable" {
		t.Errorf("gpu_server = %q", body.GPUServer)
	}
}

// Package server wires the VoiceWire subsystems into a running HTTP
// process: the telephony webhook surface, the per-call media streams, the
// operator health endpoint, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/confsvc"
	"github.com/voicewire/voicewire/internal/gpu"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/internal/telephony"
	"github.com/voicewire/voicewire/pkg/realtime"
)

// shutdownGrace bounds how long Shutdown waits for active calls to finish
// tearing down.
const shutdownGrace = 15 * time.Second

// Server owns the process lifecycle.
type Server struct {
	cfg      *config.Config
	registry *call.Registry
	gpuC     *gpu.Client
	confC    *confsvc.Client
	llmC     *realtime.Client
	metrics  *observe.Metrics

	httpSrv *http.Server

	mu      sync.Mutex
	callers map[string]*telephony.Caller // account SID → cached REST client

	// callWG tracks running pipelines for shutdown.
	callWG sync.WaitGroup

	// baseCtx is cancelled on Shutdown to end every active call.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New builds a Server from configuration. Call observe.InitProvider first
// so the metric instruments land on the real provider.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		registry: call.NewRegistry(),
		gpuC:     gpu.New(cfg.GPU.URL, cfg.GPU.APIKey),
		confC:    confsvc.New(cfg.API.URL, cfg.API.Secret),
		llmC: realtime.NewClient(cfg.OpenAI.APIKey,
			realtime.WithModel(cfg.OpenAI.Model),
			realtime.WithTemperature(cfg.OpenAI.Temperature),
			realtime.WithMaxResponseTokens(cfg.OpenAI.MaxTokens),
		),
		metrics: observe.DefaultMetrics(),
		callers: make(map[string]*telephony.Caller),
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	adapter := telephony.NewAdapter(telephony.AdapterConfig{
		PublicHost:         cfg.PublicHost,
		ValidateSignatures: cfg.Twilio.ValidateSignatures,
	}, s.confC, s.handleStream)

	mux := http.NewServeMux()
	adapter.Register(mux)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s, nil
}

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	slog.Info("server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting new work, ends every active call with reason
// server_shutdown, and waits (bounded) for teardown to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.callWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("shutdown grace expired with calls still tearing down",
			"active_calls", s.registry.Count())
	case <-ctx.Done():
	}

	return s.httpSrv.Shutdown(ctx)
}

// handleStream is the telephony.StreamHandler: it resolves the assistant
// configuration, builds the per-call session and pipeline, and runs the
// call to completion.
func (s *Server) handleStream(_ context.Context, callSID, caller string, routing *confsvc.IncomingCall, stream *telephony.Stream) {
	cfg, err := s.confC.CallConfig(s.baseCtx, callSID)
	if err != nil {
		slog.Error("call config fetch failed", "call_sid", callSID, "err", err)
		return
	}

	sess := call.New(callSID, caller, routing, cfg)

	authToken := cfg.TwilioAuthToken
	if authToken == "" {
		authToken = routing.TwilioAuthToken
	}
	control := s.callerFor(cfg.TwilioAccountSID, authToken)

	p := pipeline.New(sess, stream, pipeline.Deps{
		GPU:        s.gpuC,
		ConnectLLM: s.connectLLM,
		Conf:       s.confC,
		Control:    control,
		Registry:   s.registry,
		Summarizer: pipeline.NewOpenAISummarizer(s.cfg.OpenAI.APIKey, ""),
		Metrics:    s.metrics,

		SilenceTimeout: time.Duration(s.cfg.Calls.SilenceTimeoutSeconds) * time.Second,
		MaxDuration:    time.Duration(s.cfg.Calls.MaxDurationSeconds) * time.Second,
	})

	s.callWG.Add(1)
	defer s.callWG.Done()
	p.Run(s.baseCtx)
}

// connectLLM adapts the realtime client to the pipeline's connector shape.
func (s *Server) connectLLM(ctx context.Context, cfg realtime.SessionConfig, handlers realtime.Handlers) (pipeline.LLMSession, error) {
	return s.llmC.Connect(ctx, cfg, handlers)
}

// callerFor returns the cached REST client for an account, constructing it
// once. The client is never recreated for the lifetime of the process.
func (s *Server) callerFor(accountSID, authToken string) *telephony.Caller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.callers[accountSID]; ok {
		return c
	}
	c := telephony.NewCaller(accountSID, authToken)
	s.callers[accountSID] = c
	return c
}

// handleHealth reports liveness, the active call count, and the GPU
// service's own health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type healthResponse struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"active_calls"`
		GPUServer   string `json:"gpu_server"`
	}

	resp := healthResponse{
		Status:      "ok",
		ActiveCalls: s.registry.Count(),
		GPUServer:   "ok",
	}
	if hs, err := s.gpuC.Health(r.Context()); err != nil {
		resp.GPUServer = "unreachable"
	} else if hs.Status != "ok" || !hs.ModelsLoaded {
		resp.GPUServer = hs.Status
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(resp)
}

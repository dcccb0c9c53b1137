// Package pipeline wires one phone call end to end: telephony audio in, the
// turn-taking state machine, GPU inference, the LLM session, tool execution,
// sentence-chunked synthesis out, and teardown.
//
// Each call's pipeline is logically single-threaded: every handler runs on
// one event-loop goroutine fed by an inbox of thunks. The telephony reader,
// LLM callbacks, timers, and async completions all post to the inbox, so the
// per-call session state needs no locking.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/confsvc"
	"github.com/voicewire/voicewire/internal/gpu"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/telephony"
	"github.com/voicewire/voicewire/internal/tools"
	"github.com/voicewire/voicewire/pkg/realtime"
)

// Turn-taking constants. Frames are 20 ms of μ-law; ten of them form one
// 200 ms VAD batch of PCM16 at 16 kHz.
const (
	batchPCMBytes = 10 * 20 * 16 * 2 // 200 ms at 16 kHz, 2 bytes/sample

	maxSpeech = 20 * time.Second
	minSpeech = 200 * time.Millisecond

	// interruptThreshold is the number of confirmed speech_start batches
	// that cancels AI speech.
	interruptThreshold = 1

	// fastInterruptProb is the VAD probability that counts toward the
	// fast-interrupt bypass while the AI is speaking.
	fastInterruptProb = 0.6

	// smartTurnFallbackMs releases a held turn after this much accumulated
	// silence. This is an accumulator over VAD silence events, NOT a timer:
	// a timer resets on every reflexive "hello?" and was measured to push
	// response latency to ~26 s.
	smartTurnFallbackMs = 3000

	ttsIdleTimeout = 10 * time.Second

	markAISpeechEnd = "ai_speech_end"
)

// MediaStream is the per-call telephony socket as the pipeline sees it.
// *telephony.Stream implements it.
type MediaStream interface {
	Read(ctx context.Context) (*telephony.Event, error)
	SendMedia(streamSID string, mulaw []byte) error
	SendMark(streamSID, name string) error
	SendClear(streamSID string) error
	Close() error
}

// CallControl is the provider REST surface used for hangup and transfers.
// *telephony.Caller implements it.
type CallControl interface {
	Hangup(ctx context.Context, callSID string) error
	RedirectTwiML(ctx context.Context, callSID, twiml string) error
	RedirectURL(ctx context.Context, callSID, url string) error
}

// Inference is the GPU service surface. *gpu.Client implements it.
type Inference interface {
	DetectVAD(ctx context.Context, audioB64, sessionID string) (*gpu.VADResult, error)
	CheckTurn(ctx context.Context, audioB64 string) (*gpu.TurnResult, error)
	Transcribe(ctx context.Context, audioB64, language string) (*gpu.Transcription, error)
	SynthesizeStream(ctx context.Context, text, language, voice string) (io.ReadCloser, error)
	ResetVAD(ctx context.Context, sessionID string) error
}

// LLMSession is the live Realtime conversation. *realtime.Session
// implements it.
type LLMSession interface {
	SendUserMessage(text string) error
	SendFunctionResult(callID string, result any) error
	InjectContext(text string) error
	DeleteItem(itemID string) error
	CancelResponse() error
	Close() error
}

// LLMConnector dials the LLM session for a call.
type LLMConnector func(ctx context.Context, cfg realtime.SessionConfig, handlers realtime.Handlers) (LLMSession, error)

// ConfigService is the slice of the configuration-service client the
// pipeline needs at runtime. *confsvc.Client implements it.
type ConfigService interface {
	CompleteCall(ctx context.Context, callSID string, completion *confsvc.Completion) error
	TransferAgentURL(ctx context.Context, callSID, agentID string) (string, error)
}

// Summarizer produces the 2–4 sentence context summary. Nil disables
// summarization regardless of the assistant flag.
type Summarizer interface {
	Summarize(ctx context.Context, lines []call.TranscriptLine) (string, error)
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	GPU        Inference
	ConnectLLM LLMConnector
	Conf       ConfigService
	Control    CallControl
	Registry   *call.Registry
	Summarizer Summarizer
	Metrics    *observe.Metrics

	// Process-level defaults; assistant configuration overrides them.
	SilenceTimeout time.Duration
	MaxDuration    time.Duration
}

// Pipeline runs one call. Create with New, then call Run exactly once.
type Pipeline struct {
	sess   *call.Session
	stream MediaStream
	deps   Deps
	tools  *tools.Engine
	llm    LLMSession

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}

	// ready flips once the LLM socket is open and the first message is
	// enqueued; media arriving earlier queues in pendingMedia.
	ready        bool
	pendingMedia [][]byte

	// ttsBuf accumulates LLM text deltas until a sentence boundary.
	ttsBuf string

	// ttsCancel kills the in-flight synthesis stream on interrupt.
	ttsCancel context.CancelFunc

	// pendingSpeechEnd records a speech_end that arrived while the previous
	// turn's smart-turn+STT round trip was still outstanding. The deferred
	// end is resolved by finishTurnResolution once that round trip lands.
	pendingSpeechEnd bool

	// turnEndedAt marks the last confirmed speech end, for round-trip metrics.
	turnEndedAt time.Time

	cleanupOnce sync.Once
}

// New builds a pipeline for one session and its accepted media stream.
func New(sess *call.Session, stream MediaStream, deps Deps) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	p := &Pipeline{
		sess:   sess,
		stream: stream,
		deps:   deps,
		inbox:  make(chan func(), 256),
		done:   make(chan struct{}),
	}
	// The call context exists from construction so handlers and helpers can
	// post before Run wires the parent in.
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.tools = tools.NewEngine(sess.CallSID, sess.Config, sess.VoiceFor, p, nil)
	return p
}

// Run drives the call until teardown. It blocks for the call's lifetime.
//
// Ordering at open (start events can beat the LLM handshake): the telephony
// reader starts before the LLM connect so the stream identifier is captured
// immediately; media queues until the LLM socket and the first synthesized
// message are in place.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.cancel()
	go func() {
		select {
		case <-ctx.Done():
			p.cancel()
		case <-p.ctx.Done():
		}
	}()

	p.deps.Registry.Insert(p.sess)
	p.deps.Metrics.CallsStarted.Add(p.ctx, 1)
	p.deps.Metrics.ActiveCalls.Add(p.ctx, 1)

	go p.loop()
	go p.readLoop()

	llm, err := p.deps.ConnectLLM(p.ctx, realtime.SessionConfig{
		Instructions: p.sess.Config.SystemPrompt,
		Tools:        tools.BuildDescriptors(p.sess.Config),
	}, p.llmHandlers())
	if err != nil {
		slog.Error("llm connect failed", "call_sid", p.sess.CallSID, "err", err)
		p.post(func() { p.cleanup("llm_connect_failed") })
		<-p.done
		return
	}

	p.post(func() {
		if p.sess.Terminal() {
			llm.Close()
			return
		}
		p.llm = llm
		p.sess.Status = call.StatusActive
		p.startTimers()

		if msg := strings.TrimSpace(p.sess.Config.FirstMessage); msg != "" {
			p.sess.AppendTranscript("assistant", msg)
			p.enqueueSpeak(msg)
		}

		p.ready = true
		pending := p.pendingMedia
		p.pendingMedia = nil
		for _, frame := range pending {
			p.handleMediaFrame(frame)
		}
	})

	<-p.done
}

// loop is the per-call event loop. Every state mutation happens here.
func (p *Pipeline) loop() {
	for {
		select {
		case <-p.ctx.Done():
			// Parent cancellation (e.g. process shutdown) without an
			// explicit teardown path still funnels into cleanup.
			p.cleanup("server_shutdown")
			return
		case fn := <-p.inbox:
			fn()
		}
	}
}

// post schedules fn on the event loop. Dropped once the call is torn down.
func (p *Pipeline) post(fn func()) {
	select {
	case p.inbox <- fn:
	case <-p.ctx.Done():
	}
}

// sync runs fn on the event loop and waits for it. Used by goroutines that
// need a consistent snapshot of session state (the speech-queue worker).
// Returns false without running fn when the call is torn down.
func (p *Pipeline) sync(fn func()) bool {
	done := make(chan struct{})
	select {
	case p.inbox <- func() { fn(); close(done) }:
	case <-p.ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// readLoop pumps telephony events into the inbox.
func (p *Pipeline) readLoop() {
	for {
		evt, err := p.stream.Read(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.post(func() { p.cleanup("ws_closed") })
			}
			return
		}

		switch evt.Type {
		case "start":
			sid := evt.StreamSID
			// The stream identifier is captured unconditionally, even while
			// the rest of the pipeline is still initializing.
			p.post(func() { p.sess.StreamSID = sid })
		case "media":
			payload := evt.Media
			p.post(func() { p.onMedia(payload) })
		case "stop":
			p.post(func() { p.cleanup("ws_closed") })
			return
		case "mark":
			name := evt.Mark
			p.post(func() { p.onMark(name) })
		}
	}
}

// onMark handles the provider echoing back our marks. The ai_speech_end
// echo means all synthesized audio has played to the caller.
func (p *Pipeline) onMark(name string) {
	if name != markAISpeechEnd {
		return
	}
	p.sess.AISpeaking = false
	p.restartSilenceTimer()
}

// ── Timers ────────────────────────────────────────────────────────────────────

func (p *Pipeline) silenceTimeout() time.Duration {
	if s := p.sess.Config.SilenceTimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return p.deps.SilenceTimeout
}

func (p *Pipeline) maxDuration() time.Duration {
	if s := p.sess.Config.MaxDurationSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return p.deps.MaxDuration
}

func (p *Pipeline) startTimers() {
	p.restartSilenceTimer()
	if d := p.maxDuration(); d > 0 {
		p.sess.MaxTimer = time.AfterFunc(d, func() {
			p.post(func() { p.endCall("max_duration") })
		})
	}
}

func (p *Pipeline) restartSilenceTimer() {
	p.stopSilenceTimer()
	d := p.silenceTimeout()
	if d <= 0 || p.sess.Terminal() {
		return
	}
	p.sess.SilenceTimer = time.AfterFunc(d, func() {
		p.post(func() { p.endCall("silence_timeout") })
	})
}

func (p *Pipeline) stopSilenceTimer() {
	if p.sess.SilenceTimer != nil {
		p.sess.SilenceTimer.Stop()
		p.sess.SilenceTimer = nil
	}
}

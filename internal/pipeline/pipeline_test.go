package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/confsvc"
	"github.com/voicewire/voicewire/internal/gpu"
	"github.com/voicewire/voicewire/internal/telephony"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/realtime"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// fakeStream implements MediaStream over channels.
type fakeStream struct {
	events chan *telephony.Event

	mu     sync.Mutex
	media  [][]byte
	marks  []string
	clears int
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan *telephony.Event, 256)}
}

func (f *fakeStream) Read(ctx context.Context) (*telephony.Event, error) {
	select {
	case evt, ok := <-f.events:
		if !ok {
			return nil, io.EOF
		}
		return evt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) SendMedia(_ string, mulaw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(mulaw))
	copy(cp, mulaw)
	f.media = append(f.media, cp)
	return nil
}

func (f *fakeStream) SendMark(_ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeStream) SendClear(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

func (f *fakeStream) markCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.marks)
}

func (f *fakeStream) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

// fakeGPU scripts the inference endpoints.
type fakeGPU struct {
	mu sync.Mutex

	vadResults []*gpu.VADResult // consumed in order; nil entry = error
	vadCalls   int
	vadBlock   chan struct{} // when non-nil, DetectVAD waits on it

	turnResults []*gpu.TurnResult
	turnCalls   int
	turnBlock   chan struct{} // when non-nil, CheckTurn waits on it

	sttResults []*gpu.Transcription
	sttCalls   int
	sttAudio   []string // wav payloads received

	ttsPCM    []byte
	ttsCalls  int
	ttsBlock  chan struct{} // when non-nil, stream stays open until closed
	resets    int
	resetSIDs []string
}

func (f *fakeGPU) DetectVAD(ctx context.Context, audioB64, sessionID string) (*gpu.VADResult, error) {
	f.mu.Lock()
	block := f.vadBlock
	f.vadCalls++
	var res *gpu.VADResult
	if len(f.vadResults) > 0 {
		res = f.vadResults[0]
		f.vadResults = f.vadResults[1:]
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res == nil {
		return &gpu.VADResult{Event: gpu.VADSilence, Probability: 0}, nil
	}
	return res, nil
}

func (f *fakeGPU) CheckTurn(ctx context.Context, _ string) (*gpu.TurnResult, error) {
	f.mu.Lock()
	f.turnCalls++
	block := f.turnBlock
	var res *gpu.TurnResult
	if len(f.turnResults) > 0 {
		res = f.turnResults[0]
		f.turnResults = f.turnResults[1:]
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res == nil {
		return &gpu.TurnResult{Complete: true, Confidence: 0.9}, nil
	}
	return res, nil
}

func (f *fakeGPU) Transcribe(_ context.Context, audioB64, language string) (*gpu.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sttCalls++
	f.sttAudio = append(f.sttAudio, audioB64)
	if len(f.sttResults) > 0 {
		res := f.sttResults[0]
		f.sttResults = f.sttResults[1:]
		return res, nil
	}
	return &gpu.Transcription{Text: "", Language: language}, nil
}

func (f *fakeGPU) SynthesizeStream(ctx context.Context, _, _, _ string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.ttsCalls++
	pcm := f.ttsPCM
	block := f.ttsBlock
	f.mu.Unlock()

	if pcm == nil {
		pcm = make([]byte, 640) // two frames worth of PCM
	}
	pr, pw := io.Pipe()
	go func() {
		pw.Write(pcm)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
			}
		}
		pw.Close()
	}()
	return pr, nil
}

func (f *fakeGPU) ResetVAD(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.resetSIDs = append(f.resetSIDs, sessionID)
	return nil
}

func (f *fakeGPU) counts() (vad, turn, stt, tts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vadCalls, f.turnCalls, f.sttCalls, f.ttsCalls
}

// fakeLLM records session operations.
type fakeLLM struct {
	mu        sync.Mutex
	userMsgs  []string
	results   map[string]any
	resultIDs []string
	injected  []string
	deleted   []string
	cancels   int
	closed    bool
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{results: make(map[string]any)}
}

func (f *fakeLLM) SendUserMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userMsgs = append(f.userMsgs, text)
	return nil
}

func (f *fakeLLM) SendFunctionResult(callID string, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[callID] = result
	f.resultIDs = append(f.resultIDs, callID)
	return nil
}

func (f *fakeLLM) InjectContext(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, text)
	return nil
}

func (f *fakeLLM) DeleteItem(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeLLM) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeLLM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLLM) userCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.userMsgs)
}

func (f *fakeLLM) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeLLM) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// fakeControl records REST call-control actions.
type fakeControl struct {
	mu      sync.Mutex
	hangups []string
	twimls  []string
	urls    []string
}

func (f *fakeControl) Hangup(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callSID)
	return nil
}

func (f *fakeControl) RedirectTwiML(_ context.Context, _, twiml string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.twimls = append(f.twimls, twiml)
	return nil
}

func (f *fakeControl) RedirectURL(_ context.Context, _, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return nil
}

// fakeConf records completion callbacks.
type fakeConf struct {
	mu          sync.Mutex
	completions []*confsvc.Completion
	agentURL    string
}

func (f *fakeConf) CompleteCall(_ context.Context, _ string, c *confsvc.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, c)
	return nil
}

func (f *fakeConf) TransferAgentURL(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agentURL, nil
}

func (f *fakeConf) completionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completions)
}

// fakeSummarizer returns a fixed summary.
type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, lines []call.TranscriptLine) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(lines) == 0 {
		return "", nil
	}
	return "The caller asked about hours and gave an order number.", nil
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	p          *Pipeline
	sess       *call.Session
	stream     *fakeStream
	gpuFake    *fakeGPU
	llm        *fakeLLM
	control    *fakeControl
	conf       *fakeConf
	registry   *call.Registry
	summarizer *fakeSummarizer
	handlers   realtime.Handlers
	cancel     context.CancelFunc
}

func defaultConfig() *confsvc.AssistantConfig {
	return &confsvc.AssistantConfig{
		SystemPrompt:          "You are a receptionist.",
		FirstMessage:          "Hello!",
		Language:              "en",
		Voice:                 "nova",
		SilenceTimeoutSeconds: 60,
		MaxDurationSeconds:    600,
		EndCallEnabled:        true,
	}
}

// newHarness builds a running pipeline wired to fakes and waits for it to
// become ready.
func newHarness(t *testing.T, cfg *confsvc.AssistantConfig) *harness {
	t.Helper()
	if cfg == nil {
		cfg = defaultConfig()
	}

	h := &harness{
		stream:     newFakeStream(),
		gpuFake:    &fakeGPU{},
		llm:        newFakeLLM(),
		control:    &fakeControl{},
		conf:       &fakeConf{},
		registry:   call.NewRegistry(),
		summarizer: &fakeSummarizer{},
	}
	h.sess = call.New("CA-test", "+15551234",
		&confsvc.IncomingCall{AssistantID: "asst_1", OrganizationID: "org_1"}, cfg)

	connector := func(_ context.Context, _ realtime.SessionConfig, handlers realtime.Handlers) (LLMSession, error) {
		h.handlers = handlers
		return h.llm, nil
	}

	h.p = New(h.sess, h.stream, Deps{
		GPU:            h.gpuFake,
		ConnectLLM:     connector,
		Conf:           h.conf,
		Control:        h.control,
		Registry:       h.registry,
		Summarizer:     h.summarizer,
		SilenceTimeout: time.Minute,
		MaxDuration:    10 * time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.p.done:
		case <-time.After(3 * time.Second):
		}
	})

	go h.p.Run(ctx)

	h.stream.events <- &telephony.Event{Type: "start", StreamSID: "MZx"}
	waitFor(t, func() bool {
		ok := false
		h.p.sync(func() { ok = h.p.ready && h.sess.StreamSID == "MZx" })
		return ok
	})
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// loudFrame is 20 ms of μ-law at constant amplitude 5000.
func loudFrame() []byte {
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(5000 & 0xff)
		pcm[i+1] = byte(5000 >> 8)
	}
	return audio.EncodeMulaw(pcm)
}

// quietFrame is 20 ms of μ-law silence.
func quietFrame() []byte {
	return audio.EncodeMulaw(make([]byte, 320))
}

// sendBatch feeds ten 20 ms frames (one 200 ms VAD batch).
func (h *harness) sendBatch(frame []byte) {
	for range 10 {
		h.stream.events <- &telephony.Event{Type: "media", Media: frame}
	}
}

// backdateTurnStart moves the turn start into the past so the min-speech
// gate sees a real-length turn despite the test running in microseconds.
func (h *harness) backdateTurnStart(t *testing.T, d time.Duration) {
	t.Helper()
	if !h.p.sync(func() {
		if !h.sess.TurnStartedAt.IsZero() {
			h.sess.TurnStartedAt = h.sess.TurnStartedAt.Add(-d)
		}
	}) {
		t.Fatal("pipeline already torn down")
	}
}

func (h *harness) waitVADIdle(t *testing.T, calls int) {
	t.Helper()
	waitFor(t, func() bool {
		vad, _, _, _ := h.gpuFake.counts()
		if vad < calls {
			return false
		}
		idle := false
		h.p.sync(func() { idle = !h.sess.VADInFlight })
		return idle
	})
}

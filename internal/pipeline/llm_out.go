package pipeline

import (
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/voicewire/voicewire/internal/confsvc"
	"github.com/voicewire/voicewire/pkg/realtime"
)

// defaultFillerPhrases mask tool-call latency when the assistant config
// supplies none of its own.
var defaultFillerPhrases = []string{"One moment.", "Let me check that."}

// llmHandlers bridges the Realtime session's callbacks onto the event loop.
func (p *Pipeline) llmHandlers() realtime.Handlers {
	return realtime.Handlers{
		TextDelta: func(token string) {
			p.post(func() { p.onTextDelta(token) })
		},
		TextDone: func(full string) {
			p.post(func() { p.onTextDone(full) })
		},
		FunctionCall: func(fc realtime.FunctionCall) {
			p.post(func() { p.onFunctionCall(fc) })
		},
		ItemCreated: func(id, role string) {
			p.post(func() { p.onItemCreated(id, role) })
		},
		Error: func(err error) {
			slog.Warn("llm session error", "call_sid", p.sess.CallSID, "err", err)
		},
		Closed: func() {
			slog.Info("llm socket closed", "call_sid", p.sess.CallSID)
		},
	}
}

// onTextDelta accumulates streamed tokens and flushes each completed
// sentence onto the serial speech queue.
func (p *Pipeline) onTextDelta(token string) {
	if p.sess.Terminal() {
		return
	}
	p.ttsBuf += token

	sentences, rest := splitSentences(p.ttsBuf)
	p.ttsBuf = rest
	for _, sentence := range sentences {
		p.enqueueSpeak(sentence)
	}
}

// onTextDone flushes the trailing fragment and records the full reply.
func (p *Pipeline) onTextDone(full string) {
	if p.sess.Terminal() {
		return
	}
	if rest := strings.TrimSpace(p.ttsBuf); rest != "" {
		p.enqueueSpeak(rest)
	}
	p.ttsBuf = ""

	if full = strings.TrimSpace(full); full != "" {
		p.sess.AppendTranscript("assistant", full)
	}
	p.maybeSummarize()
}

// onItemCreated tracks remote conversation items so summarization can
// delete them later.
func (p *Pipeline) onItemCreated(id, _ string) {
	if id == "" {
		return
	}
	p.sess.TrackedItemIDs = append(p.sess.TrackedItemIDs, id)
	p.maybeSummarize()
}

// onFunctionCall runs a tool asynchronously, optionally masking its latency
// with a filler phrase. The serial speech queue preserves filler ordering
// with the subsequent real response by construction.
func (p *Pipeline) onFunctionCall(fc realtime.FunctionCall) {
	s := p.sess
	if s.Terminal() {
		return
	}

	cfg := s.Config
	if cfg.EnableFillerPhrases && !s.AISpeaking {
		phrases := cfg.FillerPhrases
		if len(phrases) == 0 {
			phrases = defaultFillerPhrases
		}
		p.enqueueSpeak(phrases[rand.IntN(len(phrases))])
	}

	start := time.Now()
	go func() {
		result := p.tools.Dispatch(p.ctx, fc.Name, fc.Args)
		p.deps.Metrics.ToolDuration.Record(p.ctx, time.Since(start).Seconds())
		p.deps.Metrics.ToolCalls.Add(p.ctx, 1)

		p.post(func() {
			if p.sess.Terminal() || p.llm == nil {
				return
			}
			if err := p.llm.SendFunctionResult(fc.CallID, result); err != nil {
				slog.Warn("function result send failed",
					"call_sid", p.sess.CallSID, "tool", fc.Name, "err", err)
			}
		})
	}()
}

// ── tools.Events implementation ───────────────────────────────────────────────
// Tool dispatch goroutines deliver session-level actions here; each lands on
// the event loop before touching state.

// EndCallRequested implements tools.Events.
func (p *Pipeline) EndCallRequested(reason string) {
	p.post(func() { p.endCall(reason) })
}

// TransferToNumber implements tools.Events.
func (p *Pipeline) TransferToNumber(rule confsvc.TransferRule, condition string) {
	p.post(func() { p.transferToNumber(rule, condition) })
}

// TransferToAgent implements tools.Events.
func (p *Pipeline) TransferToAgent(rule confsvc.AgentTransferRule, condition string) {
	p.post(func() { p.transferToAgent(rule, condition) })
}

// LanguageSwitched implements tools.Events.
func (p *Pipeline) LanguageSwitched(language, voice string) {
	p.post(func() {
		p.sess.Language = language
		p.sess.Voice = voice
		slog.Info("language switched", "call_sid", p.sess.CallSID, "language", language, "voice", voice)
	})
}

// VoicemailRequested implements tools.Events.
func (p *Pipeline) VoicemailRequested() {
	p.post(func() { p.leaveVoicemail() })
}

// VariablesExtracted implements tools.Events.
func (p *Pipeline) VariablesExtracted(vars map[string]string) {
	p.post(func() {
		for k, v := range vars {
			p.sess.Variables[k] = v
		}
	})
}

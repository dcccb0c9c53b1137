package pipeline

import "log/slog"

// interrupt cancels the AI mid-speech: the in-flight LLM response is
// cancelled, the provider's buffered audio flushed, the in-flight synthesis
// stream killed, and the speech queue reset so sentences produced before the
// interrupt never play after it. Runs on the event loop.
func (p *Pipeline) interrupt() {
	s := p.sess

	if p.llm != nil {
		if err := p.llm.CancelResponse(); err != nil {
			slog.Debug("response cancel failed", "call_sid", s.CallSID, "err", err)
		}
	}

	if s.StreamSID != "" {
		if err := p.stream.SendClear(s.StreamSID); err != nil {
			slog.Warn("clear send failed", "call_sid", s.CallSID, "err", err)
		}
	}

	s.AISpeaking = false
	p.ttsBuf = ""
	s.PreRoll = s.PreRoll[:0]
	s.Queue.Reset()
	if p.ttsCancel != nil {
		p.ttsCancel()
		p.ttsCancel = nil
	}

	p.deps.Metrics.Interrupts.Add(p.ctx, 1)
	slog.Debug("interrupt", "call_sid", s.CallSID)
}

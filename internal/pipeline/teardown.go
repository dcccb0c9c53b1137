package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/confsvc"
	"github.com/voicewire/voicewire/internal/telephony"
)

// teardownTimeout bounds the outbound requests of the teardown paths.
const teardownTimeout = 10 * time.Second

// endCall hangs up the call. Idempotent: a call already ending or ended is
// left alone. Runs on the event loop.
func (p *Pipeline) endCall(reason string) {
	s := p.sess
	if s.Terminal() {
		return
	}
	s.Status = call.StatusEnding
	slog.Info("ending call", "call_sid", s.CallSID, "reason", reason)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := p.deps.Control.Hangup(ctx, s.CallSID); err != nil {
			slog.Warn("hangup failed", "call_sid", s.CallSID, "err", err)
		}
		// Regardless of the hangup outcome, enter cleanup.
		p.post(func() { p.cleanup(reason) })
	}()
}

// leaveVoicemail speaks the configured voicemail message, then ends the
// call. Runs on the event loop.
func (p *Pipeline) leaveVoicemail() {
	s := p.sess
	if s.Terminal() {
		return
	}
	msg := strings.TrimSpace(s.Config.VoicemailMessage)

	go func() {
		if msg != "" {
			p.speakAndWait(msg)
		}
		p.post(func() { p.endCall("voicemail") })
	}()
}

// transferToNumber speaks the optional pre-transfer message, then redirects
// the call with a Dial document matching the rule's transfer type. Runs on
// the event loop; the slow parts run aside.
func (p *Pipeline) transferToNumber(rule confsvc.TransferRule, condition string) {
	s := p.sess
	if s.Terminal() {
		return
	}
	slog.Info("transferring call", "call_sid", s.CallSID,
		"target", rule.PhoneNumber, "type", rule.TransferType, "condition", condition)

	go func() {
		if rule.EnableClientMessage && strings.TrimSpace(rule.TransferMessage) != "" {
			p.speakAndWait(rule.TransferMessage)
		}

		var (
			doc string
			err error
		)
		if rule.TransferType == "sip_refer" {
			doc, err = telephony.DialSipTwiML(rule.PhoneNumber)
		} else {
			doc, err = telephony.DialNumberTwiML(rule.PhoneNumber)
		}
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			err = p.deps.Control.RedirectTwiML(ctx, s.CallSID, doc)
			cancel()
		}
		if err != nil {
			slog.Error("transfer failed", "call_sid", s.CallSID, "err", err)
		}
		p.post(func() { p.cleanup("transferred") })
	}()
}

// transferToAgent resolves the target webhook through the configuration
// service and redirects the call there.
func (p *Pipeline) transferToAgent(rule confsvc.AgentTransferRule, condition string) {
	s := p.sess
	if s.Terminal() {
		return
	}
	slog.Info("transferring call to agent", "call_sid", s.CallSID,
		"agent_id", rule.AgentID, "condition", condition)

	go func() {
		if rule.EnableClientMessage && strings.TrimSpace(rule.TransferMessage) != "" {
			p.speakAndWait(rule.TransferMessage)
		}
		if rule.DelaySeconds > 0 {
			time.Sleep(time.Duration(rule.DelaySeconds) * time.Second)
		}

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		url, err := p.deps.Conf.TransferAgentURL(ctx, s.CallSID, rule.AgentID)
		if err == nil && url != "" {
			err = p.deps.Control.RedirectURL(ctx, s.CallSID, url)
		}
		if err != nil {
			slog.Error("agent transfer failed", "call_sid", s.CallSID, "agent_id", rule.AgentID, "err", err)
		}
		p.post(func() { p.cleanup("transferred") })
	}()
}

// cleanup is the single terminal path every teardown funnels through.
// Idempotent: timers, sockets, and the registry entry are released exactly
// once. Safe to invoke from the event loop only.
func (p *Pipeline) cleanup(reason string) {
	p.cleanupOnce.Do(func() {
		s := p.sess
		s.Status = call.StatusEnded

		s.StopTimers()
		s.Queue.Close()
		if p.ttsCancel != nil {
			p.ttsCancel()
			p.ttsCancel = nil
		}
		if p.llm != nil {
			p.llm.Close()
		}
		p.stream.Close()

		// Snapshot conversation state for the completion callback before
		// the loop goroutine goes away.
		completion := &confsvc.Completion{
			CallSID:          s.CallSID,
			AssistantID:      s.AssistantID,
			OrganizationID:   s.OrganizationID,
			Status:           "done",
			EndReason:        reason,
			DurationSeconds:  time.Since(s.CreatedAt).Seconds(),
			Transcript:       make([]confsvc.TranscriptEntry, len(s.Transcript)),
			DynamicVariables: make(map[string]string, len(s.Variables)),
		}
		for i, line := range s.Transcript {
			completion.Transcript[i] = confsvc.TranscriptEntry{
				Role:           line.Role,
				Message:        line.Text,
				TimeInCallSecs: line.T,
			}
		}
		for k, v := range s.Variables {
			completion.DynamicVariables[k] = v
		}

		sessionID := s.SessionID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			// Best-effort: server-side VAD state, then the terminal report.
			if err := p.deps.GPU.ResetVAD(ctx, sessionID); err != nil {
				slog.Warn("vad reset failed", "call_sid", s.CallSID, "err", err)
			}
			if err := p.deps.Conf.CompleteCall(ctx, s.CallSID, completion); err != nil {
				slog.Warn("completion callback failed", "call_sid", s.CallSID, "err", err)
			}
		}()

		p.deps.Registry.Remove(s.CallSID)
		p.deps.Metrics.ActiveCalls.Add(context.Background(), -1)
		p.deps.Metrics.CallsEnded.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))

		slog.Info("call ended", "call_sid", s.CallSID, "reason", reason,
			"duration_s", int(time.Since(s.CreatedAt).Seconds()))

		p.cancel()
		close(p.done)
	})
}

package pipeline

import (
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/gpu"
	"github.com/voicewire/voicewire/pkg/audio"
)

// onSpeechEnd closes a turn: gates out sub-minimum bursts and AI echo, then
// runs the smart-turn check and STT in parallel on the captured audio.
func (p *Pipeline) onSpeechEnd() {
	s := p.sess

	if s.STTInFlight {
		// The previous turn's resolution is still outstanding: exactly one
		// may be live per session. Keep the audio where it is and let
		// finishTurnResolution replay this end once the check lands.
		s.UserSpeaking = false
		s.SpeechStartCount = 0
		s.TurnStartedAt = time.Time{}
		p.pendingSpeechEnd = true
		return
	}

	continuation := s.AwaitingTurnConfirm
	countBefore := s.SpeechStartCount
	var turnDur time.Duration
	if !s.TurnStartedAt.IsZero() {
		turnDur = time.Since(s.TurnStartedAt)
	}

	buf := s.SpeechBuf
	s.SpeechBuf = make([]byte, 0, cap(buf))
	s.UserSpeaking = false
	s.SpeechStartCount = 0
	s.TurnStartedAt = time.Time{}

	if !continuation && turnDur < minSpeech {
		// A cough or click, not speech.
		p.restartSilenceTimer()
		return
	}

	if !continuation && s.SpeechStartedDuringAI && countBefore < interruptThreshold {
		// STT-mute: AI echo or background noise picked up while the AI was
		// speaking and never confirmed as a real interrupt.
		s.SpeechStartedDuringAI = false
		p.restartSilenceTimer()
		return
	}

	if len(buf) == 0 {
		s.AwaitingTurnConfirm = false
		p.restartSilenceTimer()
		return
	}

	p.turnEndedAt = time.Now()
	p.checkTurnAndTranscribe(buf)
}

// checkTurnAndTranscribe issues the smart-turn call and the STT call
// concurrently on the same audio. Running them in parallel costs one wasted
// STT call when the turn turns out incomplete; the payoff is zero added
// latency when it is complete — the common case.
func (p *Pipeline) checkTurnAndTranscribe(buf []byte) {
	s := p.sess
	s.STTInFlight = true

	wav := audio.WAVBase64(buf, 16000)
	language := s.Language

	go func() {
		var (
			turn   *gpu.TurnResult
			stt    *gpu.Transcription
			sttErr error
		)

		g, ctx := errgroup.WithContext(p.ctx)
		g.Go(func() error {
			start := time.Now()
			r, err := p.deps.GPU.CheckTurn(ctx, wav)
			p.deps.Metrics.TurnCheckDuration.Record(ctx, time.Since(start).Seconds())
			if err != nil {
				// Treat as complete rather than stalling the caller.
				slog.Warn("turn check failed, assuming complete", "call_sid", s.CallSID, "err", err)
				p.deps.Metrics.GPUErrors.Add(ctx, 1)
				turn = &gpu.TurnResult{Complete: true}
				return nil
			}
			turn = r
			return nil
		})
		g.Go(func() error {
			start := time.Now()
			stt, sttErr = p.deps.GPU.Transcribe(ctx, wav, language)
			p.deps.Metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
			return nil
		})
		_ = g.Wait()

		p.post(func() {
			s.STTInFlight = false
			if s.Terminal() {
				return
			}

			if !turn.Complete {
				// The caller merely paused. Hold the audio — prepended to
				// any speech captured while this check was in flight — and
				// discard the transcription; the combined buffer is
				// re-checked on the next speech end.
				s.SpeechBuf = append(append(make([]byte, 0, len(buf)+len(s.SpeechBuf)), buf...), s.SpeechBuf...)
				s.AwaitingTurnConfirm = true
				s.TurnSilenceMs = 0
				p.finishTurnResolution()
				return
			}

			s.AwaitingTurnConfirm = false
			switch {
			case sttErr == nil && stt != nil && strings.TrimSpace(stt.Text) != "":
				p.deliverUserText(stt.Text)
				p.finishTurnResolution()
			case sttErr != nil:
				// Parallel STT lost the race with a transient failure:
				// sequential retry before giving up on the turn.
				p.retryTranscribe(wav, language)
			default:
				p.finishTurnResolution()
			}
			if !s.UserSpeaking {
				p.restartSilenceTimer()
			}
		})
	}()
}

// finishTurnResolution runs after an async turn resolution lands. When a
// speech_end was deferred behind it, the buffered audio — the held turn plus
// anything captured during the round trip — becomes the next resolution.
// Runs on the event loop.
func (p *Pipeline) finishTurnResolution() {
	s := p.sess
	if !p.pendingSpeechEnd {
		return
	}
	p.pendingSpeechEnd = false
	if s.Terminal() || s.STTInFlight {
		return
	}

	buf := s.SpeechBuf
	s.SpeechBuf = make([]byte, 0, cap(buf))
	if len(buf) == 0 {
		s.AwaitingTurnConfirm = false
		if !s.UserSpeaking {
			p.restartSilenceTimer()
		}
		return
	}
	p.turnEndedAt = time.Now()
	p.checkTurnAndTranscribe(buf)
}

// retryTranscribe runs one sequential STT attempt. Failure drops the turn.
func (p *Pipeline) retryTranscribe(wav, language string) {
	s := p.sess
	s.STTInFlight = true
	go func() {
		r, err := p.deps.GPU.Transcribe(p.ctx, wav, language)
		p.post(func() {
			s.STTInFlight = false
			if s.Terminal() {
				return
			}
			if err != nil || strings.TrimSpace(r.Text) == "" {
				slog.Warn("stt retry failed, turn dropped", "call_sid", s.CallSID, "err", err)
				p.deps.Metrics.GPUErrors.Add(p.ctx, 1)
			} else {
				p.deliverUserText(r.Text)
			}
			p.finishTurnResolution()
		})
	}()
}

// forceTranscribe skips the smart-turn check (max-speech cutoff and the
// silence fallback both already decided the turn is over).
func (p *Pipeline) forceTranscribe(buf []byte) {
	if len(buf) == 0 {
		return
	}
	s := p.sess
	s.STTInFlight = true

	wav := audio.WAVBase64(buf, 16000)
	language := s.Language

	go func() {
		start := time.Now()
		r, err := p.deps.GPU.Transcribe(p.ctx, wav, language)
		p.deps.Metrics.STTDuration.Record(p.ctx, time.Since(start).Seconds())
		p.post(func() {
			s.STTInFlight = false
			if s.Terminal() {
				return
			}
			if err != nil || strings.TrimSpace(r.Text) == "" {
				slog.Warn("forced transcription failed, turn dropped", "call_sid", s.CallSID, "err", err)
			} else {
				p.deliverUserText(r.Text)
				if !s.UserSpeaking {
					p.restartSilenceTimer()
				}
			}
			p.finishTurnResolution()
		})
	}()
}

// deliverUserText records the utterance and hands it to the LLM.
func (p *Pipeline) deliverUserText(text string) {
	s := p.sess
	s.AppendTranscript("user", text)
	slog.Debug("user turn", "call_sid", s.CallSID, "text", text)

	if p.llm == nil {
		return
	}
	if err := p.llm.SendUserMessage(text); err != nil {
		slog.Warn("llm send failed", "call_sid", s.CallSID, "err", err)
	}
}

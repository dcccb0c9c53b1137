package pipeline

import (
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/internal/gpu"
	"github.com/voicewire/voicewire/pkg/audio"
)

// onMedia ingests one 20 ms μ-law frame from the telephony socket. Frames
// arriving before the pipeline is ready queue in arrival order.
func (p *Pipeline) onMedia(mulaw []byte) {
	if p.sess.Terminal() {
		return
	}
	if !p.ready {
		p.pendingMedia = append(p.pendingMedia, mulaw)
		return
	}
	p.handleMediaFrame(mulaw)
}

// handleMediaFrame decodes and upsamples the frame, then splices full
// 200 ms batches out of the accumulator.
func (p *Pipeline) handleMediaFrame(mulaw []byte) {
	pcm := audio.DecodeMulawUpsample(mulaw)
	p.sess.VADAccum = append(p.sess.VADAccum, pcm...)

	for len(p.sess.VADAccum) >= batchPCMBytes {
		batch := make([]byte, batchPCMBytes)
		copy(batch, p.sess.VADAccum[:batchPCMBytes])
		p.sess.VADAccum = append(p.sess.VADAccum[:0], p.sess.VADAccum[batchPCMBytes:]...)
		p.processBatch(batch)
	}
}

// processBatch applies the batching rules from the turn-taking design:
//
//   - Pure-silence batches outside a turn are dropped locally. Silence
//     during active speech or a held turn MUST still reach the server-side
//     VAD so its stop-frame counter can advance and emit speech_end;
//     dropping those grows the speech buffer until max-speech cuts it off.
//   - While a VAD request is in flight, speech audio is captured into the
//     buffer (nothing is lost during the drop window) but no second request
//     is issued: exactly one VAD request per session at any time.
func (p *Pipeline) processBatch(batch []byte) {
	s := p.sess

	if audio.IsSilence(batch) && !s.UserSpeaking && !s.AwaitingTurnConfirm {
		s.PushPreRoll(batch)
		return
	}

	if s.VADInFlight {
		if s.UserSpeaking {
			s.SpeechBuf = append(s.SpeechBuf, batch...)
		}
		s.PushPreRoll(batch)
		return
	}

	s.VADInFlight = true
	wav := audio.WAVBase64(batch, 16000)
	sessionID := s.SessionID

	go func() {
		start := time.Now()
		res, err := p.deps.GPU.DetectVAD(p.ctx, wav, sessionID)
		p.deps.Metrics.VADDuration.Record(p.ctx, time.Since(start).Seconds())
		if err != nil {
			p.deps.Metrics.GPUErrors.Add(p.ctx, 1)
		}

		p.post(func() {
			// Release the guard regardless of outcome.
			s.VADInFlight = false
			if err != nil {
				slog.Warn("vad request failed, batch dropped", "call_sid", s.CallSID, "err", err)
				s.PushPreRoll(batch)
				return
			}
			p.onVADResult(batch, res)
		})
	}()
}

// onVADResult runs the turn-taking state machine for one classified batch.
func (p *Pipeline) onVADResult(batch []byte, res *gpu.VADResult) {
	s := p.sess
	if s.Terminal() {
		return
	}

	// Fast-interrupt path: high-probability speech while the AI talks cuts
	// it off without waiting for a confirmed speech_start. No early return —
	// the batch still flows through the state machine so audio is captured.
	if s.AISpeaking && res.Probability >= fastInterruptProb {
		s.FastInterruptHits++
		if s.FastInterruptHits >= 1 {
			s.FastInterruptHits = 0
			p.interrupt()
		}
	} else {
		s.FastInterruptHits = 0
	}

	switch res.Event {
	case gpu.VADSpeechStart:
		p.onSpeechStart(batch)
	case gpu.VADSilence:
		p.onSilence()
	case gpu.VADSpeechEnd:
		p.onSpeechEnd()
	}

	s.PushPreRoll(batch)
}

func (p *Pipeline) onSpeechStart(batch []byte) {
	s := p.sess

	switch {
	case s.AwaitingTurnConfirm:
		// Continuation of the held turn: the buffer keeps the prior audio.
		s.TurnSilenceMs = 0
		s.UserSpeaking = true
		p.pendingSpeechEnd = false
		p.stopSilenceTimer()
		s.SpeechBuf = append(s.SpeechBuf, batch...)
	case s.STTInFlight:
		// The prior turn's smart-turn+STT round trip has not resolved yet
		// (it can take seconds under timeout pressure). Starting a fresh
		// turn here would be stomped when the stale resolution lands, so
		// resumed speech joins the held audio and the decision is replayed
		// by finishTurnResolution.
		s.UserSpeaking = true
		p.pendingSpeechEnd = false
		p.stopSilenceTimer()
		if s.TurnStartedAt.IsZero() {
			s.TurnStartedAt = time.Now()
		}
		s.SpeechBuf = append(s.SpeechBuf, batch...)
	case !s.UserSpeaking:
		// New turn.
		s.TurnStartedAt = time.Now()
		p.stopSilenceTimer()
		s.SpeechStartedDuringAI = s.AISpeaking
		s.UserSpeaking = true
		// Pre-roll keeps the onset of short words from being clipped.
		preroll := s.DrainPreRoll()
		s.SpeechBuf = append(s.SpeechBuf, preroll...)
		s.SpeechBuf = append(s.SpeechBuf, batch...)
	default:
		s.SpeechBuf = append(s.SpeechBuf, batch...)
	}

	s.SpeechStartCount++
	if s.SpeechStartCount >= interruptThreshold && s.AISpeaking {
		s.SpeechStartedDuringAI = false
		p.interrupt()
	}

	if !s.AwaitingTurnConfirm && !s.STTInFlight && !s.TurnStartedAt.IsZero() && time.Since(s.TurnStartedAt) > maxSpeech {
		// Runaway turn (hold music, monologue): force transcription now.
		buf := s.SpeechBuf
		s.SpeechBuf = make([]byte, 0, cap(buf))
		s.UserSpeaking = false
		s.SpeechStartCount = 0
		s.TurnStartedAt = time.Time{}
		p.forceTranscribe(buf)
	}
}

func (p *Pipeline) onSilence() {
	s := p.sess

	if !s.AwaitingTurnConfirm {
		s.SpeechStartCount = 0
		return
	}

	// Smart-turn fallback: accumulated silence, not a timer. While a
	// resolution is already in flight the accumulator keeps counting but
	// must not launch a second concurrent transcription.
	s.TurnSilenceMs += 200
	if s.TurnSilenceMs >= smartTurnFallbackMs && !s.STTInFlight {
		s.AwaitingTurnConfirm = false
		s.TurnSilenceMs = 0
		buf := s.SpeechBuf
		s.SpeechBuf = make([]byte, 0, cap(buf))
		p.forceTranscribe(buf)
		p.restartSilenceTimer()
	}
}

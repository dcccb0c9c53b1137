package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// enqueueSpeak appends one sentence to the serial speech queue. Empty and
// whitespace-only inputs are skipped entirely.
func (p *Pipeline) enqueueSpeak(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	p.sess.Queue.Enqueue(func() { p.synthesize(text) })
}

// speakAndWait enqueues text and blocks until the queue drains. Used by the
// transfer and voicemail paths, never by the event loop itself.
func (p *Pipeline) speakAndWait(text string) {
	p.enqueueSpeak(text)
	p.sess.Queue.Wait()
}

// synthesize runs on the speech-queue worker goroutine: it streams TTS audio
// for one sentence and frames it onto the telephony socket. Session state is
// only touched through sync/post so the event loop stays the single writer.
func (p *Pipeline) synthesize(text string) {
	var (
		streamSID string
		language  string
		voice     string
		proceed   bool
	)
	ok := p.sync(func() {
		// A later-arriving interrupt or teardown makes queued sentences
		// obsolete; they must not play.
		if p.sess.Terminal() {
			return
		}
		proceed = true
		streamSID = p.sess.StreamSID
		language = p.sess.Language
		voice = p.sess.Voice
		p.stopSilenceTimer()
		p.sess.AISpeaking = true
	})
	if !ok || !proceed {
		return
	}

	ttsCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	p.sync(func() { p.ttsCancel = cancel })
	defer p.sync(func() { p.ttsCancel = nil })

	requestedAt := time.Now()
	rc, err := p.deps.GPU.SynthesizeStream(ttsCtx, text, language, voice)
	if err != nil {
		slog.Warn("tts request failed", "call_sid", p.sess.CallSID, "err", err)
		p.deps.Metrics.GPUErrors.Add(p.ctx, 1)
		p.sync(func() {
			p.sess.AISpeaking = false
			p.restartSilenceTimer()
		})
		return
	}
	defer rc.Close()

	// Reader goroutine: the consumer below enforces the per-chunk idle
	// timeout, so the blocking Read lives off to the side.
	chunks := make(chan []byte, 8)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, 4096)
			n, err := rc.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ttsCtx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	asm := &frameAssembler{}
	idle := time.NewTimer(ttsIdleTimeout)
	defer idle.Stop()
	first := true
	interrupted := false

consume:
	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				break consume
			}
			if first {
				first = false
				p.deps.Metrics.TTSFirstByte.Record(p.ctx, time.Since(requestedAt).Seconds())
				p.recordTurnRoundTrip()
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(ttsIdleTimeout)

			asm.push(chunk)
			for {
				frame := asm.nextFrame()
				if frame == nil {
					break
				}
				if err := p.stream.SendMedia(streamSID, frame); err != nil {
					interrupted = true
					break consume
				}
			}

		case <-idle.C:
			// Stream stall: kill it and keep the partial audio.
			slog.Warn("tts stream stalled", "call_sid", p.sess.CallSID)
			rc.Close()
			break consume

		case <-ttsCtx.Done():
			// Interrupt or teardown: drop the tail, no mark.
			rc.Close()
			interrupted = true
			break consume
		}
	}

	if interrupted {
		return
	}

	if rem := asm.flush(); rem != nil {
		if err := p.stream.SendMedia(streamSID, rem); err != nil {
			return
		}
	}
	// The provider echoes this mark once all audio has played; the echo
	// clears ai-is-speaking and restarts the silence timer.
	if err := p.stream.SendMark(streamSID, markAISpeechEnd); err != nil {
		slog.Warn("mark send failed", "call_sid", p.sess.CallSID, "err", err)
	}
}

// recordTurnRoundTrip measures confirmed speech end → first outbound audio.
func (p *Pipeline) recordTurnRoundTrip() {
	p.sync(func() {
		if p.turnEndedAt.IsZero() {
			return
		}
		p.deps.Metrics.TurnRoundTrip.Record(p.ctx, time.Since(p.turnEndedAt).Seconds())
		p.turnEndedAt = time.Time{}
	})
}

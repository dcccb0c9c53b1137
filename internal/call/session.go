// Package call holds the per-call session state, the process-wide call
// registry, and the serial speech queue that orders outbound synthesis.
//
// A Session is owned by exactly one pipeline event loop; its fields need no
// internal locking. The Registry is the only structure shared across calls.
package call

import (
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/confsvc"
)

// Status is the lifecycle state of a call.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnding     Status = "ending"
	StatusEnded      Status = "ended"
)

// preRollBatches is the number of 200 ms VAD batches retained ahead of a
// confirmed speech start (400 ms of pre-roll).
const preRollBatches = 2

// TranscriptLine is one utterance in the running conversation transcript.
type TranscriptLine struct {
	Role string
	Text string
	// T is seconds since call start.
	T float64
}

// Session is the complete per-call state. Construct only via New: every
// buffer and counter is initialized up front. Lazy initialization on the hot
// audio path is forbidden — a nil buffer read on the first speech frame
// corrupts turn detection.
type Session struct {
	// Identity.
	CallSID        string
	CallerNumber   string
	AssistantID    string
	OrganizationID string
	SessionID      string // fresh UUID, keys server-side VAD state

	// Configuration snapshot plus the mutable active language/voice
	// (switch_language updates these mid-call).
	Config   *confsvc.AssistantConfig
	Language string
	Voice    string

	// Lifecycle.
	Status    Status
	CreatedAt time.Time

	// Turn-state flags.
	UserSpeaking          bool
	AISpeaking            bool
	SpeechStartedDuringAI bool
	AwaitingTurnConfirm   bool
	VADInFlight           bool
	STTInFlight           bool
	Summarizing           bool

	// Audio buffers (PCM16 at 16 kHz).
	SpeechBuf []byte   // current user turn, consumed at end-of-turn
	VADAccum  []byte   // 20 ms frames toward the next 200 ms batch
	PreRoll   [][]byte // last 2 batches preceding the current one

	// Counters.
	SpeechStartCount  int // consecutive confirmed speech_start events
	FastInterruptHits int // probability-based bypass while AI speaks
	TurnSilenceMs     int // accumulated silence during smart-turn hold
	TurnStartedAt     time.Time

	// Conversation state.
	Transcript     []TranscriptLine
	TrackedItemIDs []string // remote conversation items, deleted on summarization
	Variables      map[string]string

	// Telephony stream identifier, set by the start event.
	StreamSID string

	// Queue orders all outbound synthesis for this call.
	Queue *SpeechQueue

	// Timers. Owned by the pipeline; stored here so cleanup can stop them.
	SilenceTimer *time.Timer
	MaxTimer     *time.Timer
}

// New constructs a fully-initialized session in the connecting state.
func New(callSID, caller string, incoming *confsvc.IncomingCall, cfg *confsvc.AssistantConfig) *Session {
	return &Session{
		CallSID:        callSID,
		CallerNumber:   caller,
		AssistantID:    incoming.AssistantID,
		OrganizationID: incoming.OrganizationID,
		SessionID:      uuid.NewString(),
		Config:         cfg,
		Language:       cfg.Language,
		Voice:          cfg.Voice,
		Status:         StatusConnecting,
		CreatedAt:      time.Now(),
		SpeechBuf:      make([]byte, 0, 64*1024),
		VADAccum:       make([]byte, 0, 8*1024),
		PreRoll:        make([][]byte, 0, preRollBatches),
		Transcript:     make([]TranscriptLine, 0, 32),
		TrackedItemIDs: make([]string, 0, 32),
		Variables:      make(map[string]string),
		Queue:          NewSpeechQueue(),
	}
}

// PushPreRoll appends batch to the pre-roll ring, evicting FIFO beyond two
// entries.
func (s *Session) PushPreRoll(batch []byte) {
	s.PreRoll = append(s.PreRoll, batch)
	if len(s.PreRoll) > preRollBatches {
		s.PreRoll = s.PreRoll[1:]
	}
}

// DrainPreRoll returns the concatenated pre-roll audio and clears the ring.
func (s *Session) DrainPreRoll() []byte {
	var out []byte
	for _, b := range s.PreRoll {
		out = append(out, b...)
	}
	s.PreRoll = s.PreRoll[:0]
	return out
}

// AppendTranscript records one utterance with its offset from call start.
func (s *Session) AppendTranscript(role, text string) {
	s.Transcript = append(s.Transcript, TranscriptLine{
		Role: role,
		Text: text,
		T:    time.Since(s.CreatedAt).Seconds(),
	})
}

// TranscriptWordCount returns the total word count of the running transcript.
func (s *Session) TranscriptWordCount() int {
	n := 0
	for _, line := range s.Transcript {
		inWord := false
		for _, r := range line.Text {
			if r == ' ' || r == '\t' || r == '\n' {
				inWord = false
				continue
			}
			if !inWord {
				n++
				inWord = true
			}
		}
	}
	return n
}

// Terminal reports whether the call has entered the ending or ended state.
func (s *Session) Terminal() bool {
	return s.Status == StatusEnding || s.Status == StatusEnded
}

// VoiceFor resolves the TTS voice for a language: the language→voice map
// first, the configured default voice for the session's base language, and
// otherwise empty (the GPU service picks its default for that language).
func (s *Session) VoiceFor(language string) string {
	if v, ok := s.Config.LanguageVoices[language]; ok {
		return v
	}
	if language == s.Config.Language {
		return s.Config.Voice
	}
	return ""
}

// StopTimers stops and clears both call timers. Safe to call repeatedly.
func (s *Session) StopTimers() {
	if s.SilenceTimer != nil {
		s.SilenceTimer.Stop()
		s.SilenceTimer = nil
	}
	if s.MaxTimer != nil {
		s.MaxTimer.Stop()
		s.MaxTimer = nil
	}
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voicewire/voicewire/internal/call"
)

// summarizeWordThreshold is the transcript word count beyond which the
// conversation is compacted into a summary.
const summarizeWordThreshold = 1500

// maybeSummarize compacts the LLM conversation when the transcript grows
// past the threshold: an out-of-band completion produces a short summary,
// the summary is injected as system context, every tracked prior item is
// deleted remotely, and the local transcript restarts. Re-entrancy is
// guarded by the per-session flag. Runs on the event loop.
func (p *Pipeline) maybeSummarize() {
	s := p.sess
	if !s.Config.ContextSummarization || p.deps.Summarizer == nil {
		return
	}
	if s.Summarizing || s.TranscriptWordCount() <= summarizeWordThreshold {
		return
	}

	s.Summarizing = true
	lines := append([]call.TranscriptLine(nil), s.Transcript...)
	ids := append([]string(nil), s.TrackedItemIDs...)

	go func() {
		summary, err := p.deps.Summarizer.Summarize(p.ctx, lines)
		p.post(func() {
			s.Summarizing = false
			if err != nil || strings.TrimSpace(summary) == "" {
				slog.Warn("summarization failed", "call_sid", s.CallSID, "err", err)
				return
			}
			if s.Terminal() || p.llm == nil {
				return
			}

			if err := p.llm.InjectContext("Earlier in this call (summary): " + summary); err != nil {
				slog.Warn("summary inject failed", "call_sid", s.CallSID, "err", err)
				return
			}
			for _, id := range ids {
				if err := p.llm.DeleteItem(id); err != nil {
					slog.Debug("item delete failed", "call_sid", s.CallSID, "item_id", id, "err", err)
				}
			}

			s.Transcript = s.Transcript[:0]
			s.TrackedItemIDs = s.TrackedItemIDs[:0]
			slog.Info("conversation summarized", "call_sid", s.CallSID, "items_deleted", len(ids))
		})
	}()
}

// ── OpenAI-backed summarizer ─────────────────────────────────────────────────

// summaryPrompt asks for a summary short enough to inject as one system
// message.
const summaryPrompt = `Summarise the following phone conversation in 2-4 sentences.
Preserve: the caller's intent, any personal details they gave (name, phone,
order numbers), decisions made, and anything the assistant promised to do.`

// defaultSummaryModel is a standard chat model; the Realtime model serving
// the call cannot take out-of-band completion requests.
const defaultSummaryModel = "gpt-4o-mini"

// OpenAISummarizer implements Summarizer with a chat completion.
type OpenAISummarizer struct {
	client oai.Client
	model  string
}

// NewOpenAISummarizer creates a summarizer. model may be empty to use the
// default.
func NewOpenAISummarizer(apiKey, model string) *OpenAISummarizer {
	if model == "" {
		model = defaultSummaryModel
	}
	return &OpenAISummarizer{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Summarize formats the transcript and requests the summary.
func (o *OpenAISummarizer) Summarize(ctx context.Context, lines []call.TranscriptLine) (string, error) {
	if len(lines) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&sb, "[%s]: %s\n", line.Role, line.Text)
	}

	resp, err := o.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(o.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summaryPrompt),
			oai.UserMessage(sb.String()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Package tools builds the per-call tool descriptors offered to the LLM and
// dispatches tool invocations: the built-in call-control tools and the
// generic HTTP tools described by the assistant configuration.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/voicewire/voicewire/internal/confsvc"
	"github.com/voicewire/voicewire/pkg/realtime"
)

// endReasons are the values the LLM may give for ending a call.
var endReasons = []any{"completed", "user_requested", "no_response"}

// Events receives the session-level actions triggered by built-in tools.
// The pipeline implements it; callbacks run on the dispatching goroutine.
type Events interface {
	// EndCallRequested asks the pipeline to hang up with the given reason.
	EndCallRequested(reason string)

	// TransferToNumber carries the matched rule, including TransferMessage —
	// dropping it silently loses the pre-transfer spoken message.
	TransferToNumber(rule confsvc.TransferRule, condition string)

	// TransferToAgent carries the matched agent rule.
	TransferToAgent(rule confsvc.AgentTransferRule, condition string)

	// LanguageSwitched reports the new active language and resolved voice.
	LanguageSwitched(language, voice string)

	// VoicemailRequested asks the pipeline to speak the configured voicemail
	// message and end the call.
	VoicemailRequested()

	// VariablesExtracted delivers values pulled out of a custom-tool
	// response for storage on the session.
	VariablesExtracted(vars map[string]string)
}

// Engine dispatches tool calls for one call. It never touches session state
// directly: parallel tool calls run concurrently, so every mutation flows
// through the Events callbacks and lands on the pipeline's event loop.
type Engine struct {
	callSID  string
	cfg      *confsvc.AssistantConfig
	voiceFor func(language string) string
	events   Events
	http     *http.Client
}

// NewEngine creates an Engine for one call. voiceFor resolves the TTS voice
// for a language (see call.Session.VoiceFor). httpClient may be nil to use a
// default client; custom tools still apply their own per-tool timeouts.
func NewEngine(callSID string, cfg *confsvc.AssistantConfig, voiceFor func(string) string, events Events, httpClient *http.Client) *Engine {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Engine{callSID: callSID, cfg: cfg, voiceFor: voiceFor, events: events, http: httpClient}
}

// BuildDescriptors assembles the tool list for a session configuration.
// Every built-in is gated by its own flag; custom tools by theirs.
func BuildDescriptors(cfg *confsvc.AssistantConfig) []realtime.ToolDefinition {
	var out []realtime.ToolDefinition

	if cfg.EndCallEnabled {
		out = append(out, realtime.ToolDefinition{
			Name:        "end_call",
			Description: "End the phone call. Use when the conversation is finished or the caller asks to hang up.",
			Parameters: objectSchema(map[string]any{
				"reason": map[string]any{"type": "string", "enum": endReasons},
			}, "reason"),
		})
	}

	if cfg.TransferNumberEnabled && len(cfg.TransferRules) > 0 {
		numbers := make([]any, len(cfg.TransferRules))
		for i, r := range cfg.TransferRules {
			numbers[i] = r.PhoneNumber
		}
		out = append(out, realtime.ToolDefinition{
			Name:        "transfer_to_number",
			Description: "Transfer the caller to one of the allowed phone numbers.",
			Parameters: objectSchema(map[string]any{
				"phone_number": map[string]any{"type": "string", "enum": numbers},
				"condition":    map[string]any{"type": "string"},
			}, "phone_number"),
		})
	}

	if cfg.TransferAgentEnabled && len(cfg.AgentTransferRules) > 0 {
		agents := make([]any, len(cfg.AgentTransferRules))
		for i, r := range cfg.AgentTransferRules {
			agents[i] = r.AgentID
		}
		out = append(out, realtime.ToolDefinition{
			Name:        "transfer_to_agent",
			Description: "Transfer the caller to another agent.",
			Parameters: objectSchema(map[string]any{
				"agent_id":  map[string]any{"type": "string", "enum": agents},
				"condition": map[string]any{"type": "string"},
			}, "agent_id"),
		})
	}

	if cfg.LanguageDetection {
		out = append(out, realtime.ToolDefinition{
			Name:        "switch_language",
			Description: "Switch the conversation language when the caller speaks a different language.",
			Parameters: objectSchema(map[string]any{
				"language": map[string]any{"type": "string"},
			}, "language"),
		})
	}

	if cfg.VoicemailDetection {
		out = append(out, realtime.ToolDefinition{
			Name:        "leave_voicemail",
			Description: "Leave the configured voicemail message and end the call. Use when an answering machine picks up.",
			Parameters:  objectSchema(map[string]any{}),
		})
	}

	if cfg.CustomToolsEnabled {
		for _, ct := range cfg.CustomTools {
			out = append(out, customDescriptor(ct))
		}
	}

	return out
}

// customDescriptor maps a custom HTTP tool's parameters onto a JSON schema.
// Constant query parameters are filled by the engine, never by the LLM.
func customDescriptor(ct confsvc.CustomTool) realtime.ToolDefinition {
	props := make(map[string]any)
	var required []string
	for _, p := range ct.PathParams {
		props[p.Name] = map[string]any{"type": schemaType(p.Type), "description": p.Description}
		required = append(required, p.Name)
	}
	for _, p := range ct.QueryParams {
		if p.Constant != "" {
			continue
		}
		props[p.Name] = map[string]any{"type": schemaType(p.Type), "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return realtime.ToolDefinition{
		Name:        ct.Name,
		Description: ct.Description,
		Parameters:  objectSchema(props, required...),
	}
}

func schemaType(t string) string {
	switch t {
	case "number", "integer", "boolean":
		return t
	default:
		return "string"
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Dispatch executes one tool call and returns the result object to hand back
// to the LLM. Errors from custom HTTP tools are folded into the result —
// they never terminate the call.
func (e *Engine) Dispatch(ctx context.Context, name string, args json.RawMessage) any {
	switch name {
	case "end_call":
		return e.endCall(args)
	case "transfer_to_number":
		return e.transferToNumber(args)
	case "transfer_to_agent":
		return e.transferToAgent(args)
	case "switch_language":
		return e.switchLanguage(args)
	case "leave_voicemail":
		e.events.VoicemailRequested()
		return map[string]any{"success": true}
	}

	for _, ct := range e.cfg.CustomTools {
		if ct.Name == name {
			return e.callCustom(ctx, ct, args)
		}
	}

	slog.Warn("unknown tool invoked", "call_sid", e.callSID, "tool", name)
	return map[string]any{"success": false, "error": fmt.Sprintf("unknown tool %q", name)}
}

func (e *Engine) endCall(args json.RawMessage) any {
	var in struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Reason == "" {
		in.Reason = "completed"
	}
	e.events.EndCallRequested(in.Reason)
	return map[string]any{"success": true}
}

func (e *Engine) transferToNumber(args json.RawMessage) any {
	var in struct {
		PhoneNumber string `json:"phone_number"`
		Condition   string `json:"condition"`
	}
	_ = json.Unmarshal(args, &in)

	for _, rule := range e.cfg.TransferRules {
		if rule.PhoneNumber == in.PhoneNumber {
			e.events.TransferToNumber(rule, in.Condition)
			return map[string]any{"success": true}
		}
	}
	return map[string]any{"success": false, "error": fmt.Sprintf("phone number %q is not an allowed transfer target", in.PhoneNumber)}
}

func (e *Engine) transferToAgent(args json.RawMessage) any {
	var in struct {
		AgentID   string `json:"agent_id"`
		Condition string `json:"condition"`
	}
	_ = json.Unmarshal(args, &in)

	for _, rule := range e.cfg.AgentTransferRules {
		if rule.AgentID == in.AgentID {
			e.events.TransferToAgent(rule, in.Condition)
			return map[string]any{"success": true}
		}
	}
	return map[string]any{"success": false, "error": fmt.Sprintf("agent %q is not an allowed transfer target", in.AgentID)}
}

func (e *Engine) switchLanguage(args json.RawMessage) any {
	var in struct {
		Language string `json:"language"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Language == "" {
		return map[string]any{"success": false, "error": "language is required"}
	}

	voice := e.voiceFor(in.Language)
	e.events.LanguageSwitched(in.Language, voice)
	return map[string]any{"success": true, "language": in.Language}
}

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicewire/voicewire/internal/confsvc"
)

// eventRecorder records Events callbacks for assertions.
type eventRecorder struct {
	endReasons    []string
	transfers     []confsvc.TransferRule
	agentRules    []confsvc.AgentTransferRule
	languages     [][2]string
	voicemails    int
	lastCondition string
	variables     map[string]string
}

func (r *eventRecorder) EndCallRequested(reason string) { r.endReasons = append(r.endReasons, reason) }
func (r *eventRecorder) TransferToNumber(rule confsvc.TransferRule, condition string) {
	r.transfers = append(r.transfers, rule)
	r.lastCondition = condition
}
func (r *eventRecorder) TransferToAgent(rule confsvc.AgentTransferRule, condition string) {
	r.agentRules = append(r.agentRules, rule)
	r.lastCondition = condition
}
func (r *eventRecorder) LanguageSwitched(language, voice string) {
	r.languages = append(r.languages, [2]string{language, voice})
}
func (r *eventRecorder) VoicemailRequested() { r.voicemails++ }
func (r *eventRecorder) VariablesExtracted(vars map[string]string) {
	if r.variables == nil {
		r.variables = make(map[string]string)
	}
	for k, v := range vars {
		r.variables[k] = v
	}
}

func newEngine(cfg *confsvc.AssistantConfig) (*Engine, *eventRecorder) {
	rec := &eventRecorder{}
	voiceFor := func(lang string) string {
		if v, ok := cfg.LanguageVoices[lang]; ok {
			return v
		}
		if lang == cfg.Language {
			return cfg.Voice
		}
		return ""
	}
	return NewEngine("CA1", cfg, voiceFor, rec, nil), rec
}

func TestBuildDescriptorsGating(t *testing.T) {
	t.Parallel()

	cfg := &confsvc.AssistantConfig{
		EndCallEnabled:        true,
		TransferNumberEnabled: true,
		TransferRules:         []confsvc.TransferRule{{PhoneNumber: "+15550001", TransferType: "conference"}},
		LanguageDetection:     true,
		VoicemailDetection:    true,
		CustomToolsEnabled:    true,
		CustomTools: []confsvc.CustomTool{{
			Name: "check_hours", URL: "https://api.test/hours", Method: "GET",
			QueryParams: []confsvc.ToolParam{
				{Name: "day", Type: "string", Required: true},
				{Name: "location", Constant: "main"},
			},
		}},
	}

	defs := BuildDescriptors(cfg)
	names := make(map[string]bool)
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"end_call", "transfer_to_number", "switch_language", "leave_voicemail", "check_hours"} {
		if !names[want] {
			t.Errorf("missing descriptor %q", want)
		}
	}
	if names["transfer_to_agent"] {
		t.Error("transfer_to_agent present despite disabled flag")
	}

	// Constant query params never reach the LLM schema.
	for _, d := range defs {
		if d.Name != "check_hours" {
			continue
		}
		props := d.Parameters["properties"].(map[string]any)
		if _, ok := props["location"]; ok {
			t.Error("constant param exposed in schema")
		}
		if _, ok := props["day"]; !ok {
			t.Error("LLM-provided param missing from schema")
		}
	}
}

func TestBuildDescriptorsAllDisabled(t *testing.T) {
	t.Parallel()

	if defs := BuildDescriptors(&confsvc.AssistantConfig{}); len(defs) != 0 {
		t.Errorf("got %d descriptors, want none", len(defs))
	}
}

func TestDispatchEndCall(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(&confsvc.AssistantConfig{EndCallEnabled: true})
	res := e.Dispatch(context.Background(), "end_call", json.RawMessage(`{"reason":"user_requested"}`))
	if res.(map[string]any)["success"] != true {
		t.Errorf("result = %v", res)
	}
	if len(rec.endReasons) != 1 || rec.endReasons[0] != "user_requested" {
		t.Errorf("end reasons = %v", rec.endReasons)
	}
}

func TestDispatchTransferToNumber(t *testing.T) {
	t.Parallel()

	cfg := &confsvc.AssistantConfig{
		TransferRules: []confsvc.TransferRule{
			{PhoneNumber: "+15550001", TransferType: "sip_refer", TransferMessage: "Hold on.", EnableClientMessage: true},
		},
	}

	t.Run("matched rule is forwarded whole", func(t *testing.T) {
		e, rec := newEngine(cfg)
		e.Dispatch(context.Background(), "transfer_to_number",
			json.RawMessage(`{"phone_number":"+15550001","condition":"asked for billing"}`))
		if len(rec.transfers) != 1 {
			t.Fatalf("transfers = %v", rec.transfers)
		}
		got := rec.transfers[0]
		// The transfer message must survive onto the event or the
		// pre-transfer announcement silently vanishes.
		if got.TransferMessage != "Hold on." || !got.EnableClientMessage || got.TransferType != "sip_refer" {
			t.Errorf("rule = %+v", got)
		}
		if rec.lastCondition != "asked for billing" {
			t.Errorf("condition = %q", rec.lastCondition)
		}
	})

	t.Run("unlisted number is rejected", func(t *testing.T) {
		e, rec := newEngine(cfg)
		res := e.Dispatch(context.Background(), "transfer_to_number",
			json.RawMessage(`{"phone_number":"+19999999"}`))
		if res.(map[string]any)["success"] != false {
			t.Errorf("result = %v", res)
		}
		if len(rec.transfers) != 0 {
			t.Error("transfer event fired for unlisted number")
		}
	})
}

func TestDispatchTransferToAgent(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(&confsvc.AssistantConfig{
		AgentTransferRules: []confsvc.AgentTransferRule{
			{AgentID: "agent_5", DelaySeconds: 2, TransferMessage: "One second."},
		},
	})
	e.Dispatch(context.Background(), "transfer_to_agent",
		json.RawMessage(`{"agent_id":"agent_5","condition":"escalation"}`))
	if len(rec.agentRules) != 1 || rec.agentRules[0].AgentID != "agent_5" {
		t.Fatalf("agent rules = %v", rec.agentRules)
	}
	if rec.agentRules[0].DelaySeconds != 2 || rec.agentRules[0].TransferMessage != "One second." {
		t.Errorf("rule = %+v", rec.agentRules[0])
	}
}

func TestDispatchSwitchLanguage(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(&confsvc.AssistantConfig{
		Language:       "en",
		Voice:          "nova",
		LanguageVoices: map[string]string{"de": "klaus"},
	})

	e.Dispatch(context.Background(), "switch_language", json.RawMessage(`{"language":"de"}`))
	if len(rec.languages) != 1 || rec.languages[0] != [2]string{"de", "klaus"} {
		t.Errorf("events = %v", rec.languages)
	}

	// Unmapped language: empty voice means GPU default.
	e.Dispatch(context.Background(), "switch_language", json.RawMessage(`{"language":"fr"}`))
	if len(rec.languages) != 2 || rec.languages[1] != [2]string{"fr", ""} {
		t.Errorf("events = %v", rec.languages)
	}
}

func TestDispatchVoicemail(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(&confsvc.AssistantConfig{VoicemailDetection: true})
	e.Dispatch(context.Background(), "leave_voicemail", json.RawMessage(`{}`))
	if rec.voicemails != 1 {
		t.Errorf("voicemail events = %d", rec.voicemails)
	}
}

func TestDispatchCustomTool(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/ord-42" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("expand") != "items" {
			t.Errorf("expand = %q", r.URL.Query().Get("expand"))
		}
		if r.URL.Query().Get("format") != "full" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		if r.Header.Get("X-Shop-Token") != "tok" {
			t.Error("static header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order":{"status":"shipped","items":[{"sku":"A1"}]}}`))
	}))
	defer srv.Close()

	cfg := &confsvc.AssistantConfig{
		CustomToolsEnabled: true,
		CustomTools: []confsvc.CustomTool{{
			Name:   "get_order",
			URL:    srv.URL + "/orders/{order_id}",
			Method: "GET",
			PathParams: []confsvc.ToolParam{
				{Name: "order_id", Type: "string"},
			},
			QueryParams: []confsvc.ToolParam{
				{Name: "expand", Constant: "items"},
				{Name: "format", Type: "string"},
			},
			Headers: map[string]string{"X-Shop-Token": "tok"},
			Assignments: []confsvc.ToolAssignment{
				{Variable: "order_status", Path: "order.status"},
				{Variable: "first_sku", Path: "order.items.0.sku"},
				{Variable: "missing", Path: "order.nope"},
			},
		}},
	}

	e, rec := newEngine(cfg)
	res := e.Dispatch(context.Background(), "get_order",
		json.RawMessage(`{"order_id":"ord-42","format":"full"}`)).(map[string]any)

	if res["success"] != true {
		t.Fatalf("result = %v", res)
	}
	if res["status"] != 200 {
		t.Errorf("status = %v", res["status"])
	}
	extracted := res["extracted"].(map[string]string)
	if extracted["order_status"] != "shipped" || extracted["first_sku"] != "A1" {
		t.Errorf("extracted = %v", extracted)
	}
	if _, ok := extracted["missing"]; ok {
		t.Error("missing path produced a value")
	}
	if rec.variables["order_status"] != "shipped" {
		t.Errorf("extracted variables event = %v", rec.variables)
	}
}

func TestDispatchCustomToolHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := &confsvc.AssistantConfig{
		CustomToolsEnabled: true,
		CustomTools:        []confsvc.CustomTool{{Name: "lookup", URL: srv.URL, Method: "GET"}},
	}
	e, _ := newEngine(cfg)
	res := e.Dispatch(context.Background(), "lookup", json.RawMessage(`{}`)).(map[string]any)
	if res["success"] != false || res["status"] != 404 {
		t.Errorf("result = %v", res)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(&confsvc.AssistantConfig{})
	res := e.Dispatch(context.Background(), "nope", json.RawMessage(`{}`)).(map[string]any)
	if res["success"] != false {
		t.Errorf("result = %v", res)
	}
}

package confsvc

// IncomingCall is the response to POST /calls/incoming. An empty AssistantID
// means no assistant is configured for the dialed number and the call must be
// rejected with the error TwiML.
type IncomingCall struct {
	AssistantID     string `json:"assistant_id"`
	OrganizationID  string `json:"organization_id"`
	TwilioAuthToken string `json:"twilio_auth_token,omitempty"`
}

// TransferRule describes one permitted transfer-to-number target.
type TransferRule struct {
	PhoneNumber string `json:"phone_number"`
	Condition   string `json:"condition,omitempty"`

	// TransferType selects the TwiML shape: "conference" (Dial Number) or
	// "sip_refer" (Dial Sip).
	TransferType string `json:"transfer_type"`

	// TransferMessage is spoken to the caller before the transfer when
	// EnableClientMessage is set.
	TransferMessage     string `json:"transfer_message,omitempty"`
	EnableClientMessage bool   `json:"enable_client_message,omitempty"`
}

// AgentTransferRule describes one permitted transfer-to-agent target.
type AgentTransferRule struct {
	AgentID             string `json:"agent_id"`
	Condition           string `json:"condition,omitempty"`
	DelaySeconds        int    `json:"delay_seconds,omitempty"`
	TransferMessage     string `json:"transfer_message,omitempty"`
	EnableClientMessage bool   `json:"enable_client_message,omitempty"`
	EnableFirstMessage  bool   `json:"enable_first_message,omitempty"`
}

// ToolParam is a single path or query parameter of a custom HTTP tool.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`

	// Constant, when non-empty, pins a query parameter to a fixed value
	// instead of letting the LLM supply one.
	Constant string `json:"constant,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// ToolAssignment maps a dot-notation JSON path in the tool response to a
// named per-call variable.
type ToolAssignment struct {
	Variable string `json:"variable"`
	Path     string `json:"path"`
}

// CustomTool describes a generic HTTP tool the LLM may invoke.
type CustomTool struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	PathParams     []ToolParam       `json:"path_params,omitempty"`
	QueryParams    []ToolParam       `json:"query_params,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Assignments    []ToolAssignment  `json:"assignments,omitempty"`
}

// AssistantConfig is the full per-call configuration returned by
// GET /calls/{sid}/config.
type AssistantConfig struct {
	SystemPrompt     string            `json:"system_prompt"`
	FirstMessage     string            `json:"first_message"`
	VoicemailMessage string            `json:"voicemail_message,omitempty"`
	Language         string            `json:"language"`
	Voice            string            `json:"voice"`
	LanguageVoices   map[string]string `json:"language_voices,omitempty"`

	SilenceTimeoutSeconds int `json:"silence_timeout_seconds,omitempty"`
	MaxDurationSeconds    int `json:"max_duration_seconds,omitempty"`

	EndCallEnabled        bool `json:"end_call_enabled,omitempty"`
	TransferNumberEnabled bool `json:"transfer_number_enabled,omitempty"`
	TransferAgentEnabled  bool `json:"transfer_agent_enabled,omitempty"`
	CustomToolsEnabled    bool `json:"custom_tools_enabled,omitempty"`
	LanguageDetection     bool `json:"language_detection,omitempty"`
	VoicemailDetection    bool `json:"voicemail_detection,omitempty"`
	ContextSummarization  bool `json:"context_summarization,omitempty"`

	EnableFillerPhrases bool     `json:"enable_filler_phrases,omitempty"`
	FillerPhrases       []string `json:"filler_phrases,omitempty"`

	TransferRules      []TransferRule      `json:"transfer_rules,omitempty"`
	AgentTransferRules []AgentTransferRule `json:"agent_transfer_rules,omitempty"`
	CustomTools        []CustomTool        `json:"custom_tools,omitempty"`

	TwilioAccountSID string `json:"twilio_account_sid,omitempty"`
	TwilioAuthToken  string `json:"twilio_auth_token,omitempty"`
}

// TranscriptEntry is one line of the completion-callback transcript.
type TranscriptEntry struct {
	Role           string  `json:"role"`
	Message        string  `json:"message"`
	TimeInCallSecs float64 `json:"time_in_call_secs"`
}

// Completion is the terminal payload for POST /calls/{sid}/complete.
type Completion struct {
	CallSID          string            `json:"call_sid"`
	AssistantID      string            `json:"assistant_id"`
	OrganizationID   string            `json:"organization_id"`
	Status           string            `json:"status"`
	EndReason        string            `json:"end_reason"`
	DurationSeconds  float64           `json:"duration_seconds"`
	Transcript       []TranscriptEntry `json:"transcript"`
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

// StatusUpdate mirrors the telephony status webhook to the configuration
// service.
type StatusUpdate struct {
	CallSID      string `json:"call_sid"`
	CallStatus   string `json:"call_status"`
	CallDuration string `json:"call_duration,omitempty"`
}

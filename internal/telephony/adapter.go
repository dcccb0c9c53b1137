package telephony

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voicewire/voicewire/internal/confsvc"
)

// StreamHandler is invoked for each accepted media-stream WebSocket. It owns
// the stream for the lifetime of the call and must not return until the call
// is over. routing is the assistant decision captured at webhook time.
type StreamHandler func(ctx context.Context, callSID, caller string, routing *confsvc.IncomingCall, stream *Stream)

// AdapterConfig configures the webhook surface.
type AdapterConfig struct {
	// PublicHost overrides the Host header when building the stream URL.
	PublicHost string

	// ValidateSignatures enables X-Twilio-Signature verification using the
	// per-call auth token from the configuration service. Skipped when the
	// token is absent.
	ValidateSignatures bool
}

// pendingCall is the routing decision held between the incoming webhook and
// the media-stream open.
type pendingCall struct {
	routing *confsvc.IncomingCall
	caller  string
}

// Adapter accepts the Twilio webhooks and the per-call audio WebSocket.
type Adapter struct {
	cfg     AdapterConfig
	conf    *confsvc.Client
	handler StreamHandler

	mu      sync.Mutex
	pending map[string]*pendingCall // call SID → routing from the webhook
}

// NewAdapter creates an Adapter that forwards accepted streams to handler.
func NewAdapter(cfg AdapterConfig, conf *confsvc.Client, handler StreamHandler) *Adapter {
	return &Adapter{
		cfg:     cfg,
		conf:    conf,
		handler: handler,
		pending: make(map[string]*pendingCall),
	}
}

// Register adds the telephony routes to mux.
func (a *Adapter) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /twilio/incoming", a.handleIncoming)
	mux.HandleFunc("POST /twilio/status", a.handleStatus)
	mux.HandleFunc("GET /twilio/stream/{call_sid}", a.handleStream)
}

// handleIncoming answers the inbound-call webhook with TwiML that connects
// the call to the media-stream WebSocket, or the fixed error document when
// no assistant is configured.
func (a *Adapter) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")
	to := r.PostFormValue("To")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	routing, err := a.conf.CallIncoming(r.Context(), callSID, from, to)
	if err != nil {
		slog.Error("incoming call lookup failed", "call_sid", callSID, "err", err)
		a.writeErrorTwiML(w)
		return
	}
	if routing.AssistantID == "" {
		slog.Warn("no assistant configured for call", "call_sid", callSID, "to", to)
		a.writeErrorTwiML(w)
		return
	}

	if a.cfg.ValidateSignatures && routing.TwilioAuthToken != "" {
		if !a.validSignature(r, routing.TwilioAuthToken) {
			slog.Warn("rejected webhook with bad signature", "call_sid", callSID)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	a.mu.Lock()
	a.pending[callSID] = &pendingCall{routing: routing, caller: from}
	a.mu.Unlock()

	wsURL := "wss://" + a.host(r) + "/twilio/stream/" + callSID
	doc, err := ConnectStreamTwiML(wsURL)
	if err != nil {
		slog.Error("twiml build failed", "call_sid", callSID, "err", err)
		a.writeErrorTwiML(w)
		return
	}

	slog.Info("incoming call accepted", "call_sid", callSID, "from", from, "assistant_id", routing.AssistantID)
	writeXML(w, doc)
}

// handleStatus acknowledges status callbacks and mirrors them to the
// configuration service.
func (a *Adapter) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")

	if status == "completed" || status == "failed" {
		a.mu.Lock()
		delete(a.pending, callSID)
		a.mu.Unlock()
	}

	if err := a.conf.PostStatus(r.Context(), &confsvc.StatusUpdate{
		CallSID:      callSID,
		CallStatus:   status,
		CallDuration: r.PostFormValue("CallDuration"),
	}); err != nil {
		slog.Warn("status mirror failed", "call_sid", callSID, "err", err)
	}
	w.WriteHeader(http.StatusOK)
}

// handleStream upgrades the per-call audio WebSocket and hands it to the
// stream handler for the lifetime of the call.
func (a *Adapter) handleStream(w http.ResponseWriter, r *http.Request) {
	callSID := r.PathValue("call_sid")

	a.mu.Lock()
	pc := a.pending[callSID]
	delete(a.pending, callSID)
	a.mu.Unlock()

	if pc == nil {
		slog.Warn("stream open for unknown call", "call_sid", callSID)
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Twilio does not send a browser Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("stream accept failed", "call_sid", callSID, "err", err)
		return
	}

	stream := NewStream(conn)
	defer stream.Close()

	a.handler(r.Context(), callSID, pc.caller, pc.routing, stream)
}

// validSignature checks the X-Twilio-Signature header against the request
// URL and form parameters.
func (a *Adapter) validSignature(r *http.Request, authToken string) bool {
	validator := twilioclient.NewRequestValidator(authToken)

	params := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	url := "https://" + a.host(r) + r.URL.RequestURI()
	return validator.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}

// host resolves the externally-visible host for URL building.
func (a *Adapter) host(r *http.Request) string {
	if a.cfg.PublicHost != "" {
		return a.cfg.PublicHost
	}
	return r.Host
}

func (a *Adapter) writeErrorTwiML(w http.ResponseWriter) {
	doc, err := ErrorTwiML()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeXML(w, doc)
}

func writeXML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

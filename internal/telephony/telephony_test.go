package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/internal/confsvc"
)

// ── Stream ────────────────────────────────────────────────────────────────────

func TestStreamReadEvents(t *testing.T) {
	t.Parallel()

	received := make(chan *Event, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		stream := NewStream(conn)
		defer stream.Close()
		for {
			evt, err := stream.Read(r.Context())
			if err != nil {
				return
			}
			received <- evt
			if evt.Type == "stop" {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	send := func(v any) {
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	send(map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZ1"}})
	send(map[string]any{"event": "media", "media": map[string]any{"payload": payload}})
	conn.Write(ctx, websocket.MessageText, []byte("{malformed"))
	send(map[string]any{"event": "mark", "mark": map[string]any{"name": "ai_speech_end"}})
	send(map[string]any{"event": "stop"})

	want := []struct {
		typ   string
		check func(*Event) bool
	}{
		{"start", func(e *Event) bool { return e.StreamSID == "MZ1" }},
		{"media", func(e *Event) bool { return len(e.Media) == 3 && e.Media[0] == 1 }},
		{"mark", func(e *Event) bool { return e.Mark == "ai_speech_end" }},
		{"stop", func(e *Event) bool { return true }},
	}
	for _, w := range want {
		select {
		case evt := <-received:
			if evt.Type != w.typ || !w.check(evt) {
				t.Fatalf("got %+v, want type %q", evt, w.typ)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", w.typ)
		}
	}
}

func TestStreamSendShapes(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		stream := NewStream(conn)
		defer stream.Close()
		stream.SendMedia("MZ1", []byte{0xFF, 0x7F})
		stream.SendMark("MZ1", "ai_speech_end")
		stream.SendClear("MZ1")
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				frames <- m
			}
		}
	}()

	media := <-frames
	if media["event"] != "media" || media["streamSid"] != "MZ1" {
		t.Fatalf("media frame = %v", media)
	}
	payload := media["media"].(map[string]any)["payload"].(string)
	raw, _ := base64.StdEncoding.DecodeString(payload)
	if len(raw) != 2 || raw[0] != 0xFF {
		t.Errorf("payload = %v", raw)
	}

	mark := <-frames
	if mark["event"] != "mark" || mark["mark"].(map[string]any)["name"] != "ai_speech_end" {
		t.Fatalf("mark frame = %v", mark)
	}

	clear := <-frames
	if clear["event"] != "clear" || clear["streamSid"] != "MZ1" {
		t.Fatalf("clear frame = %v", clear)
	}
}

// ── TwiML ─────────────────────────────────────────────────────────────────────

func TestTwiMLDocuments(t *testing.T) {
	t.Parallel()

	t.Run("connect stream", func(t *testing.T) {
		doc, err := ConnectStreamTwiML("wss://host.test/twilio/stream/CA1")
		if err != nil {
			t.Fatalf("ConnectStreamTwiML: %v", err)
		}
		for _, want := range []string{"<Connect>", "<Stream", "wss://host.test/twilio/stream/CA1"} {
			if !strings.Contains(doc, want) {
				t.Errorf("document missing %q:\n%s", want, doc)
			}
		}
	})

	t.Run("error document says and hangs up", func(t *testing.T) {
		doc, err := ErrorTwiML()
		if err != nil {
			t.Fatalf("ErrorTwiML: %v", err)
		}
		if !strings.Contains(doc, "<Say>") || !strings.Contains(doc, "<Hangup") {
			t.Errorf("document = %s", doc)
		}
	})

	t.Run("dial number", func(t *testing.T) {
		doc, err := DialNumberTwiML("+15557777")
		if err != nil {
			t.Fatalf("DialNumberTwiML: %v", err)
		}
		if !strings.Contains(doc, "<Dial>") || !strings.Contains(doc, "+15557777") {
			t.Errorf("document = %s", doc)
		}
	})

	t.Run("dial sip adds scheme once", func(t *testing.T) {
		doc, err := DialSipTwiML("agent@pbx.example.com")
		if err != nil {
			t.Fatalf("DialSipTwiML: %v", err)
		}
		if !strings.Contains(doc, "sip:agent@pbx.example.com") {
			t.Errorf("document = %s", doc)
		}

		doc, err = DialSipTwiML("sip:other@pbx.example.com")
		if err != nil {
			t.Fatalf("DialSipTwiML: %v", err)
		}
		if strings.Contains(doc, "sip:sip:") {
			t.Errorf("scheme doubled:\n%s", doc)
		}
	})
}

// ── Adapter webhooks ──────────────────────────────────────────────────────────

// confBackend fakes the configuration service for adapter tests.
func confBackend(t *testing.T, assistantID string) (*confsvc.Client, *httptest.Server, *sync.Map) {
	t.Helper()
	calls := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calls/incoming":
			calls.Store("incoming", true)
			json.NewEncoder(w).Encode(confsvc.IncomingCall{AssistantID: assistantID, OrganizationID: "org"})
		case "/calls/status":
			var body confsvc.StatusUpdate
			json.NewDecoder(r.Body).Decode(&body)
			calls.Store("status", body)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return confsvc.New(srv.URL, "s"), srv, calls
}

func postForm(t *testing.T, handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Host = "voice.example.com"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIncomingWebhook(t *testing.T) {
	t.Parallel()

	conf, _, _ := confBackend(t, "asst_1")
	adapter := NewAdapter(AdapterConfig{}, conf, func(context.Context, string, string, *confsvc.IncomingCall, *Stream) {})
	mux := http.NewServeMux()
	adapter.Register(mux)

	rec := postForm(t, mux, "/twilio/incoming", url.Values{
		"CallSid":    {"CA77"},
		"From":       {"+15551234"},
		"To":         {"+15550000"},
		"CallStatus": {"ringing"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "wss://voice.example.com/twilio/stream/CA77") {
		t.Errorf("twiml = %s", body)
	}
	if !strings.Contains(body, "<Connect>") {
		t.Errorf("twiml = %s", body)
	}
}

func TestIncomingWebhookNoAssistant(t *testing.T) {
	t.Parallel()

	conf, _, _ := confBackend(t, "")
	adapter := NewAdapter(AdapterConfig{}, conf, func(context.Context, string, string, *confsvc.IncomingCall, *Stream) {})
	mux := http.NewServeMux()
	adapter.Register(mux)

	rec := postForm(t, mux, "/twilio/incoming", url.Values{
		"CallSid": {"CA78"},
		"From":    {"+15551234"},
		"To":      {"+15550000"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Say>") || !strings.Contains(rec.Body.String(), "<Hangup") {
		t.Errorf("expected error twiml, got: %s", rec.Body.String())
	}
}

func TestStatusWebhookMirrors(t *testing.T) {
	t.Parallel()

	conf, _, calls := confBackend(t, "asst_1")
	adapter := NewAdapter(AdapterConfig{}, conf, func(context.Context, string, string, *confsvc.IncomingCall, *Stream) {})
	mux := http.NewServeMux()
	adapter.Register(mux)

	rec := postForm(t, mux, "/twilio/status", url.Values{
		"CallSid":      {"CA77"},
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, ok := calls.Load("status")
	if !ok {
		t.Fatal("status not mirrored")
	}
	update := got.(confsvc.StatusUpdate)
	if update.CallSID != "CA77" || update.CallStatus != "completed" || update.CallDuration != "42" {
		t.Errorf("update = %+v", update)
	}
}

func TestStreamUpgradeUnknownCall(t *testing.T) {
	t.Parallel()

	conf, _, _ := confBackend(t, "asst_1")
	adapter := NewAdapter(AdapterConfig{}, conf, func(context.Context, string, string, *confsvc.IncomingCall, *Stream) {})
	mux := http.NewServeMux()
	adapter.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/twilio/stream/CA-nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown call", rec.Code)
	}
}

func TestStreamUpgradeAfterWebhook(t *testing.T) {
	t.Parallel()

	conf, _, _ := confBackend(t, "asst_1")

	handled := make(chan string, 1)
	adapter := NewAdapter(AdapterConfig{}, conf, func(_ context.Context, callSID, caller string, routing *confsvc.IncomingCall, stream *Stream) {
		if routing.AssistantID != "asst_1" || caller != "+15551234" {
			t.Errorf("routing = %+v caller = %q", routing, caller)
		}
		handled <- callSID
	})
	mux := http.NewServeMux()
	adapter.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// Webhook first, so the routing decision is pending.
	resp, err := http.PostForm(srv.URL+"/twilio/incoming", url.Values{
		"CallSid": {"CA99"},
		"From":    {"+15551234"},
		"To":      {"+15550000"},
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/twilio/stream/CA99", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	select {
	case sid := <-handled:
		if sid != "CA99" {
			t.Errorf("call sid = %q", sid)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream handler never ran")
	}
}

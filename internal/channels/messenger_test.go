package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
	"github.com/palmmind-office/Social-Media-Bot/internal/dashboard"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiCall struct {
	Endpoint string
	Method   string
	Body     map[string]any
}

// fakeSender records platform API calls instead of performing them.
type fakeSender struct {
	mu    sync.Mutex
	calls []apiCall
	reply json.RawMessage
}

func (f *fakeSender) Send(ctx context.Context, endpoint, method string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Endpoint: endpoint, Method: method, Body: decoded})
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeSender) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]apiCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// sentMessages filters out typing indicators and other non-message calls.
func (f *fakeSender) sentMessages() []map[string]any {
	var out []map[string]any
	for _, call := range f.recorded() {
		if msg, ok := call.Body["message"].(map[string]any); ok {
			out = append(out, msg)
		}
	}
	return out
}

func newTestMessenger(t *testing.T, kind string) (*MessengerChannel, *fakeSender) {
	t.Helper()
	api := &fakeSender{}
	return &MessengerChannel{
		kind:        kind,
		verifyToken: "verify-tok",
		appSecret:   "app-secret",
		api:         api,
	}, api
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestMessengerVerifyChallenge(t *testing.T) {
	ch, _ := newTestMessenger(t, kindMessenger)
	router := gin.New()
	ch.Mount(router)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/fb?hub.mode=subscribe&hub.verify_token=verify-tok&hub.challenge=12345", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "12345" {
		t.Errorf("verify = %d %q, want 200 with echoed challenge", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/fb?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("bad token = %d, want 403", w.Code)
	}
}

func TestMessengerRejectsBadSignature(t *testing.T) {
	ch, _ := newTestMessenger(t, kindMessenger)
	router := gin.New()
	ch.Mount(router)

	body := []byte(`{"entry":[]}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fb", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature", "sha1=deadbeef")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("forged signature = %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/fb", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature", signBody("app-secret", body))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid signature = %d, want 200", w.Code)
	}
}

func TestMessengerUnsendPatchesAndDropsEvent(t *testing.T) {
	var patches int
	dash := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": "m-1"}},
			})
		case http.MethodPatch:
			patches++
		}
	}))
	defer dash.Close()

	ch, api := newTestMessenger(t, kindMessenger)
	ch.dashboard = dashboard.NewClient(dash.URL, "tok")
	router := gin.New()
	ch.Mount(router)

	body := []byte(`{"entry":[{"messaging":[{"sender":{"id":"u1"},"message":{"mid":"mid.9","is_deleted":true}}]}]}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fb", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature", signBody("app-secret", body))
	router.ServeHTTP(w, req)

	if patches != 1 {
		t.Errorf("patch count = %d, want 1", patches)
	}
	if calls := api.recorded(); len(calls) != 0 {
		t.Errorf("unsend must not trigger platform calls, got %v", calls)
	}
}

func TestMessengerNormalizeReaction(t *testing.T) {
	ch, _ := newTestMessenger(t, kindMessenger)
	msgs, meta := ch.normalize(messengerEvent{
		Sender:   idRef{ID: "u1"},
		Reaction: &messengerReaction{MID: "mid.5", Action: "react", Emoji: "👍"},
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Title != "Reaction: 👍" || msgs[0].Payload != "/reaction::mid.5" {
		t.Errorf("reaction = %+v", msgs[0])
	}
	if meta.MID != "mid.5" {
		t.Errorf("meta.MID = %q", meta.MID)
	}

	msgs, _ = ch.normalize(messengerEvent{
		Sender:   idRef{ID: "u1"},
		Reaction: &messengerReaction{MID: "mid.5", Action: "unreact"},
	})
	if msgs[0].Title != "Reaction: unreact" {
		t.Errorf("removed reaction title = %q", msgs[0].Title)
	}
}

func TestMessengerNormalizeText(t *testing.T) {
	ch, _ := newTestMessenger(t, kindMessenger)

	msgs, _ := ch.normalize(messengerEvent{
		Sender:  idRef{ID: "u1"},
		Message: &messengerMessage{MID: "m1", Text: "hello"},
	})
	if msgs[0].Payload != "hello" {
		t.Errorf("plain text payload = %q", msgs[0].Payload)
	}

	msgs, _ = ch.normalize(messengerEvent{
		Sender: idRef{ID: "u1"},
		Message: &messengerMessage{MID: "m1", Text: "Yes",
			QuickReply: &struct {
				Payload string `json:"payload"`
			}{Payload: "confirm_yes"}},
	})
	if msgs[0].Payload != "confirm_yes" {
		t.Errorf("quick reply payload = %q", msgs[0].Payload)
	}

	msgs, _ = ch.normalize(messengerEvent{
		Sender:  idRef{ID: "u1"},
		Message: &messengerMessage{MID: "m1", Text: "Agent"},
	})
	if msgs[0].Payload != canonical.PayloadHuman {
		t.Errorf("handoff keyword payload = %q", msgs[0].Payload)
	}
}

func TestMessengerNormalizeAttachments(t *testing.T) {
	ch, _ := newTestMessenger(t, kindMessenger)
	event := messengerEvent{Sender: idRef{ID: "u1"}}
	raw := `{"mid":"m1","attachments":[{"type":"image","payload":{"url":"http://a/1.png"}},{"type":"video","payload":{"url":"http://a/2.mp4"}}]}`
	event.Message = &messengerMessage{}
	if err := json.Unmarshal([]byte(raw), event.Message); err != nil {
		t.Fatal(err)
	}
	msgs, _ := ch.normalize(event)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want one per attachment", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != "/attachments" || m.Attachment == nil {
			t.Errorf("attachment message = %+v", m)
		}
	}
	if msgs[1].Attachment.Type != "video" {
		t.Errorf("second attachment type = %q", msgs[1].Attachment.Type)
	}
}

func TestMessengerButtonDemotion(t *testing.T) {
	buttons := func(n int) []canonical.Button {
		out := make([]canonical.Button, n)
		for i := range out {
			out[i] = canonical.Button{Title: "B", Payload: "p"}
		}
		return out
	}

	t.Run("messenger keeps up to three buttons", func(t *testing.T) {
		ch, api := newTestMessenger(t, kindMessenger)
		ch.Deliver(canonical.Metadata{Recipient: "u1"}, canonical.Outbound{Text: "pick", Buttons: buttons(3)})
		msgs := api.sentMessages()
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		att, ok := msgs[0]["attachment"].(map[string]any)
		if !ok {
			t.Fatalf("expected button template, got %v", msgs[0])
		}
		payload := att["payload"].(map[string]any)
		if payload["template_type"] != "button" {
			t.Errorf("template_type = %v", payload["template_type"])
		}
		rendered := payload["buttons"].([]any)
		if rendered[0].(map[string]any)["type"] != "postback" {
			t.Errorf("default button type missing: %v", rendered[0])
		}
	})

	t.Run("messenger demotes more than three", func(t *testing.T) {
		ch, api := newTestMessenger(t, kindMessenger)
		ch.Deliver(canonical.Metadata{Recipient: "u1"}, canonical.Outbound{Text: "pick", Buttons: buttons(4)})
		msgs := api.sentMessages()
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		replies, ok := msgs[0]["quick_replies"].([]any)
		if !ok || len(replies) != 4 {
			t.Fatalf("expected 4 quick replies, got %v", msgs[0])
		}
	})

	t.Run("instagram always demotes", func(t *testing.T) {
		ch, api := newTestMessenger(t, kindInstagram)
		ch.Deliver(canonical.Metadata{Recipient: "u1"}, canonical.Outbound{Text: "pick", Buttons: buttons(2)})
		msgs := api.sentMessages()
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		if _, ok := msgs[0]["quick_replies"].([]any); !ok {
			t.Fatalf("expected quick replies, got %v", msgs[0])
		}
	})
}

func TestMessengerCarouselPagination(t *testing.T) {
	elements := make([]canonical.Element, 12)
	for i := range elements {
		elements[i] = canonical.Element{Title: "card"}
	}
	ch, api := newTestMessenger(t, kindMessenger)
	ch.Deliver(canonical.Metadata{Recipient: "u1"}, canonical.Outbound{Elements: elements})

	msgs := api.sentMessages()
	if len(msgs) != 2 {
		t.Fatalf("12 elements should page into 2 calls, got %d", len(msgs))
	}
	first := msgs[0]["attachment"].(map[string]any)["payload"].(map[string]any)
	if first["template_type"] != "generic" {
		t.Errorf("template_type = %v", first["template_type"])
	}
	if got := len(first["elements"].([]any)); got != 10 {
		t.Errorf("first page size = %d, want 10", got)
	}
}

func TestMessengerTypingIndicatorOnlyOnMessenger(t *testing.T) {
	ch, api := newTestMessenger(t, kindMessenger)
	ch.Deliver(canonical.Metadata{Recipient: "u1"}, canonical.Outbound{Text: "hi"})
	var typing int
	for _, call := range api.recorded() {
		if call.Body["sender_action"] == "typing_on" {
			typing++
		}
	}
	if typing != 1 {
		t.Errorf("messenger typing calls = %d, want 1", typing)
	}

	ig, igAPI := newTestMessenger(t, kindInstagram)
	ig.Deliver(canonical.Metadata{Recipient: "u1"}, canonical.Outbound{Text: "hi"})
	for _, call := range igAPI.recorded() {
		if call.Body["sender_action"] == "typing_on" {
			t.Error("instagram must not send typing indicators")
		}
	}
}

func TestMessengerCustomUnwrap(t *testing.T) {
	ch, api := newTestMessenger(t, kindMessenger)
	msg := canonical.Outbound{
		Text:   "ignored",
		Custom: json.RawMessage(`[{"text":"from custom"}]`),
	}
	if err := ch.Deliver(canonical.Metadata{Recipient: "u1"}, msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msgs := api.sentMessages()
	if len(msgs) != 1 || msgs[0]["text"] != "from custom" {
		t.Errorf("custom replacement not applied: %v", msgs)
	}
}

func TestMessengerMetadataEchoedOnSend(t *testing.T) {
	ch, api := newTestMessenger(t, kindMessenger)
	ch.Deliver(canonical.Metadata{Recipient: "u1", Sender: "agent-7"}, canonical.Outbound{Text: "hi"})
	msgs := api.sentMessages()
	if len(msgs) != 1 || msgs[0]["metadata"] != "agent-7" {
		t.Errorf("metadata not echoed: %v", msgs)
	}
}

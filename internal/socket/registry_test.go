package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
)

// fakeBackend is an in-process websocket endpoint that speaks the channel
// frame protocol: it counts joins, acks them per its configuration and can
// push response frames to connected clients.
type fakeBackend struct {
	t        *testing.T
	upgrader websocket.Upgrader

	ackJoin *bool // nil means never answer the handshake

	mu    sync.Mutex
	joins int
	conns []*websocket.Conn
}

func newFakeBackend(t *testing.T, ackJoin *bool) (*fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{t: t, ackJoin: ackJoin}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Event == EventUserJoin {
			b.mu.Lock()
			b.joins++
			ack := b.ackJoin
			b.mu.Unlock()
			if ack != nil {
				raw, _ := json.Marshal(*ack)
				conn.WriteJSON(Frame{Event: EventAck, ID: frame.ID, Data: raw})
			}
		}
	}
}

func (b *fakeBackend) joinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins
}

// push sends a message:received frame on the most recent connection.
func (b *fakeBackend) push(event MessageEvent) {
	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	b.mu.Unlock()
	raw, err := json.Marshal(event)
	if err != nil {
		b.t.Fatalf("marshal push: %v", err)
	}
	if err := conn.WriteJSON(Frame{Event: EventMessageReceived, Data: raw}); err != nil {
		b.t.Fatalf("push: %v", err)
	}
}

func (b *fakeBackend) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		conn.Close()
	}
}

type recordingDeliverer struct {
	mu   sync.Mutex
	msgs []canonical.Outbound
}

func (d *recordingDeliverer) Deliver(meta canonical.Metadata, msg canonical.Outbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDeliverer) delivered() []canonical.Outbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]canonical.Outbound, len(d.msgs))
	copy(out, d.msgs)
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func boolPtr(v bool) *bool { return &v }

func newTestRegistry(srv *httptest.Server, d Deliverer) *Registry {
	return NewRegistry(Config{
		URL:         wsURL(srv),
		Token:       "secret",
		Platform:    "fb",
		JoinTimeout: 2 * time.Second,
	}, d)
}

func TestEnsureReusesOpenChannel(t *testing.T) {
	backend, srv := newFakeBackend(t, boolPtr(true))
	reg := newTestRegistry(srv, &recordingDeliverer{})
	defer reg.Shutdown()

	for i := 0; i < 2; i++ {
		ok, err := reg.Ensure(context.Background(), "user-1", IdentityHints{})
		if err != nil || !ok {
			t.Fatalf("Ensure #%d = (%v, %v), want (true, nil)", i+1, ok, err)
		}
	}
	if got := backend.joinCount(); got != 1 {
		t.Errorf("join count = %d, want 1 (second Ensure must reuse)", got)
	}
}

func TestEnsureReplacesStaleChannel(t *testing.T) {
	backend, srv := newFakeBackend(t, boolPtr(true))
	reg := newTestRegistry(srv, &recordingDeliverer{})
	defer reg.Shutdown()

	if ok, err := reg.Ensure(context.Background(), "user-1", IdentityHints{}); err != nil || !ok {
		t.Fatalf("first Ensure = (%v, %v)", ok, err)
	}
	first := reg.current("user-1")

	backend.closeAll()
	waitFor(t, func() bool { return !first.Open() })

	if ok, err := reg.Ensure(context.Background(), "user-1", IdentityHints{}); err != nil || !ok {
		t.Fatalf("second Ensure = (%v, %v)", ok, err)
	}
	if got := backend.joinCount(); got != 2 {
		t.Errorf("join count = %d, want 2 (stale channel must be replaced)", got)
	}
	if reg.current("user-1") == first {
		t.Error("stale client still registered after replacement")
	}
}

func TestEnsureJoinDeclined(t *testing.T) {
	_, srv := newFakeBackend(t, boolPtr(false))
	reg := newTestRegistry(srv, &recordingDeliverer{})
	defer reg.Shutdown()

	ok, err := reg.Ensure(context.Background(), "user-1", IdentityHints{})
	if err != nil {
		t.Fatalf("Ensure error: %v", err)
	}
	if ok {
		t.Error("declined join must report false")
	}
	if reg.current("user-1") != nil {
		t.Error("declined join must not leave a registered session")
	}
}

func TestEnsureJoinTimeout(t *testing.T) {
	_, srv := newFakeBackend(t, nil)
	reg := NewRegistry(Config{
		URL:         wsURL(srv),
		Token:       "secret",
		Platform:    "fb",
		JoinTimeout: 100 * time.Millisecond,
	}, &recordingDeliverer{})
	defer reg.Shutdown()

	ok, err := reg.Ensure(context.Background(), "user-1", IdentityHints{})
	if ok {
		t.Error("unacked join must report false")
	}
	if err == nil {
		t.Error("unacked join should surface a timeout error")
	}
}

func TestResponsesRoutedToDeliverer(t *testing.T) {
	backend, srv := newFakeBackend(t, boolPtr(true))
	rec := &recordingDeliverer{}
	reg := newTestRegistry(srv, rec)
	defer reg.Shutdown()

	if ok, err := reg.Ensure(context.Background(), "user-1", IdentityHints{}); err != nil || !ok {
		t.Fatalf("Ensure = (%v, %v)", ok, err)
	}

	backend.push(MessageEvent{
		Message:  json.RawMessage(`[{"text":"first"},{"text":"second"}]`),
		Metadata: canonical.Metadata{Recipient: "user-1"},
	})

	waitFor(t, func() bool { return len(rec.delivered()) == 2 })
	msgs := rec.delivered()
	if msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Errorf("batch order lost: %+v", msgs)
	}
}

func TestFanOutIsolatesBadElements(t *testing.T) {
	rec := &recordingDeliverer{}
	reg := NewRegistry(Config{Platform: "fb"}, rec)

	reg.fanOut([]json.RawMessage{
		json.RawMessage(`"not an object"`),
		json.RawMessage(`{"text":"survives"}`),
	}, canonical.Metadata{})

	msgs := rec.delivered()
	if len(msgs) != 1 || msgs[0].Text != "survives" {
		t.Errorf("bad element must not block siblings, got %+v", msgs)
	}
}

func TestMessageEventBatch(t *testing.T) {
	single := MessageEvent{Message: json.RawMessage(`{"text":"a"}`)}
	if got := len(single.Batch()); got != 1 {
		t.Errorf("single object batch length = %d, want 1", got)
	}
	array := MessageEvent{Message: json.RawMessage(`[{"text":"a"},{"text":"b"},{"text":"c"}]`)}
	if got := len(array.Batch()); got != 3 {
		t.Errorf("array batch length = %d, want 3", got)
	}
	if got := len(MessageEvent{}.Batch()); got != 0 {
		t.Errorf("empty batch length = %d, want 0", got)
	}
}

package channels

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gin-gonic/gin"
)

type stubChannel struct {
	name    string
	mounted bool
	started bool
	stopped bool
	stopErr error
}

func (s *stubChannel) Name() string                    { return s.name }
func (s *stubChannel) Mount(r gin.IRouter)             { s.mounted = true }
func (s *stubChannel) Start(ctx context.Context) error { s.started = true; return nil }
func (s *stubChannel) Stop() error                     { s.stopped = true; return s.stopErr }

type stubRegistrar struct {
	stubChannel
	registered int
}

func (s *stubRegistrar) RegisterWebhook(ctx context.Context) error {
	s.registered++
	return nil
}

func registerStub(t *testing.T, name string, ch Channel) {
	t.Helper()
	Register(name, func(cfg json.RawMessage, deps Deps) (Channel, error) {
		return ch, nil
	})
	t.Cleanup(func() { delete(registry, name) })
}

func TestManagerLifecycle(t *testing.T) {
	stub := &stubChannel{name: "stub"}
	registerStub(t, "stub", stub)

	m := NewManager(Deps{})
	if err := m.AddChannel("stub", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	m.MountAll(gin.New())
	if !stub.mounted {
		t.Error("channel not mounted")
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !stub.started {
		t.Error("channel not started")
	}
	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if !stub.stopped {
		t.Error("channel not stopped")
	}
}

func TestManagerUnknownChannel(t *testing.T) {
	m := NewManager(Deps{})
	if err := m.AddChannel("nope", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unregistered channel")
	}
}

func TestManagerStopAllReturnsFirstError(t *testing.T) {
	bad := &stubChannel{name: "bad", stopErr: errors.New("boom")}
	good := &stubChannel{name: "good"}
	registerStub(t, "bad", bad)
	registerStub(t, "good", good)

	m := NewManager(Deps{})
	m.AddChannel("bad", json.RawMessage(`{}`))
	m.AddChannel("good", json.RawMessage(`{}`))

	if err := m.StopAll(); err == nil {
		t.Error("expected stop error")
	}
	if !good.stopped {
		t.Error("later channels must still be stopped")
	}
}

func TestManagerRegistrars(t *testing.T) {
	plain := &stubChannel{name: "plain"}
	reg := &stubRegistrar{stubChannel: stubChannel{name: "reg"}}
	registerStub(t, "plain", plain)
	registerStub(t, "reg", reg)

	m := NewManager(Deps{})
	m.AddChannel("plain", json.RawMessage(`{}`))
	m.AddChannel("reg", json.RawMessage(`{}`))

	regs := m.Registrars()
	if len(regs) != 1 {
		t.Fatalf("registrars = %d, want 1", len(regs))
	}
	regs[0].RegisterWebhook(context.Background())
	if reg.registered != 1 {
		t.Error("registrar not invoked")
	}
}

func TestBuiltinFactoriesRegistered(t *testing.T) {
	for _, name := range []string{"messenger", "instagram", "viber", "whatsapp"} {
		if _, ok := GetFactory(name); !ok {
			t.Errorf("factory %q not registered", name)
		}
	}
}

package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
)

// Manager owns the set of live channels: creation from config, webhook
// mounting, startup and shutdown.
type Manager struct {
	channels []Channel
	deps     Deps
	mu       sync.Mutex
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps}
}

// AddChannel creates and adds a channel from its config section.
func (m *Manager) AddChannel(name string, cfgJSON json.RawMessage) error {
	factory, ok := GetFactory(name)
	if !ok {
		return fmt.Errorf("no factory registered for channel %q", name)
	}
	ch, err := factory(cfgJSON, m.deps)
	if err != nil {
		return fmt.Errorf("failed to create channel %q: %w", name, err)
	}
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	return nil
}

// MountAll registers every channel's webhook routes.
func (m *Manager) MountAll(r gin.IRouter) {
	for _, ch := range m.snapshot() {
		ch.Mount(r)
	}
}

// StartAll runs platform setup for all channels.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, ch := range m.snapshot() {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start channel %q: %w", ch.Name(), err)
		}
	}
	return nil
}

// StopAll stops all channels, returning the first error.
func (m *Manager) StopAll() error {
	var firstErr error
	for _, ch := range m.snapshot() {
		if err := ch.Stop(); err != nil {
			slog.Error("failed to stop channel", "channel", ch.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Registrars returns the channels that re-register their platform webhook.
func (m *Manager) Registrars() []WebhookRegistrar {
	var out []WebhookRegistrar
	for _, ch := range m.snapshot() {
		if reg, ok := ch.(WebhookRegistrar); ok {
			out = append(out, reg)
		}
	}
	return out
}

// Channels returns a snapshot of the managed channels.
func (m *Manager) Channels() []Channel {
	return m.snapshot()
}

func (m *Manager) snapshot() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	chs := make([]Channel, len(m.channels))
	copy(chs, m.channels)
	return chs
}

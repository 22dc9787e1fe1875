package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
)

// Deliverer applies one backend response message to a platform. Transport
// failures are expected to be absorbed by the implementation; an error here
// means the message itself could not be rendered.
type Deliverer interface {
	Deliver(meta canonical.Metadata, msg canonical.Outbound) error
}

// Config configures a per-platform session registry.
type Config struct {
	URL         string        // backend websocket URL
	Token       string        // shared channel auth token
	Platform    string        // platform marker sent on the join handshake
	JoinTimeout time.Duration // zero means DefaultJoinTimeout
}

// DefaultJoinTimeout bounds a join handshake that never receives an ack.
const DefaultJoinTimeout = 15 * time.Second

// Registry owns the per-user duplex channels for one platform adapter. At
// most one open channel exists per user; a stale channel is disconnected
// before its replacement is dialed.
type Registry struct {
	cfg     Config
	deliver Deliverer

	mu       sync.Mutex
	sessions map[string]*Client
	locks    map[string]*sync.Mutex
}

// NewRegistry creates a registry delivering backend responses through d.
func NewRegistry(cfg Config, d Deliverer) *Registry {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &Registry{
		cfg:      cfg,
		deliver:  d,
		sessions: make(map[string]*Client),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Ensure returns once a joined channel for userID exists. It reuses an open
// channel, replaces a stale one, and returns false when the backend declines
// the join handshake. Concurrent calls for the same user are serialized so
// that replacement can never race into two live channels.
func (r *Registry) Ensure(ctx context.Context, userID string, hints IdentityHints) (bool, error) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if cur := r.current(userID); cur != nil {
		if cur.Open() {
			return true, nil
		}
		// Stale: disconnect before any new channel may deliver.
		if err := cur.Close(); err != nil {
			slog.Warn("socket: close stale channel", "user", userID, "err", err)
		}
		r.drop(userID, cur)
	}

	client, err := Dial(ctx, r.cfg.URL, r.cfg.Token)
	if err != nil {
		return false, err
	}

	joined, err := client.Join(ctx, JoinParams{
		UserID:   userID,
		Scope:    ScopeAll,
		Role:     RoleUser,
		Platform: r.cfg.Platform,
		Hints:    hints,
	}, r.cfg.JoinTimeout)
	if err != nil || !joined {
		client.Close()
		if err != nil {
			slog.Warn("socket: join failed", "user", userID, "platform", r.cfg.Platform, "err", err)
		}
		return false, err
	}

	// Response routing is registered only after a successful join, and the
	// client is stored only then.
	client.OnMessageReceived(r.fanOut)
	r.mu.Lock()
	r.sessions[userID] = client
	r.mu.Unlock()
	return true, nil
}

// Send emits a canonical inbound message on the user's channel. It is a
// no-op when no session exists.
func (r *Registry) Send(userID string, msg canonical.Inbound, meta canonical.Metadata) {
	client := r.current(userID)
	if client == nil {
		return
	}
	if err := client.Emit(EventMessageSent, MessageEvent{Message: mustJSON(msg), Metadata: meta}); err != nil {
		slog.Error("socket: emit message:sent", "user", userID, "err", err)
	}
}

// RequestLivechat raises the live-chat-requested signal for the user.
func (r *Registry) RequestLivechat(userID string) {
	client := r.current(userID)
	if client == nil {
		return
	}
	if err := client.Emit(EventLivechatRequest, struct{}{}); err != nil {
		slog.Error("socket: emit livechat:request", "user", userID, "err", err)
	}
}

// Shutdown closes every live channel.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, client := range r.sessions {
		client.Close()
		delete(r.sessions, userID)
	}
}

// fanOut applies a backend response batch strictly in order, one element at
// a time, isolating failures so one bad element never blocks its siblings.
func (r *Registry) fanOut(batch []json.RawMessage, meta canonical.Metadata) {
	for _, raw := range batch {
		var msg canonical.Outbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Error("socket: couldn't decode response message", "platform", r.cfg.Platform, "message", string(raw), "err", err)
			continue
		}
		if err := r.deliver.Deliver(meta, msg); err != nil {
			slog.Error("socket: couldn't send response message", "platform", r.cfg.Platform, "message", string(raw), "err", err)
		}
	}
}

func (r *Registry) current(userID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// drop removes the mapping only if it still points at the given client.
func (r *Registry) drop(userID string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == client {
		delete(r.sessions, userID)
	}
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[userID] = lock
	}
	return lock
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Canonical types marshal unconditionally; this guards future edits.
		slog.Error("socket: marshal canonical message", "err", err)
		return json.RawMessage(`{}`)
	}
	return raw
}

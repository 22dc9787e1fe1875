package channels

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/palmmind-office/Social-Media-Bot/internal/dashboard"
	"github.com/palmmind-office/Social-Media-Bot/internal/socket"
)

// Channel is the interface all platform adapters implement. Each adapter
// owns its webhook routes, its inbound normalization, its outbound
// formatting and its per-user backend sessions; adapters share no code.
type Channel interface {
	Name() string
	// Mount registers the adapter's webhook routes on the router.
	Mount(r gin.IRouter)
	// Start performs one-time platform setup (profile configuration,
	// webhook registration). Credential problems degrade, never abort.
	Start(ctx context.Context) error
	Stop() error
}

// WebhookRegistrar is implemented by channels whose platform requires the
// webhook URL to be (re-)registered via an API call.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context) error
}

// Deps are the shared collaborators handed to every channel factory.
type Deps struct {
	// Socket is the backend channel template; the factory fills Platform.
	Socket socket.Config
	// Dashboard is the message-maintenance client.
	Dashboard *dashboard.Client
	// PublicURL is the externally reachable base URL of this service, used
	// for webhook self-registration and hosted media links.
	PublicURL string
}

// ChannelFactory creates a Channel from its JSON config section.
type ChannelFactory func(cfg json.RawMessage, deps Deps) (Channel, error)

var registry = map[string]ChannelFactory{}

// Register adds a channel factory to the registry.
func Register(name string, factory ChannelFactory) {
	registry[name] = factory
}

// GetFactory returns the factory for a channel name.
func GetFactory(name string) (ChannelFactory, bool) {
	f, ok := registry[name]
	return f, ok
}

// RegisteredNames returns all registered channel names.
func RegisteredNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

package config

// Config is the top-level configuration
type Config struct {
	LogLevel  string          `json:"logLevel"`
	Server    ServerConfig    `json:"server"`
	PublicURL string          `json:"publicUrl"`
	Socket    SocketConfig    `json:"socket"`
	Dashboard DashboardConfig `json:"dashboard"`
	Channels  ChannelsConfig  `json:"channels"`
	Cron      CronConfig      `json:"cron"`
}

// ServerConfig holds the webhook HTTP server settings
type ServerConfig struct {
	Port int `json:"port"`
}

// SocketConfig holds the duplex channel settings for reaching the
// conversational backend
type SocketConfig struct {
	URL                string `json:"url"`
	Token              string `json:"token"`
	JoinTimeoutSeconds int    `json:"joinTimeoutSeconds"`
}

// DashboardConfig holds the message-maintenance REST settings
type DashboardConfig struct {
	BaseURL    string `json:"baseUrl"`
	AdminToken string `json:"adminToken"`
}

// ChannelsConfig holds per-platform adapter credentials. Enabled lists the
// channel names to start.
type ChannelsConfig struct {
	Enabled   []string        `json:"enabled"`
	Messenger MessengerConfig `json:"messenger"`
	Instagram MessengerConfig `json:"instagram"`
	Viber     ViberConfig     `json:"viber"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
}

type MessengerConfig struct {
	AccessToken     string `json:"accessToken"`
	VerifyToken     string `json:"verifyToken"`
	AppSecret       string `json:"appSecret"`
	GraphAPIVersion string `json:"graphApiVersion,omitempty"`
	Greeting        string `json:"greeting,omitempty"`
}

type ViberConfig struct {
	AccessToken    string        `json:"accessToken"`
	SenderName     string        `json:"senderName"`
	SenderAvatar   string        `json:"senderAvatar,omitempty"`
	WelcomeText    string        `json:"welcomeText,omitempty"`
	WelcomeButtons []ViberButton `json:"welcomeButtons,omitempty"`
}

// ViberButton mirrors the quick-link entries of the Viber welcome keyboard
type ViberButton struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
	Color   string `json:"color,omitempty"`
	Image   string `json:"image,omitempty"`
}

type WhatsAppConfig struct {
	AccessToken     string `json:"accessToken"`
	VerifyToken     string `json:"verifyToken"`
	FromID          string `json:"fromId"`
	AppSecret       string `json:"appSecret"`
	GraphAPIVersion string `json:"graphApiVersion,omitempty"`
	FileBaseURL     string `json:"fileBaseUrl,omitempty"`
}

// CronConfig holds schedules for periodic maintenance work
type CronConfig struct {
	// WebhookRefresh re-registers platform webhooks; empty disables it.
	WebhookRefresh string `json:"webhookRefresh"`
}

// DefaultConfig returns the built-in defaults applied before a config file
// is decoded over them.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server:   ServerConfig{Port: 6200},
		Socket: SocketConfig{
			JoinTimeoutSeconds: 15,
		},
		Channels: ChannelsConfig{
			Enabled: []string{"messenger"},
		},
		Cron: CronConfig{
			WebhookRefresh: "0 4 * * *",
		},
	}
}

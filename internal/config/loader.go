package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Load loads config from the default path (~/.socialbot/config.json).
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromFile(filepath.Join(home, ".socialbot", "config.json"))
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies SOCIALBOT_-prefixed environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]*string{
		"SOCIALBOT_PUBLIC_URL":            &cfg.PublicURL,
		"SOCIALBOT_SOCKET_URL":            &cfg.Socket.URL,
		"SOCIALBOT_SOCKET_TOKEN":          &cfg.Socket.Token,
		"SOCIALBOT_DASHBOARD_BASEURL":     &cfg.Dashboard.BaseURL,
		"SOCIALBOT_DASHBOARD_ADMINTOKEN":  &cfg.Dashboard.AdminToken,
		"SOCIALBOT_MESSENGER_ACCESSTOKEN": &cfg.Channels.Messenger.AccessToken,
		"SOCIALBOT_MESSENGER_VERIFYTOKEN": &cfg.Channels.Messenger.VerifyToken,
		"SOCIALBOT_MESSENGER_APPSECRET":   &cfg.Channels.Messenger.AppSecret,
		"SOCIALBOT_INSTAGRAM_ACCESSTOKEN": &cfg.Channels.Instagram.AccessToken,
		"SOCIALBOT_INSTAGRAM_VERIFYTOKEN": &cfg.Channels.Instagram.VerifyToken,
		"SOCIALBOT_INSTAGRAM_APPSECRET":   &cfg.Channels.Instagram.AppSecret,
		"SOCIALBOT_VIBER_ACCESSTOKEN":     &cfg.Channels.Viber.AccessToken,
		"SOCIALBOT_VIBER_SENDERNAME":      &cfg.Channels.Viber.SenderName,
		"SOCIALBOT_VIBER_SENDERAVATAR":    &cfg.Channels.Viber.SenderAvatar,
		"SOCIALBOT_WHATSAPP_ACCESSTOKEN":  &cfg.Channels.WhatsApp.AccessToken,
		"SOCIALBOT_WHATSAPP_VERIFYTOKEN":  &cfg.Channels.WhatsApp.VerifyToken,
		"SOCIALBOT_WHATSAPP_FROMID":       &cfg.Channels.WhatsApp.FromID,
		"SOCIALBOT_WHATSAPP_APPSECRET":    &cfg.Channels.WhatsApp.AppSecret,
		"SOCIALBOT_WHATSAPP_FILEBASEURL":  &cfg.Channels.WhatsApp.FileBaseURL,
	}

	for env, ptr := range envMap {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}
}

// ChannelSection returns the JSON config section for a channel name, as fed
// to the channel factory registry.
func (c *Config) ChannelSection(name string) (json.RawMessage, error) {
	var section any
	switch name {
	case "messenger":
		section = c.Channels.Messenger
	case "instagram":
		section = c.Channels.Instagram
	case "viber":
		section = c.Channels.Viber
	case "whatsapp":
		section = c.Channels.WhatsApp
	default:
		return nil, fmt.Errorf("unknown channel %q", name)
	}
	raw, err := json.Marshal(section)
	if err != nil {
		return nil, fmt.Errorf("marshal %s config: %w", name, err)
	}
	return raw, nil
}

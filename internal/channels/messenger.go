package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
	"github.com/palmmind-office/Social-Media-Bot/internal/dashboard"
	"github.com/palmmind-office/Social-Media-Bot/internal/socket"
	"github.com/palmmind-office/Social-Media-Bot/internal/transport"
)

func init() {
	Register("messenger", func(cfg json.RawMessage, deps Deps) (Channel, error) {
		return newMessengerChannel(cfg, deps, kindMessenger)
	})
	Register("instagram", func(cfg json.RawMessage, deps Deps) (Channel, error) {
		return newMessengerChannel(cfg, deps, kindInstagram)
	})
}

// Graph platform variants sharing this implementation.
const (
	kindMessenger = "fb"
	kindInstagram = "instagram"
)

const messengerMaxButtons = 3
const messengerPageSize = 10

type messengerConfig struct {
	AccessToken     string `json:"accessToken"`
	VerifyToken     string `json:"verifyToken"`
	AppSecret       string `json:"appSecret"`
	GraphAPIVersion string `json:"graphApiVersion"`
	Greeting        string `json:"greeting"`
}

// MessengerChannel adapts the Messenger and Instagram messaging surfaces of
// the Graph API. The two variants differ only in capability: Instagram has
// no button template, so buttons always demote to quick replies there.
type MessengerChannel struct {
	kind        string
	verifyToken string
	appSecret   string
	greeting    string
	api         transport.Sender
	sessions    *socket.Registry
	dashboard   *dashboard.Client
}

func newMessengerChannel(raw json.RawMessage, deps Deps, kind string) (Channel, error) {
	var cfg messengerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s config: %w", kind, err)
	}
	if cfg.AccessToken == "" || cfg.VerifyToken == "" || cfg.AppSecret == "" {
		slog.Warn("missing app credentials", "channel", kind)
		cfg.AccessToken, cfg.VerifyToken, cfg.AppSecret = "_____", "______", "______"
	}
	if cfg.GraphAPIVersion == "" {
		cfg.GraphAPIVersion = "17.0"
	}

	ch := &MessengerChannel{
		kind:        kind,
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		greeting:    cfg.Greeting,
		dashboard:   deps.Dashboard,
		api: transport.NewClient(transport.Config{
			Platform:   kind,
			BaseURL:    "https://graph.facebook.com/v" + cfg.GraphAPIVersion,
			AuthHeader: "Authorization",
			AuthValue:  "Bearer " + cfg.AccessToken,
			ErrorCheck: graphErrorCheck,
		}),
	}
	sockCfg := deps.Socket
	sockCfg.Platform = kind
	ch.sessions = socket.NewRegistry(sockCfg, ch)
	return ch, nil
}

func graphErrorCheck(body []byte) string {
	var probe struct {
		Error *struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Error == nil {
		return ""
	}
	return fmt.Sprintf("%d: %s", probe.Error.Code, probe.Error.Message)
}

func (ch *MessengerChannel) Name() string { return ch.kind }

func (ch *MessengerChannel) webhookPath() string { return "/webhooks/" + ch.kind }

func (ch *MessengerChannel) Mount(r gin.IRouter) {
	r.GET(ch.webhookPath(), ch.handleVerify)
	r.POST(ch.webhookPath(), ch.handleWebhook)
}

// Start configures the messaging profile: get-started button, greeting and
// the persistent menu with the live-chat entry points.
func (ch *MessengerChannel) Start(ctx context.Context) error {
	greeting := ch.greeting
	if greeting == "" {
		greeting = "Warm welcome! I am your virtual assistant, here to help with your queries."
	}
	_, err := ch.api.Send(ctx, "me/messenger_profile", http.MethodPost, map[string]any{
		"get_started": map[string]string{"payload": "Get Started"},
		"greeting": []map[string]string{
			{"locale": "default", "text": greeting},
		},
		"persistent_menu": []map[string]any{
			{
				"locale":                  "default",
				"composer_input_disabled": false,
				"call_to_actions": []canonical.Button{
					{Type: "postback", Title: "Menu (End Live Chat)", Payload: "menu"},
					{Type: "postback", Title: "Talk to Live Agent", Payload: "talk_to_live_agent"},
				},
			},
		},
	})
	if err != nil {
		slog.Warn("messenger: profile setup failed", "channel", ch.kind, "err", err)
	}
	return nil
}

func (ch *MessengerChannel) Stop() error {
	ch.sessions.Shutdown()
	return nil
}

// GetUserProfile fetches public profile fields for a user. Messenger and
// Instagram expose different field sets.
func (ch *MessengerChannel) GetUserProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	fields := "first_name,last_name,profile_pic,locale,timezone,gender"
	if ch.kind == kindInstagram {
		fields = "username,name,profile_pic"
	}
	return ch.api.Send(ctx, fmt.Sprintf("%s?fields=%s", userID, fields), http.MethodGet, nil)
}

func (ch *MessengerChannel) handleVerify(c *gin.Context) {
	if c.Query("hub.mode") == "subscribe" && c.Query("hub.verify_token") == ch.verifyToken {
		c.String(http.StatusOK, c.Query("hub.challenge"))
		return
	}
	slog.Error("failed webhook validation, make sure the validation tokens match", "channel", ch.kind)
	c.Status(http.StatusForbidden)
}

func (ch *MessengerChannel) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if !ch.validSignature(c.GetHeader("X-Hub-Signature"), body) {
		c.Status(http.StatusForbidden)
		return
	}

	var payload struct {
		Entry []struct {
			Messaging []messengerEvent `json:"messaging"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, event := range entry.Messaging {
			ch.handleEvent(c.Request.Context(), event)
		}
	}
	c.Status(http.StatusOK)
}

func (ch *MessengerChannel) validSignature(sig string, body []byte) bool {
	parts := strings.SplitN(sig, "=", 2)
	if len(parts) != 2 {
		return false
	}
	mac := hmac.New(sha1.New, []byte(ch.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(parts[1]), []byte(expected))
}

type messengerEvent struct {
	Sender    idRef              `json:"sender"`
	Timestamp int64              `json:"timestamp"`
	Message   *messengerMessage  `json:"message"`
	Postback  *messengerPostback `json:"postback"`
	Reaction  *messengerReaction `json:"reaction"`
}

type idRef struct {
	ID string `json:"id"`
}

type messengerMessage struct {
	MID           string `json:"mid"`
	Text          string `json:"text"`
	IsDeleted     bool   `json:"is_deleted"`
	IsUnsupported bool   `json:"is_unsupported"`
	QuickReply    *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply"`
	ReplyTo *struct {
		MID   string `json:"mid"`
		Story *struct {
			URL string `json:"url"`
		} `json:"story"`
	} `json:"reply_to"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments"`
}

type messengerPostback struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type messengerReaction struct {
	MID    string `json:"mid"`
	Action string `json:"action"`
	Emoji  string `json:"emoji"`
}

func (ch *MessengerChannel) handleEvent(ctx context.Context, event messengerEvent) {
	userID := event.Sender.ID
	if userID == "" {
		return
	}

	// Unsend events patch the already-delivered message and are never
	// forwarded to the backend.
	if event.Message != nil && event.Message.IsDeleted {
		if err := ch.dashboard.PatchMessage(ctx, event.Message.MID, "this message was unsent"); err != nil {
			slog.Error("messenger: patch unsent message", "channel", ch.kind, "mid", event.Message.MID, "err", err)
		}
		return
	}

	messages, meta := ch.normalize(event)
	if len(messages) == 0 {
		return
	}

	joined, err := ch.sessions.Ensure(ctx, userID, socket.IdentityHints{})
	if err != nil || !joined {
		slog.Warn("messenger: session unavailable, dropping event", "channel", ch.kind, "user", userID, "err", err)
		return
	}

	for _, msg := range messages {
		if msg.Payload == canonical.PayloadHuman {
			ch.sessions.RequestLivechat(userID)
		}
		ch.sessions.Send(userID, msg, meta)
	}
}

// normalize classifies one webhook event into zero or more canonical inbound
// messages plus shared metadata.
func (ch *MessengerChannel) normalize(event messengerEvent) ([]canonical.Inbound, canonical.Metadata) {
	if event.Reaction != nil {
		emoji := event.Reaction.Emoji
		if emoji == "" {
			emoji = "unreact"
		}
		return []canonical.Inbound{{
			Title:   "Reaction: " + emoji,
			Payload: "/reaction::" + event.Reaction.MID,
		}}, canonical.Metadata{MID: event.Reaction.MID, Time: event.Timestamp}
	}

	if event.Postback != nil {
		return []canonical.Inbound{{
			Title:   event.Postback.Title,
			Payload: event.Postback.Payload,
		}}, canonical.Metadata{MID: event.Postback.MID, Time: event.Timestamp}
	}

	msg := event.Message
	if msg == nil {
		return nil, canonical.Metadata{}
	}
	meta := canonical.Metadata{MID: msg.MID, Time: event.Timestamp}

	if len(msg.Attachments) > 0 {
		var out []canonical.Inbound
		for _, att := range msg.Attachments {
			out = append(out, canonical.Inbound{
				Title:   "",
				Payload: "/attachments",
				Attachment: &canonical.Attachment{
					Type:    att.Type,
					Payload: att.Payload.URL,
				},
			})
		}
		return out, meta
	}

	if msg.IsUnsupported {
		return []canonical.Inbound{{
			Title:   "Unsupported (possibly multiple attachments)",
			Payload: "/unsupported",
		}}, meta
	}

	if msg.ReplyTo != nil && msg.ReplyTo.Story != nil {
		title := msg.Text
		if title == "" {
			title = "AVATAR"
		}
		return []canonical.Inbound{{
			Title:   "Story Reply: " + title,
			Payload: "/reply_story",
		}}, meta
	}
	if msg.ReplyTo != nil {
		return []canonical.Inbound{{
			Title:   msg.Text,
			Payload: "/reply_message",
		}}, meta
	}

	if msg.Text == "" {
		return nil, meta
	}
	fallback := ""
	if msg.QuickReply != nil {
		fallback = msg.QuickReply.Payload
	}
	return []canonical.Inbound{{
		Title:   msg.Text,
		Payload: canonical.ClassifyPayload(msg.Text, fallback),
	}}, meta
}

// Deliver renders one canonical outbound message as Graph Send API calls in
// fixed order: text/button/quick-reply message, then attachment, then
// paginated generic templates.
func (ch *MessengerChannel) Deliver(meta canonical.Metadata, msg canonical.Outbound) error {
	ctx := context.Background()
	userID := meta.Recipient

	if msg.HasCustom() {
		replacement, err := ch.unwrapCustom(msg.Custom)
		if err != nil {
			return err
		}
		msg = replacement
	}

	// Button demotion: Instagram has no button template; Messenger caps
	// buttons at three. Beyond capability, buttons become quick replies.
	if len(msg.Buttons) > 0 {
		if ch.kind != kindMessenger || len(msg.Buttons) > messengerMaxButtons {
			for _, b := range msg.Buttons {
				msg.QuickReplies = append(msg.QuickReplies, canonical.QuickReply{Title: b.Title, Payload: b.Payload})
			}
			msg.Buttons = nil
		} else {
			for i := range msg.Buttons {
				if msg.Buttons[i].Type == "" {
					msg.Buttons[i].Type = "postback"
				}
			}
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Description
	}

	switch {
	case len(msg.QuickReplies) > 0:
		if text == "" {
			text = "No response"
		}
		ch.say(ctx, userID, map[string]any{
			"text":          text,
			"quick_replies": formatQuickReplies(msg.QuickReplies),
		}, meta)
	case len(msg.Buttons) > 0:
		ch.say(ctx, userID, map[string]any{
			"attachment": map[string]any{
				"type": "template",
				"payload": map[string]any{
					"template_type": "button",
					"text":          text,
					"buttons":       msg.Buttons,
				},
			},
		}, meta)
	case text != "":
		ch.say(ctx, userID, map[string]any{"text": text}, meta)
	}

	if msg.Attachment != nil && msg.Attachment.Payload != "" {
		ch.say(ctx, userID, map[string]any{
			"attachment": map[string]any{
				"type":    msg.Attachment.Type,
				"payload": map[string]any{"url": msg.Attachment.Payload},
			},
		}, meta)
	}

	if len(msg.Elements) == 0 {
		return nil
	}
	elements := msg.Elements
	for i := range elements {
		for j := range elements[i].Buttons {
			if elements[i].Buttons[j].Type == "" {
				elements[i].Buttons[j].Type = "postback"
			}
		}
	}
	pages := (len(elements) + messengerPageSize - 1) / messengerPageSize
	for i := 0; i < pages; i++ {
		end := messengerPageSize
		if end > len(elements) {
			end = len(elements)
		}
		start := i
		if start > end {
			start = end
		}
		// TODO: pages after the first slice from the page index rather than
		// i*pageSize; confirm what the dashboard expects before changing.
		ch.say(ctx, userID, map[string]any{
			"attachment": map[string]any{
				"type": "template",
				"payload": map[string]any{
					"template_type": "generic",
					"elements":      elements[start:end],
				},
			},
		}, meta)
	}
	return nil
}

// unwrapCustom substitutes the whole canonical message with the custom
// escape-hatch object; an array carries the replacement as its first element.
func (ch *MessengerChannel) unwrapCustom(raw json.RawMessage) (canonical.Outbound, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return canonical.Outbound{}, fmt.Errorf("%s: empty custom array", ch.kind)
		}
		raw = list[0]
	}
	var out canonical.Outbound
	if err := json.Unmarshal(raw, &out); err != nil {
		return canonical.Outbound{}, fmt.Errorf("%s: decode custom message: %w", ch.kind, err)
	}
	return out, nil
}

func formatQuickReplies(replies []canonical.QuickReply) []map[string]string {
	out := make([]map[string]string, 0, len(replies))
	for _, r := range replies {
		payload := r.Payload
		if payload == "" {
			payload = r.Title
		}
		out = append(out, map[string]string{
			"content_type": "text",
			"title":        r.Title,
			"payload":      payload,
		})
	}
	return out
}

// say sends one message through the Send API. Messenger additionally shows a
// typing indicator first; transport failures are logged, never propagated.
func (ch *MessengerChannel) say(ctx context.Context, userID string, message map[string]any, meta canonical.Metadata) {
	if ch.kind == kindMessenger {
		if _, err := ch.api.Send(ctx, "me/messages", http.MethodPost, map[string]any{
			"recipient":     map[string]string{"id": userID},
			"sender_action": "typing_on",
		}); err != nil {
			slog.Warn("messenger: typing indicator failed", "channel", ch.kind, "err", err)
		}
	}
	if meta.Sender != "" {
		message["metadata"] = meta.Sender
	}
	if _, err := ch.api.Send(ctx, "me/messages", http.MethodPost, map[string]any{
		"recipient": map[string]string{"id": userID},
		"message":   message,
	}); err != nil {
		slog.Error("messenger: send failed", "channel", ch.kind, "user", userID, "err", err)
	}
}

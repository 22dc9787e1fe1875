package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
	"github.com/palmmind-office/Social-Media-Bot/internal/socket"
	"github.com/palmmind-office/Social-Media-Bot/internal/transport"
)

func init() {
	Register("viber", newViberChannel)
}

type viberConfig struct {
	AccessToken    string             `json:"accessToken"`
	SenderName     string             `json:"senderName"`
	SenderAvatar   string             `json:"senderAvatar"`
	WelcomeText    string             `json:"welcomeText"`
	WelcomeButtons []canonical.Button `json:"welcomeButtons"`
}

// ViberChannel adapts the Viber REST bot API. Viber user IDs may contain a
// leading +, which collides with the backend's routing keys, so the sender
// id travels escaped as "!$" and is unescaped before any outbound call.
type ViberChannel struct {
	sender         map[string]string
	welcomeText    string
	welcomeButtons []canonical.Button
	publicURL      string
	api            transport.Sender
	sessions       *socket.Registry
}

func newViberChannel(raw json.RawMessage, deps Deps) (Channel, error) {
	var cfg viberConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse viber config: %w", err)
	}
	if cfg.AccessToken == "" || cfg.SenderName == "" {
		slog.Warn("missing app credentials", "channel", "viber")
		cfg.AccessToken, cfg.SenderName = "_____", "______"
	}

	sender := map[string]string{"name": cfg.SenderName}
	if cfg.SenderAvatar != "" {
		sender["avatar"] = cfg.SenderAvatar
	}
	ch := &ViberChannel{
		sender:         sender,
		welcomeText:    cfg.WelcomeText,
		welcomeButtons: cfg.WelcomeButtons,
		publicURL:      deps.PublicURL,
		api: transport.NewClient(transport.Config{
			Platform:   "viber",
			BaseURL:    "https://chatapi.viber.com/pa",
			AuthHeader: "X-Viber-Auth-Token",
			AuthValue:  cfg.AccessToken,
			ErrorCheck: viberErrorCheck,
		}),
	}
	sockCfg := deps.Socket
	sockCfg.Platform = "viber"
	ch.sessions = socket.NewRegistry(sockCfg, ch)
	return ch, nil
}

// Viber reports failures in-band: a non-zero status with a message.
func viberErrorCheck(body []byte) string {
	var probe struct {
		Status        int    `json:"status"`
		StatusMessage string `json:"status_message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Status == 0 {
		return ""
	}
	return fmt.Sprintf("%d: %s", probe.Status, probe.StatusMessage)
}

func (ch *ViberChannel) Name() string { return "viber" }

func (ch *ViberChannel) webhookPath() string { return "/webhooks/viber" }

func (ch *ViberChannel) Mount(r gin.IRouter) {
	r.POST(ch.webhookPath(), ch.handleWebhook)
}

func (ch *ViberChannel) Start(ctx context.Context) error {
	return ch.RegisterWebhook(ctx)
}

// RegisterWebhook points the platform at this service's webhook URL.
func (ch *ViberChannel) RegisterWebhook(ctx context.Context) error {
	_, err := ch.api.Send(ctx, "set_webhook", http.MethodPost, map[string]string{
		"url": strings.TrimRight(ch.publicURL, "/") + ch.webhookPath(),
	})
	if err != nil {
		return fmt.Errorf("viber: register webhook: %w", err)
	}
	return nil
}

func (ch *ViberChannel) Stop() error {
	ch.sessions.Shutdown()
	return nil
}

// escapeUserID makes a Viber user id safe as a backend routing key.
func escapeUserID(id string) string { return strings.ReplaceAll(id, "+", "!$") }

func unescapeUserID(id string) string { return strings.ReplaceAll(id, "!$", "+") }

var urlOnlyPattern = regexp.MustCompile(`^https?://[-a-zA-Z0-9@:%._+~#=]{2,256}\.[a-z]{2,6}\b[-a-zA-Z0-9@:%_+.,~#?&/=]*$`)

type viberEvent struct {
	Event        string `json:"event"`
	Subscribed   bool   `json:"subscribed"`
	Timestamp    int64  `json:"timestamp"`
	MessageToken int64  `json:"message_token"`
	User         idRef  `json:"user"`
	Sender       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
	Message *viberMessage `json:"message"`
}

type viberMessage struct {
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	Media     string  `json:"media"`
	FileName  string  `json:"file_name"`
	Size      int64   `json:"size"`
	StickerID int64   `json:"sticker_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Contact   *struct {
		Name        string `json:"name"`
		PhoneNumber string `json:"phone_number"`
	} `json:"contact"`
	Location *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"location"`
}

func (ch *ViberChannel) handleWebhook(c *gin.Context) {
	var event viberEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	// First contact gets the quick-link menu instead of being forwarded.
	if event.Event == "conversation_started" && !event.Subscribed {
		ch.sendWelcome(c.Request.Context(), event.User.ID)
		c.Status(http.StatusOK)
		return
	}
	if event.Event != "message" || event.Sender.ID == "" || event.Message == nil {
		c.Status(http.StatusOK)
		return
	}

	ch.handleMessage(c.Request.Context(), event)
	c.Status(http.StatusOK)
}

func (ch *ViberChannel) sendWelcome(ctx context.Context, userID string) {
	text := ch.welcomeText
	if text == "" {
		text = "Welcome! Please use the quick links below or type the queries you may have."
	}
	if len(ch.welcomeButtons) == 0 {
		ch.sendText(ctx, userID, text)
		return
	}
	ch.sendReplyButtons(ctx, userID, text, ch.welcomeButtons)
}

// normalize classifies one message event into a canonical inbound message.
// The third return is false when the event must be dropped.
func (ch *ViberChannel) normalize(event viberEvent) (canonical.Inbound, canonical.Metadata, bool) {
	msg := event.Message
	meta := canonical.Metadata{
		MID:  fmt.Sprintf("%d", event.MessageToken),
		Time: event.Timestamp,
		Name: event.Sender.Name,
	}

	switch msg.Type {
	case "", "text":
		// Empty bodies and duplicate URL-looking payloads are dropped
		// outright; a canonical payload is never empty.
		if msg.Text == "" || urlOnlyPattern.MatchString(msg.Text) {
			return canonical.Inbound{}, meta, false
		}
		return canonical.Inbound{
			Title:   msg.Text,
			Payload: canonical.ClassifyPayload(msg.Text, ""),
		}, meta, true
	case "location":
		lat, lon := msg.Lat, msg.Lon
		if msg.Location != nil {
			lat, lon = msg.Location.Lat, msg.Location.Lon
		}
		return canonical.Inbound{
			Title:   fmt.Sprintf("Location: %v, %v", lat, lon),
			Payload: "/user_sent_location",
		}, meta, true
	case "contact":
		if msg.Contact == nil {
			return canonical.Inbound{}, meta, false
		}
		meta.Name = ""
		return canonical.Inbound{
			Title:   fmt.Sprintf("Contact %s: %s", msg.Contact.Name, msg.Contact.PhoneNumber),
			Payload: "/user_sent_contact",
		}, meta, true
	case "picture", "sticker", "video", "file":
		attType := msg.Type
		if attType == "picture" || msg.StickerID != 0 {
			attType = "image"
		}
		meta.Size = msg.Size
		return canonical.Inbound{
			Title:   msg.Text,
			Payload: "/attachments",
			Attachment: &canonical.Attachment{
				Type:    attType,
				Payload: fmt.Sprintf("%s#file_name-%s", msg.Media, msg.FileName),
			},
		}, meta, true
	default:
		return canonical.Inbound{}, meta, false
	}
}

func (ch *ViberChannel) handleMessage(ctx context.Context, event viberEvent) {
	userID := escapeUserID(event.Sender.ID)
	name := event.Sender.Name

	inbound, meta, ok := ch.normalize(event)
	if !ok {
		return
	}

	joined, err := ch.sessions.Ensure(ctx, userID, socket.IdentityHints{Name: name})
	if err != nil || !joined {
		slog.Warn("viber: session unavailable, dropping event", "user", userID, "err", err)
		return
	}
	if inbound.Payload == canonical.PayloadHuman {
		ch.sessions.RequestLivechat(userID)
	}
	ch.sessions.Send(userID, inbound, meta)
}

// viberCustom is the platform-shaped escape hatch payload.
type viberCustom struct {
	Type      string             `json:"type"`
	TypeAlt   string             `json:"Type"`
	Text      string             `json:"text"`
	Message   string             `json:"message"`
	ImageURL  string             `json:"imageUrl"`
	Caption   string             `json:"caption"`
	FileType  string             `json:"fileType"`
	Media     string             `json:"media"`
	Size      int64              `json:"size"`
	ReplyText string             `json:"replyText"`
	Buttons   []canonical.Button `json:"buttons"`
}

// Deliver renders one canonical outbound message as Viber API calls:
// text/keyboard first, then media, then any custom construct.
func (ch *ViberChannel) Deliver(meta canonical.Metadata, msg canonical.Outbound) error {
	ctx := context.Background()
	userID := unescapeUserID(meta.Recipient)

	if msg.Text != "" && len(msg.Buttons) > 0 {
		ch.sendReplyButtons(ctx, userID, msg.Text, msg.Buttons)
	}

	var custom json.RawMessage
	if msg.Attachment != nil && msg.Attachment.Payload != "" {
		// Media demotion: wrap the canonical attachment into the platform
		// media descriptor, carrying size and optional caption.
		descriptor := viberCustom{
			Type:     "media",
			FileType: msg.Attachment.Type,
			Media:    msg.Attachment.Payload,
			Size:     meta.Size,
			Caption:  msg.Text,
		}
		raw, err := json.Marshal(descriptor)
		if err != nil {
			return fmt.Errorf("viber: marshal media descriptor: %w", err)
		}
		custom = raw
	} else if msg.HasCustom() {
		custom = msg.Custom
	}

	// The text travels inside the media descriptor as its caption; any other
	// custom construct still gets the text as its own send first.
	if msg.Text != "" && len(msg.Buttons) == 0 && (msg.Attachment == nil || msg.Attachment.Payload == "") {
		ch.sendText(ctx, userID, msg.Text)
	}
	if custom == nil {
		return nil
	}
	return ch.deliverCustom(ctx, userID, custom)
}

func (ch *ViberChannel) deliverCustom(ctx context.Context, userID string, raw json.RawMessage) error {
	var custom viberCustom
	if err := json.Unmarshal(raw, &custom); err != nil {
		return fmt.Errorf("viber: decode custom message: %w", err)
	}

	// An explicit text/message field always short-circuits to a plain send.
	if custom.Text != "" || custom.Message != "" {
		text := custom.Text
		if text == "" {
			text = custom.Message
		}
		ch.sendText(ctx, userID, text)
		return nil
	}

	customType := custom.Type
	if customType == "" {
		customType = custom.TypeAlt
	}
	switch customType {
	case "image":
		ch.sendMedia(ctx, userID, "picture", map[string]any{
			"media": custom.ImageURL,
			"text":  custom.Caption,
		})
	case "media":
		mediaType := custom.FileType
		if mediaType == "image" {
			mediaType = "picture"
		}
		data := map[string]any{"media": custom.Media, "text": custom.Caption}
		if mediaType != "picture" {
			data["size"] = custom.Size
		}
		if mediaType == "file" {
			data["file_name"] = fileNameOf(custom.Media)
		}
		ch.sendMedia(ctx, userID, mediaType, data)
	case "quickReplyButttons":
		ch.sendReplyButtons(ctx, userID, custom.ReplyText, custom.Buttons)
	case "location":
		ch.send(ctx, map[string]any{
			"receiver": userID,
			"type":     "location",
			"location": raw,
		})
	case "keyboard":
		ch.send(ctx, map[string]any{
			"receiver": userID,
			"keyboard": raw,
		})
	default:
		ch.send(ctx, map[string]any{
			"receiver":   userID,
			"type":       "rich_media",
			"rich_media": raw,
		})
	}
	return nil
}

// fileNameOf derives a display file name from a hosted media URL whose last
// path segment carries the original name after the final dash.
func fileNameOf(mediaURL string) string {
	segments := strings.Split(mediaURL, "/")
	last := segments[len(segments)-1]
	parts := strings.Split(last, "-")
	return parts[len(parts)-1]
}

func (ch *ViberChannel) sendText(ctx context.Context, userID, text string) {
	ch.send(ctx, map[string]any{
		"receiver": userID,
		"type":     "text",
		"text":     text,
	})
}

func (ch *ViberChannel) sendMedia(ctx context.Context, userID, mediaType string, data map[string]any) {
	// The file media call carries no inline caption, so the caption goes
	// out as a plain text message first.
	if mediaType == "file" {
		if text, ok := data["text"].(string); ok && text != "" {
			ch.sendText(ctx, userID, text)
		}
		delete(data, "text")
	}
	payload := map[string]any{"receiver": userID, "type": mediaType}
	for k, v := range data {
		payload[k] = v
	}
	ch.send(ctx, payload)
}

// sendReplyButtons renders buttons as the image-capable reply keyboard.
func (ch *ViberChannel) sendReplyButtons(ctx context.Context, userID, bodyText string, buttons []canonical.Button) {
	rendered := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		color := b.Color
		if color == "" {
			color = "#ffffff"
		}
		button := map[string]any{
			"Text":       fmt.Sprintf("<br><font color=%s><b>%s</b></font>", color, b.Title),
			"TextSize":   "large",
			"TextHAlign": "center",
			"TextVAlign": "middle",
			"ActionType": "reply",
			"ActionBody": b.Payload,
			"BgColor":    "#0171b6",
		}
		if b.Image != "" {
			button["Columns"] = 2
			button["Rows"] = 2
			button["TextVAlign"] = "bottom"
			button["Image"] = b.Image
		}
		rendered = append(rendered, button)
	}
	ch.send(ctx, map[string]any{
		"receiver": userID,
		"type":     "text",
		"text":     bodyText,
		"keyboard": map[string]any{
			"Type":    "keyboard",
			"Buttons": rendered,
		},
	})
}

// send issues one send_message call with the sender identity injected.
// Failures are logged by the transport and never propagated.
func (ch *ViberChannel) send(ctx context.Context, body map[string]any) {
	body["sender"] = ch.sender
	body["min_api_version"] = 2
	if _, err := ch.api.Send(ctx, "send_message", http.MethodPost, body); err != nil {
		slog.Error("viber: send failed", "err", err)
	}
}

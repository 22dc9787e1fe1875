package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
	"github.com/palmmind-office/Social-Media-Bot/internal/socket"
	"github.com/palmmind-office/Social-Media-Bot/internal/transport"
)

func init() {
	Register("whatsapp", newWhatsAppChannel)
}

type whatsAppConfig struct {
	AccessToken     string `json:"accessToken"`
	VerifyToken     string `json:"verifyToken"`
	FromID          string `json:"fromId"`
	AppSecret       string `json:"appSecret"`
	GraphAPIVersion string `json:"graphApiVersion"`
	FileBaseURL     string `json:"fileBaseUrl"`
}

// WhatsAppChannel adapts the WhatsApp Cloud API. Inbound attachments carry a
// platform media ID, not a URL; the payload is rewritten to this service's
// retrieval route with a file extension derived from the MIME type.
type WhatsAppChannel struct {
	verifyToken string
	appSecret   string
	accessToken string
	fromID      string
	fileBaseURL string
	api         transport.Sender
	http        *http.Client
	sessions    *socket.Registry
}

func newWhatsAppChannel(raw json.RawMessage, deps Deps) (Channel, error) {
	var cfg whatsAppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse whatsapp config: %w", err)
	}
	if cfg.AccessToken == "" || cfg.VerifyToken == "" || cfg.FromID == "" || cfg.AppSecret == "" {
		slog.Warn("missing app credentials", "channel", "whatsapp")
		cfg.AccessToken, cfg.VerifyToken, cfg.FromID, cfg.AppSecret = "_____", "______", "______", "________"
	}
	if cfg.GraphAPIVersion == "" {
		cfg.GraphAPIVersion = "17.0"
	}
	if cfg.FileBaseURL == "" {
		cfg.FileBaseURL = deps.PublicURL
	}

	ch := &WhatsAppChannel{
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		accessToken: cfg.AccessToken,
		fromID:      cfg.FromID,
		fileBaseURL: strings.TrimRight(cfg.FileBaseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		api: transport.NewClient(transport.Config{
			Platform:   "whatsapp",
			BaseURL:    "https://graph.facebook.com/v" + cfg.GraphAPIVersion,
			AuthHeader: "Authorization",
			AuthValue:  "Bearer " + cfg.AccessToken,
			ErrorCheck: graphErrorCheck,
		}),
	}
	sockCfg := deps.Socket
	sockCfg.Platform = "whatsapp"
	ch.sessions = socket.NewRegistry(sockCfg, ch)
	return ch, nil
}

func (ch *WhatsAppChannel) Name() string { return "whatsapp" }

func (ch *WhatsAppChannel) webhookPath() string { return "/webhooks/whatsapp" }

func (ch *WhatsAppChannel) Mount(r gin.IRouter) {
	r.GET(ch.webhookPath(), ch.handleVerify)
	r.POST(ch.webhookPath(), ch.handleWebhook)
}

func (ch *WhatsAppChannel) Start(ctx context.Context) error { return nil }

func (ch *WhatsAppChannel) Stop() error {
	ch.sessions.Shutdown()
	return nil
}

func (ch *WhatsAppChannel) handleVerify(c *gin.Context) {
	if c.Query("hub.mode") == "subscribe" && c.Query("hub.verify_token") == ch.verifyToken {
		c.String(http.StatusOK, c.Query("hub.challenge"))
		return
	}
	slog.Error("failed webhook validation, make sure the validation tokens match", "channel", "whatsapp")
	c.Status(http.StatusForbidden)
}

func (ch *WhatsAppChannel) handleWebhook(c *gin.Context) {
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
			Changes []struct {
				Value struct {
					Messages []whatsAppMessage `json:"messages"`
					Contacts []struct {
						Profile struct {
							Name string `json:"name"`
						} `json:"profile"`
					} `json:"contacts"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			name := ""
			if len(change.Value.Contacts) > 0 {
				name = change.Value.Contacts[0].Profile.Name
			}
			for _, msg := range change.Value.Messages {
				ch.handleMessage(c.Request.Context(), msg, name)
			}
		}
	}
	c.Status(http.StatusOK)
}

func (ch *WhatsAppChannel) validSignature(sig string, body []byte) bool {
	parts := strings.SplitN(sig, "=", 2)
	if len(parts) != 2 {
		return false
	}
	mac := hmac.New(sha1.New, []byte(ch.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(parts[1]), []byte(expected))
}

type whatsAppMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string            `json:"type"`
		ButtonReply *whatsAppSelected `json:"button_reply"`
		ListReply   *whatsAppSelected `json:"list_reply"`
	} `json:"interactive"`
	Image    *whatsAppMedia `json:"image"`
	Video    *whatsAppMedia `json:"video"`
	Audio    *whatsAppMedia `json:"audio"`
	Document *whatsAppMedia `json:"document"`
	Sticker  *whatsAppMedia `json:"sticker"`
}

// whatsAppSelected is the decoded interactive reply: the option ID becomes
// the canonical payload, the label the title.
type whatsAppSelected struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type whatsAppMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

// normalize classifies one message into a canonical inbound message. The
// third return is false when the event must be dropped.
func (ch *WhatsAppChannel) normalize(msg whatsAppMessage, name string) (canonical.Inbound, canonical.Metadata, bool) {
	timestamp, _ := strconv.ParseInt(msg.Timestamp, 10, 64)
	meta := canonical.Metadata{
		MID:         msg.ID,
		Time:        timestamp,
		Name:        name,
		PhoneNumber: msg.From,
	}

	switch msg.Type {
	case "text":
		title := ""
		if msg.Text != nil {
			title = msg.Text.Body
		}
		// A canonical payload is never empty.
		if title == "" {
			return canonical.Inbound{}, meta, false
		}
		return canonical.Inbound{
			Title:   title,
			Payload: canonical.ClassifyPayload(title, ""),
		}, meta, true
	case "interactive":
		if msg.Interactive == nil {
			return canonical.Inbound{}, meta, false
		}
		selected := msg.Interactive.ButtonReply
		if msg.Interactive.Type == "list_reply" || selected == nil {
			selected = msg.Interactive.ListReply
		}
		if selected == nil {
			return canonical.Inbound{}, meta, false
		}
		return canonical.Inbound{Title: selected.Title, Payload: selected.ID}, meta, true
	default:
		media, mediaType := msg.media()
		if media == nil {
			return canonical.Inbound{Title: "Unsupported Attachment", Payload: "/unsupported"}, meta, true
		}
		if mediaType == "sticker" {
			mediaType = "image"
		}
		return canonical.Inbound{
			Title:   media.Caption,
			Payload: "/attachments",
			Attachment: &canonical.Attachment{
				Type:    mediaType,
				Payload: ch.mediaURL(media),
			},
		}, meta, true
	}
}

func (ch *WhatsAppChannel) handleMessage(ctx context.Context, msg whatsAppMessage, name string) {
	userID := msg.From
	if userID == "" {
		return
	}

	inbound, meta, ok := ch.normalize(msg, name)
	if !ok {
		return
	}

	joined, err := ch.sessions.Ensure(ctx, userID, socket.IdentityHints{Name: name, MobileNumber: userID})
	if err != nil || !joined {
		slog.Warn("whatsapp: session unavailable, dropping event", "user", userID, "err", err)
		return
	}
	if inbound.Payload == canonical.PayloadHuman {
		ch.sessions.RequestLivechat(userID)
	}
	ch.sessions.Send(userID, inbound, meta)
}

func (m whatsAppMessage) media() (*whatsAppMedia, string) {
	switch {
	case m.Image != nil:
		return m.Image, "image"
	case m.Video != nil:
		return m.Video, "video"
	case m.Audio != nil:
		return m.Audio, "audio"
	case m.Document != nil:
		return m.Document, "document"
	case m.Sticker != nil:
		return m.Sticker, "sticker"
	}
	return nil, m.Type
}

// mediaURL rewrites a platform media ID into this service's retrieval URL,
// with the file extension derived from the MIME type.
func (ch *WhatsAppChannel) mediaURL(media *whatsAppMedia) string {
	parts := strings.Split(media.MimeType, "/")
	extension := parts[len(parts)-1]
	return fmt.Sprintf("%s/rest/v1/chat/whatsappFile/%s.%s", ch.fileBaseURL, media.ID, extension)
}

// DownloadMedia resolves a media ID to its lookaside URL and fetches the
// bytes with the platform credential.
func (ch *WhatsAppChannel) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	raw, err := ch.api.Send(ctx, mediaID, http.MethodGet, nil)
	if err != nil {
		return nil, "", err
	}
	var lookup struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &lookup); err != nil || lookup.URL == "" {
		return nil, "", fmt.Errorf("whatsapp: no download url for media %s", mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: build media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ch.accessToken)
	resp, err := ch.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: fetch media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("whatsapp: fetch media %s: status %d", mediaID, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: read media %s: %w", mediaID, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// whatsAppCustom is the platform-shaped escape hatch payload. Text and
// Message are pointers: an explicitly present (even empty) field
// short-circuits to a plain text send.
type whatsAppCustom struct {
	Type       string                      `json:"type"`
	Text       *string                     `json:"text"`
	Message    *string                     `json:"message"`
	ImageURL   string                      `json:"imageUrl"`
	Caption    string                      `json:"caption"`
	FileType   string                      `json:"fileType"`
	URL        string                      `json:"url"`
	ButtonName string                      `json:"buttonName"`
	BodyText   string                      `json:"bodyText"`
	Sections   map[string][]whatsAppRow    `json:"sections"`
	ReplyText  string                      `json:"replyText"`
	Buttons    map[string]string           `json:"buttons"`
	Options    *whatsAppInteractiveOptions `json:"options"`
	Latitude   float64                     `json:"latitude"`
	Longitude  float64                     `json:"longitude"`
	Name       string                      `json:"name"`
	Address    string                      `json:"address"`
	Data       []whatsAppLocation          `json:"data"`
}

type whatsAppRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type whatsAppInteractiveOptions struct {
	FooterText string          `json:"footerText"`
	Header     json.RawMessage `json:"header"`
}

type whatsAppLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

// Deliver renders one canonical outbound message as Cloud API calls:
// text/reply-buttons first, then media, then any custom construct.
func (ch *WhatsAppChannel) Deliver(meta canonical.Metadata, msg canonical.Outbound) error {
	ctx := context.Background()
	userID := meta.Recipient

	if msg.Text != "" && len(msg.Buttons) > 0 {
		replyText := msg.ReplyText
		if replyText == "" {
			replyText = msg.Text
		}
		buttons := make(map[string]string, len(msg.Buttons))
		for _, b := range msg.Buttons {
			buttons[b.Payload] = b.Title
		}
		ch.sendReplyButtons(ctx, userID, replyText, buttons, nil)
	}

	var custom json.RawMessage
	if msg.Attachment != nil && msg.Attachment.Payload != "" {
		descriptor := whatsAppCustom{
			Type:     "media",
			FileType: msg.Attachment.Type,
			URL:      msg.Attachment.Payload,
			Caption:  msg.Text,
		}
		raw, err := json.Marshal(descriptor)
		if err != nil {
			return fmt.Errorf("whatsapp: marshal media descriptor: %w", err)
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

func (ch *WhatsAppChannel) deliverCustom(ctx context.Context, userID string, raw json.RawMessage) error {
	var custom whatsAppCustom
	if err := json.Unmarshal(raw, &custom); err != nil {
		return fmt.Errorf("whatsapp: decode custom message: %w", err)
	}

	if custom.Text != nil || custom.Message != nil {
		text := ""
		if custom.Text != nil && *custom.Text != "" {
			text = *custom.Text
		} else if custom.Message != nil {
			text = *custom.Message
		}
		ch.sendText(ctx, userID, text)
		return nil
	}

	switch custom.Type {
	case "image":
		ch.sendMedia(ctx, userID, "image", map[string]any{
			"link":    custom.ImageURL,
			"caption": custom.Caption,
		})
	case "media":
		mediaType := custom.FileType
		if mediaType == "file" {
			mediaType = "document"
		}
		data := map[string]any{"link": custom.URL, "caption": custom.Caption}
		if mediaType == "document" {
			data["filename"] = fileNameOf(custom.URL)
		}
		ch.sendMedia(ctx, userID, mediaType, data)
	case "list":
		ch.sendList(ctx, userID, custom.ButtonName, custom.BodyText, custom.Sections, custom.Options)
	case "quickReplyButttons":
		ch.sendReplyButtons(ctx, userID, custom.ReplyText, custom.Buttons, custom.Options)
	case "location":
		ch.sendLocation(ctx, userID, custom)
	default:
		slog.Warn("whatsapp: unknown custom type", "type", custom.Type)
	}
	return nil
}

func (ch *WhatsAppChannel) sendText(ctx context.Context, userID, text string) {
	ch.sendGeneric(ctx, userID, "text", map[string]any{
		"preview_url": false,
		"body":        text,
	})
}

func (ch *WhatsAppChannel) sendMedia(ctx context.Context, userID, mediaType string, data map[string]any) {
	ch.sendGeneric(ctx, userID, mediaType, data)
}

func (ch *WhatsAppChannel) sendInteractive(ctx context.Context, userID, bodyText, interactiveType string, action map[string]any, options *whatsAppInteractiveOptions) {
	interactive := map[string]any{
		"body":   map[string]string{"text": bodyText},
		"type":   interactiveType,
		"action": action,
	}
	if options != nil {
		if options.FooterText != "" {
			interactive["footer"] = map[string]string{"text": options.FooterText}
		}
		if len(options.Header) > 0 {
			interactive["header"] = options.Header
		}
	}
	ch.sendGeneric(ctx, userID, "interactive", interactive)
}

func (ch *WhatsAppChannel) sendReplyButtons(ctx context.Context, userID, bodyText string, buttons map[string]string, options *whatsAppInteractiveOptions) {
	ids := make([]string, 0, len(buttons))
	for id := range buttons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rendered := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rendered = append(rendered, map[string]any{
			"type": "reply",
			"reply": map[string]string{
				"id":    id,
				"title": buttons[id],
			},
		})
	}
	ch.sendInteractive(ctx, userID, bodyText, "button", map[string]any{"buttons": rendered}, options)
}

func (ch *WhatsAppChannel) sendList(ctx context.Context, userID, buttonName, bodyText string, sections map[string][]whatsAppRow, options *whatsAppInteractiveOptions) {
	titles := make([]string, 0, len(sections))
	for title := range sections {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	rendered := make([]map[string]any, 0, len(titles))
	for _, title := range titles {
		rendered = append(rendered, map[string]any{
			"title": title,
			"rows":  sections[title],
		})
	}
	ch.sendInteractive(ctx, userID, bodyText, "list", map[string]any{
		"button":   buttonName,
		"sections": rendered,
	}, options)
}

func (ch *WhatsAppChannel) sendLocation(ctx context.Context, userID string, custom whatsAppCustom) {
	locations := custom.Data
	if len(locations) == 0 {
		locations = []whatsAppLocation{{
			Latitude:  custom.Latitude,
			Longitude: custom.Longitude,
			Name:      custom.Name,
			Address:   custom.Address,
		}}
	}
	for _, loc := range locations {
		ch.sendGeneric(ctx, userID, "location", map[string]any{
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
			"name":      loc.Name,
			"address":   loc.Address,
		})
	}
}

// sendGeneric issues one messages call. Failures are logged by the
// transport and never propagated.
func (ch *WhatsAppChannel) sendGeneric(ctx context.Context, userID, messageType string, data any) {
	if _, err := ch.api.Send(ctx, ch.fromID+"/messages", http.MethodPost, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                userID,
		"type":              messageType,
		messageType:         data,
	}); err != nil {
		slog.Error("whatsapp: send failed", "user", userID, "err", err)
	}
}

package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"wacampaign/models"
)

// WhatsApp Cloud API limits
const (
	maxInteractiveBody = 1024
	maxTextBody        = 4096
)

// SendError is a failed delivery attempt. Retryable failures may succeed if sent again.
type SendError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *SendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("send failed (status %d): %s", e.Status, e.Message)
	}
	return "send failed: " + e.Message
}

// IsRetryable reports whether err is worth another delivery attempt.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return err != nil && !errors.Is(err, context.Canceled)
}

// WhatsAppSender delivers outbound messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Client        *fasthttp.Client
	Timeout       time.Duration
}

func NewWhatsAppSender(baseURL, phoneNumberID, accessToken string) *WhatsAppSender {
	return &WhatsAppSender{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		PhoneNumberID: phoneNumberID,
		AccessToken:   accessToken,
		Client:        &fasthttp.Client{Name: "wacampaign", MaxIdleConnDuration: time.Minute},
		Timeout:       15 * time.Second,
	}
}

type waText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type waMedia struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type waReply struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type waAction struct {
	Button   string               `json:"button,omitempty"`
	Buttons  []waReply            `json:"buttons,omitempty"`
	Sections []models.ListSection `json:"sections,omitempty"`
}

type waInteractive struct {
	Type string `json:"type"`
	Body struct {
		Text string `json:"text"`
	} `json:"body"`
	Action waAction `json:"action"`
}

type waMessage struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *waText        `json:"text,omitempty"`
	Image            *waMedia       `json:"image,omitempty"`
	Interactive      *waInteractive `json:"interactive,omitempty"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// buildWhatsAppMessage maps an outbound message onto the Cloud API request body.
func buildWhatsAppMessage(msg models.OutboundMessage) waMessage {
	out := waMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(msg.To, "+"),
	}
	p := msg.Payload

	switch {
	case msg.ContentType == models.ContentMedia && p != nil && p.MediaURL != "":
		out.Type = "image"
		out.Image = &waMedia{Link: p.MediaURL, Caption: clip(msg.Content, maxInteractiveBody)}
	case msg.ContentType == models.ContentButtons && p != nil && len(p.Buttons) > 0:
		out.Type = "interactive"
		in := &waInteractive{Type: "button"}
		in.Body.Text = clip(msg.Content, maxInteractiveBody)
		for _, b := range p.Buttons {
			r := waReply{Type: "reply"}
			r.Reply.ID = b.ID
			r.Reply.Title = b.Title
			in.Action.Buttons = append(in.Action.Buttons, r)
		}
		out.Interactive = in
	case msg.ContentType == models.ContentList && p != nil && len(p.Sections) > 0:
		out.Type = "interactive"
		in := &waInteractive{Type: "list"}
		in.Body.Text = clip(msg.Content, maxInteractiveBody)
		in.Action.Button = p.ButtonText
		in.Action.Sections = p.Sections
		out.Interactive = in
	default:
		out.Type = "text"
		out.Text = &waText{Body: clip(msg.Content, maxTextBody)}
	}
	return out
}

// Send posts one message and returns the provider's message id.
func (s *WhatsAppSender) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	body, err := json.Marshal(buildWhatsAppMessage(msg))
	if err != nil {
		return "", &SendError{Message: err.Error()}
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/%s/messages", s.BaseURL, s.PhoneNumberID))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+s.AccessToken)
	req.SetBody(body)

	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := s.Client.DoTimeout(req, resp, timeout); err != nil {
		return "", &SendError{Message: err.Error(), Retryable: true}
	}

	var parsed waResponse
	_ = json.Unmarshal(resp.Body(), &parsed)

	status := resp.StatusCode()
	if status >= fasthttp.StatusBadRequest {
		reason := strings.TrimSpace(string(resp.Body()))
		if parsed.Error != nil {
			reason = parsed.Error.Message
		}
		return "", &SendError{
			Status:    status,
			Message:   reason,
			Retryable: status == fasthttp.StatusTooManyRequests || status >= fasthttp.StatusInternalServerError,
		}
	}
	if len(parsed.Messages) == 0 {
		return "", nil
	}
	return parsed.Messages[0].ID, nil
}

// LogSender writes messages to the log instead of a channel. Used in development.
type LogSender struct {
	Logger *logrus.Entry
}

func (s LogSender) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	s.Logger.WithFields(logrus.Fields{
		"to":           msg.To,
		"content_type": msg.ContentType,
		"message_id":   msg.ID,
	}).Info(msg.Content)
	return "log-" + msg.ID, nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

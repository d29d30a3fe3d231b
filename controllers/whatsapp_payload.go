package controller

import (
	"encoding/json"
	"strings"

	"wacampaign/engine"
)

// WebhookPayload is the envelope the WhatsApp Cloud API posts to the webhook.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []webhookContact  `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type inboundMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Location *struct {
		Name string `json:"name"`
	} `json:"location"`
}

// Events flattens the payload into engine events, in delivery order. Messages
// that cannot be decoded are skipped; status callbacks carry no messages.
func (p *WebhookPayload) Events() []engine.InboundEvent {
	var out []engine.InboundEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, ct := range change.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, raw := range change.Value.Messages {
				ev, ok := toEvent(raw)
				if !ok {
					continue
				}
				ev.ProfileName = names[ev.From]
				out = append(out, ev)
			}
		}
	}
	return out
}

func toEvent(raw json.RawMessage) (engine.InboundEvent, bool) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || strings.TrimSpace(msg.From) == "" {
		return engine.InboundEvent{}, false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return engine.InboundEvent{}, false
	}

	ev := engine.InboundEvent{
		From:      msg.From,
		Kind:      engine.KindText,
		Payload:   payload,
		MessageID: msg.ID,
	}

	switch msg.Type {
	case "text":
		if msg.Text != nil {
			ev.Text = msg.Text.Body
		}
	case "interactive":
		if in := msg.Interactive; in != nil {
			switch {
			case in.ButtonReply != nil:
				ev.Kind = engine.KindButton
				ev.Text = in.ButtonReply.Title
			case in.ListReply != nil:
				ev.Kind = engine.KindList
				ev.Text = in.ListReply.Title
			}
		}
	case "button":
		ev.Kind = engine.KindButton
		if msg.Button != nil {
			ev.Text = msg.Button.Text
		}
	case "location":
		ev.Kind = engine.KindLocation
		if msg.Location != nil {
			ev.Text = msg.Location.Name
		}
	}
	// images, stickers, audio and the like arrive as empty text
	return ev, true
}

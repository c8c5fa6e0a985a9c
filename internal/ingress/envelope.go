package ingress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruanmelo/zapagenda/pkg/phone"
)

// webhookPayload mirrors the Evolution API messages.upsert event shape.
type webhookPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
			ImageMessage struct {
				Caption string `json:"caption"`
			} `json:"imageMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// Envelope is the normalized inbound message the pipeline operates on.
type Envelope struct {
	EventID   string
	Instance  string
	Phone     string // digits only
	PushName  string
	Text      string
	FromMe    bool
	Timestamp time.Time
}

// ParseEnvelope decodes a webhook body into an Envelope. Text falls back
// to the media caption; an empty text with no caption yields an envelope
// with Text == "".
func ParseEnvelope(body []byte) (*Envelope, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("ingress: decode webhook: %w", err)
	}
	if p.Event != "" && p.Event != "messages.upsert" {
		return nil, fmt.Errorf("ingress: unsupported event %q", p.Event)
	}

	text := p.Data.Message.Conversation
	if text == "" {
		text = p.Data.Message.ExtendedTextMessage.Text
	}
	if text == "" {
		text = p.Data.Message.ImageMessage.Caption
	}

	env := &Envelope{
		EventID:  p.Data.Key.ID,
		Instance: p.Instance,
		Phone:    phone.Normalize(p.Data.Key.RemoteJID),
		PushName: p.Data.PushName,
		Text:     text,
		FromMe:   p.Data.Key.FromMe,
	}
	if p.Data.MessageTimestamp > 0 {
		env.Timestamp = time.Unix(p.Data.MessageTimestamp, 0).UTC()
	}
	return env, nil
}

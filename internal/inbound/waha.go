package inbound

import (
	"encoding/json"
	"strings"
	"time"
)

type wahaEvent struct {
	Event   string `json:"event"`
	Session string `json:"session"`
	Payload *struct {
		From       string  `json:"from"`
		FromMe     bool    `json:"fromMe"`
		Body       string  `json:"body"`
		Timestamp  float64 `json:"timestamp"`
		PushName   string  `json:"pushName"`
		NotifyName string  `json:"notifyName"`
		Data       struct {
			NotifyName string `json:"notifyName"`
		} `json:"_data"`
	} `json:"payload"`
}

// ParseWAHA extracts a contact message from a WAHA webhook body. ok is
// false for anything that is not a text written by a contact: other event
// types, our own messages, group chats and empty bodies.
func ParseWAHA(body []byte) (m Message, ok bool, err error) {
	var ev wahaEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Message{}, false, err
	}
	p := ev.Payload
	if ev.Event != "message" || p == nil || p.FromMe {
		return Message{}, false, nil
	}
	if p.From == "" || p.Body == "" || strings.HasSuffix(p.From, "@g.us") {
		return Message{}, false, nil
	}

	phone := strings.TrimSuffix(strings.TrimSuffix(p.From, "@c.us"), "@s.whatsapp.net")
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	name := p.PushName
	if name == "" {
		name = p.NotifyName
	}
	if name == "" {
		name = p.Data.NotifyName
	}
	m = Message{Phone: phone, Name: name, Text: p.Body}
	if p.Timestamp > 0 {
		m.At = time.Unix(int64(p.Timestamp), 0)
	}
	return m, true, nil
}

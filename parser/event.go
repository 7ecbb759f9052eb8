package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment_emulator/models"
)

// Long-poll statuses the device pipeline acts on. Anything else is ignored.
const (
	PollTimeout  = "timeout"
	PollOffline  = "offline"
	PollReplaced = "replaced"
	PollCommand  = "command"
)

var ErrMalformed = errors.New("malformed payload")

// PollEvent is one long-poll response.
type PollEvent struct {
	Status  string          `json:"status"`
	Command string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

// Terminal reports whether the event ends the device session.
func (e PollEvent) Terminal() bool {
	return e.Status == PollOffline || e.Status == PollReplaced
}

type rawPollEvent struct {
	Status  string          `json:"status"`
	Command json.RawMessage `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// ParsePollEvent decodes a long-poll body. The command field may be either a
// bare string or an object carrying a "type" (or "name") and arbitrary fields.
func ParsePollEvent(data []byte) (PollEvent, error) {
	var raw rawPollEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return PollEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev := PollEvent{Status: strings.ToLower(strings.TrimSpace(raw.Status)), Payload: raw.Payload}
	if ev.Status == "" {
		return PollEvent{}, fmt.Errorf("%w: missing status", ErrMalformed)
	}

	if len(raw.Command) > 0 && string(raw.Command) != "null" {
		var name string
		if err := json.Unmarshal(raw.Command, &name); err == nil {
			ev.Command = name
		} else {
			var obj struct {
				Type string `json:"type"`
				Name string `json:"name"`
			}
			if err := json.Unmarshal(raw.Command, &obj); err != nil {
				return PollEvent{}, fmt.Errorf("%w: command: %v", ErrMalformed, err)
			}
			ev.Command = obj.Type
			if ev.Command == "" {
				ev.Command = obj.Name
			}
			if len(ev.Payload) == 0 {
				ev.Payload = raw.Command
			}
		}
	}
	return ev, nil
}

// ParseCallback decodes an inbound transaction callback for merchantID.
func ParseCallback(merchantID string, data []byte, now time.Time) (models.Callback, error) {
	var cb models.Callback
	if err := json.Unmarshal(data, &cb); err != nil {
		return models.Callback{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cb.ID == "" && cb.OrderID == "" {
		return models.Callback{}, fmt.Errorf("%w: callback has neither id nor orderId", ErrMalformed)
	}
	if cb.Status == "" {
		return models.Callback{}, fmt.Errorf("%w: callback has no status", ErrMalformed)
	}
	cb.MerchantID = merchantID
	cb.ReceivedAt = now
	return cb, nil
}

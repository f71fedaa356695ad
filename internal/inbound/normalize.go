// ABOUTME: Converts WhatsApp Cloud API webhook payloads into Events and StatusUpdates
// ABOUTME: Reads only the first change of the first entry, as the provider delivers one per call

package inbound

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Normalization errors
var (
	ErrMalformed = errors.New("malformed webhook payload")
	ErrUnhandled = errors.New("unhandled webhook payload")
)

// PayloadType distinguishes what a webhook call carried.
type PayloadType string

const (
	PayloadInbound PayloadType = "inbound"
	PayloadStatus  PayloadType = "status"
)

// Payload is the normalized form of one webhook call. Exactly one of Event
// and Status is set, matching Type.
type Payload struct {
	Type   PayloadType
	Event  *Event
	Status *StatusUpdate
}

// Normalize parses a webhook body.
func Normalize(body []byte) (Payload, error) {
	if !gjson.ValidBytes(body) {
		return Payload{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(body)
	if !root.Get("entry").Exists() {
		return Payload{}, fmt.Errorf("%w: missing entry", ErrMalformed)
	}
	value := root.Get("entry.0.changes.0.value")
	if !value.Exists() {
		return Payload{}, fmt.Errorf("%w: missing entry.0.changes.0.value", ErrMalformed)
	}

	if value.Get("messages").Exists() && value.Get("contacts").Exists() {
		ev, err := normalizeMessage(value)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Type: PayloadInbound, Event: &ev}, nil
	}

	if value.Get("statuses").Exists() {
		st, err := normalizeStatus(value.Get("statuses.0"))
		if err != nil {
			return Payload{}, err
		}
		return Payload{Type: PayloadStatus, Status: &st}, nil
	}

	return Payload{}, ErrUnhandled
}

func normalizeMessage(value gjson.Result) (Event, error) {
	msg := value.Get("messages.0")
	contact := value.Get("contacts.0")

	ev := Event{
		Originator:      contact.Get("wa_id").String(),
		Name:            contact.Get("profile.name").String(),
		MessageID:       msg.Get("id").String(),
		Timestamp:       parseUnix(msg.Get("timestamp").String()),
		ContextID:       msg.Get("context.id").String(),
		BusinessPhoneID: value.Get("metadata.phone_number_id").String(),
		BusinessPhone:   value.Get("metadata.display_phone_number").String(),
	}
	if ev.Originator == "" {
		return Event{}, fmt.Errorf("%w: missing contacts.0.wa_id", ErrMalformed)
	}
	if ev.MessageID == "" {
		return Event{}, fmt.Errorf("%w: missing messages.0.id", ErrMalformed)
	}

	kind := msg.Get("type").String()
	switch kind {
	case "text":
		ev.Class = ClassText
		ev.Text = msg.Get("text.body").String()
	case "image", "audio", "video":
		media := msg.Get(kind)
		ev.Class = ClassMedia
		ev.Text = media.Get("caption").String()
		ev.Media = &MediaRef{
			ID:       media.Get("id").String(),
			MimeType: media.Get("mime_type").String(),
			Category: kind,
		}
		if ev.Media.ID == "" {
			return Event{}, fmt.Errorf("%w: %s message without media id", ErrMalformed, kind)
		}
	default:
		ev.Class = ClassUnknown
		ev.Kind = kind
	}
	return ev, nil
}

func normalizeStatus(st gjson.Result) (StatusUpdate, error) {
	id := st.Get("id").String()
	if id == "" {
		return StatusUpdate{}, fmt.Errorf("%w: status without id", ErrMalformed)
	}
	return StatusUpdate{
		MessageID:   id,
		Status:      Status(st.Get("status").String()),
		RecipientID: st.Get("recipient_id").String(),
		Timestamp:   parseUnix(st.Get("timestamp").String()),
	}, nil
}

// parseUnix reads the provider's string-encoded epoch seconds. Unparseable or
// missing values yield the zero time.
func parseUnix(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

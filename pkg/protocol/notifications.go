package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Header is embedded in every notification payload. Persisted entries are
// self-describing because the method name and emission time travel with the
// payload.
type Header struct {
	Notification string `json:"notification"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

func (h *Header) header() *Header { return h }

// Payload is implemented by the notification payload types in this package.
type Payload interface {
	header() *Header
}

// Stamp sets the method name and, unless already set, the timestamp.
func Stamp(p Payload, method string, at time.Time) {
	h := p.header()
	h.Notification = method
	if h.Timestamp == 0 {
		h.Timestamp = at.UnixMilli()
	}
}

// HeaderOf returns a copy of the payload header.
func HeaderOf(p Payload) Header {
	return *p.header()
}

type ThreadCreated struct {
	Header
	ThreadID string `json:"threadId"`
	Title    string `json:"title"`
}

type TurnStarted struct {
	Header
	TurnID   string `json:"turnId"`
	ThreadID string `json:"threadId"`
	Time     int64  `json:"time"`
}

// TurnCompletedParams is the payload of turn.completed.
type TurnCompletedParams struct {
	Header
	TurnID   string     `json:"turnId"`
	ThreadID string     `json:"threadId"`
	Status   TurnStatus `json:"status"`
	Time     int64      `json:"time"`
}

type TurnError struct {
	Header
	TurnID   string     `json:"turnId"`
	ThreadID string     `json:"threadId"`
	Status   TurnStatus `json:"status"`
	Error    string     `json:"error"`
	Time     int64      `json:"time"`
}

type ItemStarted struct {
	Header
	Item Item `json:"item"`
}

type ItemDelta struct {
	Header
	ItemID    string   `json:"itemId"`
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	Type      ItemType `json:"type"`
	Delta     string   `json:"delta,omitempty"`
	Reasoning bool     `json:"reasoning,omitempty"`
	Data      ItemData `json:"data,omitempty"`
}

func (d *ItemDelta) UnmarshalJSON(b []byte) error {
	type alias ItemDelta
	aux := struct {
		*alias
		Data json.RawMessage `json:"data,omitempty"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	data, err := DecodeItemData(d.Type, aux.Data)
	if err != nil {
		return err
	}
	d.Data = data
	return nil
}

// ItemCompleted carries the final state of an item in Data.
type ItemCompleted struct {
	Header
	ItemID   string   `json:"itemId"`
	ThreadID string   `json:"threadId"`
	TurnID   string   `json:"turnId"`
	Type     ItemType `json:"type,omitempty"`
	Data     ItemData `json:"data,omitempty"`
}

func (c *ItemCompleted) UnmarshalJSON(b []byte) error {
	type alias ItemCompleted
	aux := struct {
		*alias
		Data json.RawMessage `json:"data,omitempty"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if c.Type == "" {
		c.Data = nil
		return nil
	}
	data, err := DecodeItemData(c.Type, aux.Data)
	if err != nil {
		return err
	}
	c.Data = data
	return nil
}

// ToolRef points at the tool call that raised an approval request.
type ToolRef struct {
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
}

type ApprovalRequested struct {
	Header
	RequestID  string         `json:"requestId"`
	ThreadID   string         `json:"threadId"`
	TurnID     string         `json:"turnId"`
	ItemID     string         `json:"itemId"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tool       *ToolRef       `json:"tool,omitempty"`
}

// HarnessCrash describes an unexpected exit of the harness process.
type HarnessCrash struct {
	Header
	Code    *int   `json:"code,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Message string `json:"message"`
	Stderr  string `json:"stderr,omitempty"`
}

// NewPayload returns an empty payload for a notification method.
func NewPayload(method string) (Payload, error) {
	switch method {
	case NotificationThreadCreated:
		return &ThreadCreated{}, nil
	case NotificationTurnStarted:
		return &TurnStarted{}, nil
	case NotificationTurnCompleted:
		return &TurnCompletedParams{}, nil
	case NotificationTurnError:
		return &TurnError{}, nil
	case NotificationItemStarted:
		return &ItemStarted{}, nil
	case NotificationItemDelta:
		return &ItemDelta{}, nil
	case NotificationItemCompleted:
		return &ItemCompleted{}, nil
	case NotificationApprovalRequested:
		return &ApprovalRequested{}, nil
	case NotificationHarnessCrash:
		return &HarnessCrash{}, nil
	default:
		return nil, fmt.Errorf("unknown notification %q", method)
	}
}

// DecodePayload decodes notification params into their typed payload. The
// header method is taken from the envelope when params omit it.
func DecodePayload(method string, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(method)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
	}
	p.header().Notification = method
	return p, nil
}

// ErrNotAnEvent is returned when a log line lacks a notification name.
var ErrNotAnEvent = errors.New("entry has no notification name")

// Event is one persisted log entry: the serialized payload plus its
// decoded header.
type Event struct {
	Notification string
	Timestamp    int64
	Raw          json.RawMessage
}

// NewEvent serializes a stamped payload.
func NewEvent(p Payload) (Event, error) {
	raw, err := Marshal(p)
	if err != nil {
		return Event{}, err
	}
	h := HeaderOf(p)
	return Event{Notification: h.Notification, Timestamp: h.Timestamp, Raw: raw}, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return json.Marshal(Header{Notification: e.Notification, Timestamp: e.Timestamp})
	}
	return e.Raw, nil
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return err
	}
	if h.Notification == "" {
		return ErrNotAnEvent
	}
	e.Notification = h.Notification
	e.Timestamp = h.Timestamp
	e.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// Decode returns the typed payload of the entry.
func (e Event) Decode() (Payload, error) {
	return DecodePayload(e.Notification, e.Raw)
}

// Package event holds the application-visible event decoded from a gateway
// EVENT signal and the registry that maps (message type, sub type) pairs to
// typed extra bodies.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the major discriminant of an event.
type MessageType int

const (
	TypeText      MessageType = 1
	TypeImage     MessageType = 2
	TypeVideo     MessageType = 3
	TypeFile      MessageType = 4
	TypeAudio     MessageType = 8
	TypeKMarkdown MessageType = 9
	TypeCard      MessageType = 10
	TypeSystem    MessageType = 255
)

func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeImage:
		return "image"
	case TypeVideo:
		return "video"
	case TypeFile:
		return "file"
	case TypeAudio:
		return "audio"
	case TypeKMarkdown:
		return "kmarkdown"
	case TypeCard:
		return "card"
	case TypeSystem:
		return "system"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Channel kinds carried in channel_type.
const (
	ChannelGroup     = "GROUP"
	ChannelPerson    = "PERSON"
	ChannelBroadcast = "BROADCAST"
)

// Event is produced once per accepted EVENT signal and shared read-only by
// every processor. Processors must not modify it.
type Event struct {
	SN          int64
	ChannelType string
	Type        MessageType
	TargetID    string
	AuthorID    string
	Content     string
	MsgID       string
	Timestamp   time.Time
	Nonce       string

	// Key is the registry key Extra was resolved with.
	Key Key
	// Extra is the typed body returned by the registered decoder, nil when
	// Unknown is set.
	Extra any
	// Unknown marks events whose Key has no decoder; RawExtra still holds
	// the payload.
	Unknown  bool
	RawExtra json.RawMessage
	// Raw is the frame's "d" object as received.
	Raw json.RawMessage
}

// IsSystem reports whether the event is a platform notification rather
// than a user message.
func (e *Event) IsSystem() bool {
	return e.Type == TypeSystem
}

type wireEvent struct {
	ChannelType  string          `json:"channel_type"`
	Type         MessageType     `json:"type"`
	TargetID     string          `json:"target_id"`
	AuthorID     string          `json:"author_id"`
	Content      string          `json:"content"`
	MsgID        string          `json:"msg_id"`
	MsgTimestamp int64           `json:"msg_timestamp"`
	Nonce        string          `json:"nonce"`
	Extra        json.RawMessage `json:"extra"`
}

// Decode builds an Event from the "d" object of an EVENT signal. A decoder
// failure for a registered key is returned as an error; an unregistered
// key is not an error.
func Decode(raw json.RawMessage, sn int64, reg *Registry) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("event: decode envelope: %w", err)
	}

	ev := &Event{
		SN:          sn,
		ChannelType: w.ChannelType,
		Type:        w.Type,
		TargetID:    w.TargetID,
		AuthorID:    w.AuthorID,
		Content:     w.Content,
		MsgID:       w.MsgID,
		Nonce:       w.Nonce,
		RawExtra:    w.Extra,
		Raw:         raw,
	}
	if w.MsgTimestamp > 0 {
		ev.Timestamp = time.UnixMilli(w.MsgTimestamp)
	}

	ev.Key = keyFor(w.Type, w.ChannelType, w.Extra)

	if reg == nil {
		ev.Unknown = true
		return ev, nil
	}
	dec, ok := reg.Lookup(ev.Key)
	if !ok {
		ev.Unknown = true
		return ev, nil
	}
	extra, err := dec(w.Extra)
	if err != nil {
		return nil, fmt.Errorf("event: decode extra %s: %w", ev.Key, err)
	}
	ev.Extra = extra
	return ev, nil
}

// keyFor derives the registry key. System events are keyed by extra.type;
// user messages by their channel type.
func keyFor(t MessageType, channelType string, extra json.RawMessage) Key {
	if t != TypeSystem {
		return Key{Major: t, Sub: channelType}
	}
	var head struct {
		Type string `json:"type"`
	}
	if len(extra) > 0 {
		_ = json.Unmarshal(extra, &head)
	}
	return Key{Major: t, Sub: head.Type}
}

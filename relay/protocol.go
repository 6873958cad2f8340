package relay

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// wire protocol for the realtime channel. Events are json objects with a
// `type` discriminator. The client->server and server->client event sets are
// distinct unions; the `message` and `message_deleted` type names appear in
// both directions with different payloads (request vs notification).

const (
	// client -> server
	EventTypeSubscribe     = "subscribe"
	EventTypeUnsubscribe   = "unsubscribe"
	EventTypeSendMessage   = "message"
	EventTypeDeleteMessage = "message_deleted"
	EventTypePing          = "ping"

	// server -> client
	EventTypeConnected      = "connected"
	EventTypePong           = "pong"
	EventTypeMessage        = "message"
	EventTypeMessageDeleted = "message_deleted"
	EventTypeMessageEdited  = "message_edited"
	EventTypeError          = "error"
)

var ErrMalformedEvent = errors.New("malformed event")

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := parseUuid(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

// ulids are ordered by create time. Ids from the same source can be ordered,
// but display order uses the message create time, never the id (see Reconcile).
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

func (self Role) Privileged() bool {
	return self == RoleAdmin
}

type Attachment struct {
	AttachmentId Id     `json:"attachmentId"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType,omitempty"`
	ByteCount    int64  `json:"byteCount,omitempty"`
	Url          string `json:"url,omitempty"`
}

// Message is the persisted unit of conversation. A message belongs to exactly
// one channel. A non-zero `ParentId` marks a thread reply; the parent must be
// in the same channel.
type Message struct {
	MessageId   Id           `json:"messageId"`
	ChannelId   Id           `json:"channelId"`
	AuthorId    Id           `json:"authorId"`
	AuthorName  string       `json:"authorName,omitempty"`
	Content     string       `json:"content"`
	ParentId    *Id          `json:"parentId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreateTime  time.Time    `json:"createTime"`
	EditTime    *time.Time   `json:"editTime,omitempty"`
	Pinned      bool         `json:"pinned,omitempty"`

	// set on the optimistic broadcast that precedes the persisted broadcast.
	// a temporary message is superseded by the persisted message that carries
	// the same `SendToken`.
	Temporary bool   `json:"temporary,omitempty"`
	SendToken string `json:"sendToken,omitempty"`
}

func (self *Message) IsReply() bool {
	return self.ParentId != nil && !self.ParentId.IsZero()
}

type ClientEvent interface {
	EventType() string
}

type ServerEvent interface {
	EventType() string
}

// client -> server

type SubscribeEvent struct {
	Type      string `json:"type"`
	ChannelId Id     `json:"channelId"`
}

func NewSubscribeEvent(channelId Id) *SubscribeEvent {
	return &SubscribeEvent{
		Type:      EventTypeSubscribe,
		ChannelId: channelId,
	}
}

func (self *SubscribeEvent) EventType() string {
	return EventTypeSubscribe
}

type UnsubscribeEvent struct {
	Type      string `json:"type"`
	ChannelId Id     `json:"channelId"`
}

func NewUnsubscribeEvent(channelId Id) *UnsubscribeEvent {
	return &UnsubscribeEvent{
		Type:      EventTypeUnsubscribe,
		ChannelId: channelId,
	}
}

func (self *UnsubscribeEvent) EventType() string {
	return EventTypeUnsubscribe
}

// SendMessageEvent is the client's send request. The wire type name is
// `message`, the same literal the server uses for the delivery notification.
// `SendToken` is a client-assigned correlation token used to replace the
// optimistic temporary message with the persisted one.
type SendMessageEvent struct {
	Type        string       `json:"type"`
	ChannelId   Id           `json:"channelId"`
	Content     string       `json:"content"`
	ParentId    *Id          `json:"parentId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	SendToken   string       `json:"sendToken,omitempty"`
}

func NewSendMessageEvent(channelId Id, content string) *SendMessageEvent {
	return &SendMessageEvent{
		Type:      EventTypeSendMessage,
		ChannelId: channelId,
		Content:   content,
		SendToken: NewId().String(),
	}
}

func (self *SendMessageEvent) EventType() string {
	return EventTypeSendMessage
}

// DeleteMessageEvent is the client's delete request. The wire type name is
// `message_deleted`, the same literal the server uses for the notification.
type DeleteMessageEvent struct {
	Type      string `json:"type"`
	ChannelId Id     `json:"channelId"`
	MessageId Id     `json:"messageId"`
}

func NewDeleteMessageEvent(channelId Id, messageId Id) *DeleteMessageEvent {
	return &DeleteMessageEvent{
		Type:      EventTypeDeleteMessage,
		ChannelId: channelId,
		MessageId: messageId,
	}
}

func (self *DeleteMessageEvent) EventType() string {
	return EventTypeDeleteMessage
}

type PingEvent struct {
	Type string `json:"type"`
}

func NewPingEvent() *PingEvent {
	return &PingEvent{
		Type: EventTypePing,
	}
}

func (self *PingEvent) EventType() string {
	return EventTypePing
}

// server -> client

type ConnectedEvent struct {
	Type   string `json:"type"`
	UserId Id     `json:"userId"`
}

func NewConnectedEvent(userId Id) *ConnectedEvent {
	return &ConnectedEvent{
		Type:   EventTypeConnected,
		UserId: userId,
	}
}

func (self *ConnectedEvent) EventType() string {
	return EventTypeConnected
}

type PongEvent struct {
	Type string `json:"type"`
}

func NewPongEvent() *PongEvent {
	return &PongEvent{
		Type: EventTypePong,
	}
}

func (self *PongEvent) EventType() string {
	return EventTypePong
}

// MessageEvent delivers a full message, both as history replay on subscribe
// and as a live broadcast.
type MessageEvent struct {
	Type    string   `json:"type"`
	Message *Message `json:"message"`
}

func NewMessageEvent(message *Message) *MessageEvent {
	return &MessageEvent{
		Type:    EventTypeMessage,
		Message: message,
	}
}

func (self *MessageEvent) EventType() string {
	return EventTypeMessage
}

type MessageDeletedEvent struct {
	Type      string `json:"type"`
	ChannelId Id     `json:"channelId"`
	MessageId Id     `json:"messageId"`
}

func NewMessageDeletedEvent(channelId Id, messageId Id) *MessageDeletedEvent {
	return &MessageDeletedEvent{
		Type:      EventTypeMessageDeleted,
		ChannelId: channelId,
		MessageId: messageId,
	}
}

func (self *MessageDeletedEvent) EventType() string {
	return EventTypeMessageDeleted
}

type MessageEditedEvent struct {
	Type      string `json:"type"`
	ChannelId Id     `json:"channelId"`
	MessageId Id     `json:"messageId"`
	Content   string `json:"content"`
}

func NewMessageEditedEvent(channelId Id, messageId Id, content string) *MessageEditedEvent {
	return &MessageEditedEvent{
		Type:      EventTypeMessageEdited,
		ChannelId: channelId,
		MessageId: messageId,
		Content:   content,
	}
}

func (self *MessageEditedEvent) EventType() string {
	return EventTypeMessageEdited
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorEvent(message string) *ErrorEvent {
	return &ErrorEvent{
		Type:    EventTypeError,
		Message: message,
	}
}

func (self *ErrorEvent) EventType() string {
	return EventTypeError
}

type eventEnvelope struct {
	Type string `json:"type"`
}

// DecodeClientEvent parses one inbound client event. A missing or unknown
// `type`, or a missing required field, is a malformed event.
func DecodeClientEvent(eventJson []byte) (ClientEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(eventJson, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}

	switch envelope.Type {
	case EventTypeSubscribe:
		event := &SubscribeEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		if event.ChannelId.IsZero() {
			return nil, fmt.Errorf("%w: subscribe missing channelId", ErrMalformedEvent)
		}
		return event, nil
	case EventTypeUnsubscribe:
		event := &UnsubscribeEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		if event.ChannelId.IsZero() {
			return nil, fmt.Errorf("%w: unsubscribe missing channelId", ErrMalformedEvent)
		}
		return event, nil
	case EventTypeSendMessage:
		event := &SendMessageEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		if event.ChannelId.IsZero() {
			return nil, fmt.Errorf("%w: message missing channelId", ErrMalformedEvent)
		}
		return event, nil
	case EventTypeDeleteMessage:
		event := &DeleteMessageEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		if event.ChannelId.IsZero() || event.MessageId.IsZero() {
			return nil, fmt.Errorf("%w: message_deleted missing channelId or messageId", ErrMalformedEvent)
		}
		return event, nil
	case EventTypePing:
		return NewPingEvent(), nil
	default:
		return nil, fmt.Errorf("%w: unknown client event type \"%s\"", ErrMalformedEvent, envelope.Type)
	}
}

// DecodeServerEvent parses one event received by the client.
func DecodeServerEvent(eventJson []byte) (ServerEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(eventJson, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}

	switch envelope.Type {
	case EventTypeConnected:
		event := &ConnectedEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		return event, nil
	case EventTypePong:
		return NewPongEvent(), nil
	case EventTypeMessage:
		event := &MessageEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		if event.Message == nil {
			return nil, fmt.Errorf("%w: message event missing message", ErrMalformedEvent)
		}
		return event, nil
	case EventTypeMessageDeleted:
		event := &MessageDeletedEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		if event.MessageId.IsZero() {
			return nil, fmt.Errorf("%w: message_deleted missing messageId", ErrMalformedEvent)
		}
		return event, nil
	case EventTypeMessageEdited:
		event := &MessageEditedEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		if event.MessageId.IsZero() {
			return nil, fmt.Errorf("%w: message_edited missing messageId", ErrMalformedEvent)
		}
		return event, nil
	case EventTypeError:
		event := &ErrorEvent{}
		if err := json.Unmarshal(eventJson, event); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
		}
		return event, nil
	default:
		return nil, fmt.Errorf("%w: unknown server event type \"%s\"", ErrMalformedEvent, envelope.Type)
	}
}

func EncodeEvent(event any) ([]byte, error) {
	return json.Marshal(event)
}

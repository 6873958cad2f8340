package relay

import (
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time. Display order never relies on this,
	// but the stable sort tiebreak does.

	a := NewId()
	for i := 0; i < 1024; i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestDecodeClientEvent(t *testing.T) {
	channelId := NewId()

	event, err := DecodeClientEvent([]byte(`{"type":"subscribe","channelId":"` + channelId.String() + `"}`))
	assert.Equal(t, err, nil)
	subscribe, ok := event.(*SubscribeEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, subscribe.ChannelId, channelId)

	event, err = DecodeClientEvent([]byte(`{"type":"ping"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.EventType(), EventTypePing)

	// the send request uses the `message` literal
	event, err = DecodeClientEvent([]byte(`{"type":"message","channelId":"` + channelId.String() + `","content":"hello"}`))
	assert.Equal(t, err, nil)
	send, ok := event.(*SendMessageEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, send.Content, "hello")

	// missing required field
	_, err = DecodeClientEvent([]byte(`{"type":"subscribe"}`))
	assert.NotEqual(t, err, nil)

	// unknown type
	_, err = DecodeClientEvent([]byte(`{"type":"nope"}`))
	assert.NotEqual(t, err, nil)

	// not json
	_, err = DecodeClientEvent([]byte(`hello`))
	assert.NotEqual(t, err, nil)
}

func TestServerEventRoundTrip(t *testing.T) {
	message := &Message{
		MessageId:  NewId(),
		ChannelId:  NewId(),
		AuthorId:   NewId(),
		Content:    "hi",
		CreateTime: time.Now().UTC().Truncate(time.Millisecond),
	}

	eventJson, err := EncodeEvent(NewMessageEvent(message))
	assert.Equal(t, err, nil)

	event, err := DecodeServerEvent(eventJson)
	assert.Equal(t, err, nil)
	messageEvent, ok := event.(*MessageEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, messageEvent.Message.MessageId, message.MessageId)
	assert.Equal(t, messageEvent.Message.Content, "hi")

	deletedJson, err := EncodeEvent(NewMessageDeletedEvent(message.ChannelId, message.MessageId))
	assert.Equal(t, err, nil)
	event, err = DecodeServerEvent(deletedJson)
	assert.Equal(t, err, nil)
	deleted, ok := event.(*MessageDeletedEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, deleted.MessageId, message.MessageId)
	assert.Equal(t, deleted.ChannelId, message.ChannelId)
}

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/golang/glog"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageStore is the durable message store. Writes are atomic per message.
// Message order within a channel is the store's write order.
type MessageStore interface {
	InsertMessage(message *Message) error
	DeleteMessage(messageId Id) error
	FindMessage(messageId Id) (*Message, error)
	// FindMessages returns the most recent `limit` messages for the channel
	// in ascending create order. limit <= 0 means no limit.
	FindMessages(channelId Id, limit int) ([]*Message, error)
	Close() error
}

// pebble-backed store. Two keyspaces:
//
//	ch/<channel id>/<create unix nano, zero padded>-<message id>  -> message json
//	id/<message id>                                               -> message json
//
// the channel key is fully derivable from the message, so delete-by-id can
// remove both entries after one id lookup. Prefix iteration over
// `ch/<channel id>/` yields create order.
type PebbleMessageStore struct {
	path string

	db *pebble.DB
}

func NewPebbleMessageStore(path string) (*PebbleMessageStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	glog.Infof("[store]opened %s\n", path)
	return &PebbleMessageStore{
		path: path,
		db:   db,
	}, nil
}

func channelKey(message *Message) []byte {
	return []byte(fmt.Sprintf(
		"ch/%s/%020d-%s",
		message.ChannelId,
		message.CreateTime.UTC().UnixNano(),
		message.MessageId,
	))
}

func channelKeyPrefix(channelId Id) []byte {
	return []byte(fmt.Sprintf("ch/%s/", channelId))
}

func idKey(messageId Id) []byte {
	return []byte(fmt.Sprintf("id/%s", messageId))
}

func (self *PebbleMessageStore) InsertMessage(message *Message) error {
	messageJson, err := json.Marshal(message)
	if err != nil {
		return err
	}

	batch := self.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(channelKey(message), messageJson, nil); err != nil {
		return err
	}
	if err := batch.Set(idKey(message.MessageId), messageJson, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (self *PebbleMessageStore) DeleteMessage(messageId Id) error {
	message, err := self.FindMessage(messageId)
	if err != nil {
		return err
	}

	batch := self.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(channelKey(message), nil); err != nil {
		return err
	}
	if err := batch.Delete(idKey(messageId), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (self *PebbleMessageStore) FindMessage(messageId Id) (*Message, error) {
	messageJson, closer, err := self.db.Get(idKey(messageId))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	defer closer.Close()

	message := &Message{}
	if err := json.Unmarshal(messageJson, message); err != nil {
		return nil, err
	}
	return message, nil
}

func (self *PebbleMessageStore) FindMessages(channelId Id, limit int) ([]*Message, error) {
	prefix := channelKeyPrefix(channelId)
	upperBound := append(slices.Clone(prefix), 0xff)

	iter, err := self.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// walk backward from the newest so `limit` keeps the most recent
	messages := []*Message{}
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if 0 < limit && limit <= len(messages) {
			break
		}
		message := &Message{}
		if err := json.Unmarshal(iter.Value(), message); err != nil {
			glog.Infof("[store]skip bad message value = %s\n", err)
			continue
		}
		messages = append(messages, message)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (self *PebbleMessageStore) Close() error {
	glog.Infof("[store]close %s\n", self.path)
	return self.db.Close()
}

// in-memory store with the same semantics. Used by tests and by `relayd`
// when no store path is configured.
type MemoryMessageStore struct {
	stateLock sync.Mutex
	// message id -> message
	messages map[Id]*Message
	// channel id -> message ids in insert order
	channelOrder map[Id][]Id
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages:     map[Id]*Message{},
		channelOrder: map[Id][]Id{},
	}
}

func (self *MemoryMessageStore) InsertMessage(message *Message) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	copy := *message
	if _, ok := self.messages[message.MessageId]; !ok {
		self.channelOrder[message.ChannelId] = append(self.channelOrder[message.ChannelId], message.MessageId)
	}
	self.messages[message.MessageId] = &copy
	return nil
}

func (self *MemoryMessageStore) DeleteMessage(messageId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	message, ok := self.messages[messageId]
	if !ok {
		return ErrMessageNotFound
	}
	delete(self.messages, messageId)

	order := self.channelOrder[message.ChannelId]
	if i := slices.Index(order, messageId); 0 <= i {
		self.channelOrder[message.ChannelId] = slices.Delete(order, i, i+1)
	}
	return nil
}

func (self *MemoryMessageStore) FindMessage(messageId Id) (*Message, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	message, ok := self.messages[messageId]
	if !ok {
		return nil, ErrMessageNotFound
	}
	copy := *message
	return &copy, nil
}

func (self *MemoryMessageStore) FindMessages(channelId Id, limit int) ([]*Message, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	order := self.channelOrder[channelId]
	if 0 < limit && limit < len(order) {
		order = order[len(order)-limit:]
	}
	messages := make([]*Message, 0, len(order))
	for _, messageId := range order {
		copy := *self.messages[messageId]
		messages = append(messages, &copy)
	}
	return messages, nil
}

func (self *MemoryMessageStore) Close() error {
	return nil
}

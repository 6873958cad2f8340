package relay

import (
	"slices"
	"time"
)

// ViewScope selects which messages belong in a view. The root channel view
// excludes thread replies; a thread view holds only the replies to its
// parent message.
type ViewScope struct {
	ChannelId Id
	// nil for the root channel view
	ThreadId *Id
}

func ChannelScope(channelId Id) ViewScope {
	return ViewScope{
		ChannelId: channelId,
	}
}

func ThreadScope(channelId Id, threadId Id) ViewScope {
	return ViewScope{
		ChannelId: channelId,
		ThreadId:  &threadId,
	}
}

func (self ViewScope) contains(message *Message) bool {
	if message.ChannelId != self.ChannelId {
		return false
	}
	if self.ThreadId == nil {
		return !message.IsReply()
	}
	return message.IsReply() && *message.ParentId == *self.ThreadId
}

// ReconcileView merges a point-in-time rest snapshot with the live event
// stream into one ordered, de-duplicated message list for the scope.
//
// The merge is a pure function of its inputs and is idempotent: replaying
// the same message any number of times, via snapshot, subscribe replay or
// live broadcast, yields one entry, keyed by final message id. Applying the
// events before or after the snapshot arrives converges to the same view,
// so a slow rest fetch can race the live stream safely.
//
// An optimistic temporary message is superseded by any non-temporary message
// carrying the same send token. Deleting a message also removes every held
// reply whose parent is the deleted message. Display order is create time
// ascending; message ids are random and never used as an order key.
func ReconcileView(snapshot []*Message, events []ServerEvent, scope ViewScope) []*Message {
	byId := map[Id]*Message{}
	// send token -> id of the temporary entry holding it
	temporaryByToken := map[string]Id{}
	deleted := map[Id]bool{}

	upsert := func(message *Message) {
		if deleted[message.MessageId] {
			return
		}
		if message.ParentId != nil && deleted[*message.ParentId] {
			return
		}
		if !scope.contains(message) {
			return
		}
		if message.SendToken != "" {
			if temporaryId, ok := temporaryByToken[message.SendToken]; ok && temporaryId != message.MessageId {
				// the persisted message supersedes the placeholder
				delete(byId, temporaryId)
				delete(temporaryByToken, message.SendToken)
			}
			if message.Temporary {
				if _, ok := byId[message.MessageId]; !ok {
					// a temporary message never replaces a persisted one
					if _, superseded := temporaryByToken[message.SendToken]; !superseded {
						if !tokenPersisted(byId, message.SendToken) {
							temporaryByToken[message.SendToken] = message.MessageId
							byId[message.MessageId] = message
						}
					}
				}
				return
			}
		}
		byId[message.MessageId] = message
	}

	for _, message := range snapshot {
		upsert(message)
	}

	for _, event := range events {
		switch event := event.(type) {
		case *MessageEvent:
			upsert(event.Message)
		case *MessageDeletedEvent:
			deleted[event.MessageId] = true
			delete(byId, event.MessageId)
			for id, message := range byId {
				if message.ParentId != nil && *message.ParentId == event.MessageId {
					delete(byId, id)
				}
			}
		case *MessageEditedEvent:
			if message, ok := byId[event.MessageId]; ok {
				edited := *message
				edited.Content = event.Content
				now := time.Now().UTC()
				if message.EditTime != nil {
					edited.EditTime = message.EditTime
				} else {
					edited.EditTime = &now
				}
				byId[event.MessageId] = &edited
			}
		}
	}

	view := make([]*Message, 0, len(byId))
	for _, message := range byId {
		view = append(view, message)
	}
	slices.SortFunc(view, func(a *Message, b *Message) int {
		if c := a.CreateTime.Compare(b.CreateTime); c != 0 {
			return c
		}
		// stable tiebreak only; not a display order key
		if a.MessageId.LessThan(b.MessageId) {
			return -1
		}
		if b.MessageId.LessThan(a.MessageId) {
			return 1
		}
		return 0
	})
	return view
}

func tokenPersisted(byId map[Id]*Message, sendToken string) bool {
	for _, message := range byId {
		if !message.Temporary && message.SendToken == sendToken {
			return true
		}
	}
	return false
}

// SoftFailedSends returns the temporary messages in the view that were never
// superseded within the window. A send whose persisted confirmation never
// arrived is surfaced to the user instead of silently repaired.
func SoftFailedSends(view []*Message, now time.Time, window time.Duration) []*Message {
	failed := []*Message{}
	for _, message := range view {
		if message.Temporary && window <= now.Sub(message.CreateTime) {
			failed = append(failed, message)
		}
	}
	return failed
}

// ViewTracker carries the auto-scroll/unread contract for one open view:
// a new message from the local user, or arriving while the view is at the
// bottom, auto-scrolls; otherwise the unread counter grows and a
// jump-to-latest affordance shows.
type ViewTracker struct {
	localUserId Id

	atBottom    bool
	unreadCount int
}

func NewViewTracker(localUserId Id) *ViewTracker {
	return &ViewTracker{
		localUserId: localUserId,
		atBottom:    true,
	}
}

// ObserveNewMessage reports whether the view should auto-scroll to the
// message.
func (self *ViewTracker) ObserveNewMessage(message *Message) bool {
	if message.AuthorId == self.localUserId || self.atBottom {
		self.unreadCount = 0
		return true
	}
	self.unreadCount += 1
	return false
}

func (self *ViewTracker) SetAtBottom(atBottom bool) {
	self.atBottom = atBottom
	if atBottom {
		self.unreadCount = 0
	}
}

func (self *ViewTracker) UnreadCount() int {
	return self.unreadCount
}

func (self *ViewTracker) ShowJumpToLatest() bool {
	return 0 < self.unreadCount
}

package fieldsync

import (
	"fmt"
)

type PresenceEventType string

const (
	PresenceEventHere    PresenceEventType = "here"
	PresenceEventJoining PresenceEventType = "joining"
	PresenceEventLeaving PresenceEventType = "leaving"
)

type PresenceEvent struct {
	Type PresenceEventType
	// the full roster for `here`, otherwise the one member that changed
	Members []Member
}

type PresenceFunction = func(event *PresenceEvent)

// PresenceTracker relays channel membership events to the host.
// It keeps no roster and does not recover missed events.
type PresenceTracker struct {
	notifier          Notifier
	presenceCallbacks *CallbackList[PresenceFunction]
}

func NewPresenceTracker(notifier Notifier) *PresenceTracker {
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &PresenceTracker{
		notifier:          notifier,
		presenceCallbacks: NewCallbackList[PresenceFunction](),
	}
}

func (self *PresenceTracker) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

func (self *PresenceTracker) Here(members []Member) {
	self.notify(fmt.Sprintf("Users here: %s", memberNames(members)))
	self.emit(&PresenceEvent{
		Type:    PresenceEventHere,
		Members: members,
	})
}

func (self *PresenceTracker) Joining(member Member) {
	self.notify(fmt.Sprintf("%s has joined.", member.DisplayName()))
	self.emit(&PresenceEvent{
		Type:    PresenceEventJoining,
		Members: []Member{member},
	})
}

func (self *PresenceTracker) Leaving(member Member) {
	self.notify(fmt.Sprintf("%s has left.", member.DisplayName()))
	self.emit(&PresenceEvent{
		Type:    PresenceEventLeaving,
		Members: []Member{member},
	})
}

func (self *PresenceTracker) notify(message string) {
	HandleError(func() {
		self.notifier.Success(message)
	})
}

func (self *PresenceTracker) emit(event *PresenceEvent) {
	for _, presenceCallback := range self.presenceCallbacks.Get() {
		HandleError(func() {
			presenceCallback(event)
		})
	}
}

package fieldsync

import (
	"errors"
	"strings"
	"sync"
)

// whisper event used for field updates
const UpdatedEventName = "updated"

var ErrNotJoined = errors.New("Not joined to channel.")
var ErrClosed = errors.New("Closed.")

type Member struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

func (self Member) DisplayName() string {
	if self.Name != "" {
		return self.Name
	}
	return self.Id
}

type HereFunction = func(members []Member)
type MemberFunction = func(member Member)
type WhisperFunction = func(message []byte)

// Broadcaster joins presence channels. The transport owns membership;
// users of a channel only observe it.
type Broadcaster interface {
	Join(channelName string) (Channel, error)
	Leave(channelName string) error
}

// Channel is a joined presence channel.
//
// `Here` fires once per join with the full roster. A callback added after the roster
// arrived is called with the roster that was received.
// `Joining` and `Leaving` fire for each later membership change.
// Whispers are best effort, at most once, and never delivered back to the sender.
type Channel interface {
	Here(callback HereFunction)
	Joining(callback MemberFunction)
	Leaving(callback MemberFunction)
	ListenForWhisper(eventName string, callback WhisperFunction)
	Whisper(eventName string, message []byte) error
}

func memberNames(members []Member) string {
	names := make([]string, 0, len(members))
	for _, member := range members {
		names = append(names, member.DisplayName())
	}
	return strings.Join(names, " ")
}

// channelCallbacks holds the listeners of one joined channel for a `Channel` implementation.
type channelCallbacks struct {
	stateLock        sync.Mutex
	roster           []Member
	rosterReceived   bool
	hereCallbacks    *CallbackList[HereFunction]
	joiningCallbacks *CallbackList[MemberFunction]
	leavingCallbacks *CallbackList[MemberFunction]
	whisperCallbacks map[string]*CallbackList[WhisperFunction]
}

func newChannelCallbacks() *channelCallbacks {
	return &channelCallbacks{
		hereCallbacks:    NewCallbackList[HereFunction](),
		joiningCallbacks: NewCallbackList[MemberFunction](),
		leavingCallbacks: NewCallbackList[MemberFunction](),
		whisperCallbacks: map[string]*CallbackList[WhisperFunction]{},
	}
}

func (self *channelCallbacks) Here(callback HereFunction) {
	var roster []Member
	received := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.hereCallbacks.Add(callback)
		received = self.rosterReceived
		roster = self.roster
	}()
	if received {
		HandleError(func() {
			callback(roster)
		})
	}
}

func (self *channelCallbacks) Joining(callback MemberFunction) {
	self.joiningCallbacks.Add(callback)
}

func (self *channelCallbacks) Leaving(callback MemberFunction) {
	self.leavingCallbacks.Add(callback)
}

func (self *channelCallbacks) ListenForWhisper(eventName string, callback WhisperFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	whisperCallbacks, ok := self.whisperCallbacks[eventName]
	if !ok {
		whisperCallbacks = NewCallbackList[WhisperFunction]()
		self.whisperCallbacks[eventName] = whisperCallbacks
	}
	whisperCallbacks.Add(callback)
}

// receiveHere fires `here` at most once
func (self *channelCallbacks) receiveHere(members []Member) {
	var callbacks []HereFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.rosterReceived {
			return
		}
		self.rosterReceived = true
		self.roster = append([]Member{}, members...)
		callbacks = self.hereCallbacks.Get()
	}()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(members)
		})
	}
}

func (self *channelCallbacks) receiveJoining(member Member) {
	for _, callback := range self.joiningCallbacks.Get() {
		HandleError(func() {
			callback(member)
		})
	}
}

func (self *channelCallbacks) receiveLeaving(member Member) {
	for _, callback := range self.leavingCallbacks.Get() {
		HandleError(func() {
			callback(member)
		})
	}
}

func (self *channelCallbacks) receiveWhisper(eventName string, message []byte) {
	var callbacks []WhisperFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if whisperCallbacks, ok := self.whisperCallbacks[eventName]; ok {
			callbacks = whisperCallbacks.Get()
		}
	}()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(message)
		})
	}
}

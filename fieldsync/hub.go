package fieldsync

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// LocalHub is an in process presence channel service.
// Events are delivered synchronously on the goroutine that caused them.
type LocalHub struct {
	stateLock sync.Mutex
	// channel name -> connection id -> channel
	channels map[string]map[Id]*LocalChannel
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		channels: map[string]map[Id]*LocalChannel{},
	}
}

// Connect returns a broadcaster that joins channels as `member`
func (self *LocalHub) Connect(member Member) *LocalBroadcaster {
	return &LocalBroadcaster{
		hub:          self,
		member:       member,
		connectionId: NewId(),
		channels:     map[string]*LocalChannel{},
	}
}

// Members returns the current roster of a channel, in join order
func (self *LocalHub) Members(channelName string) []Member {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.roster(channelName)
}

// must be called with `stateLock`
func (self *LocalHub) roster(channelName string) []Member {
	connectionIds := maps.Keys(self.channels[channelName])
	// ids are ulids so they sort by join time
	slices.SortFunc(connectionIds, func(a Id, b Id) int {
		return slices.Compare(a.Bytes(), b.Bytes())
	})
	members := []Member{}
	for _, connectionId := range connectionIds {
		members = append(members, self.channels[channelName][connectionId].member())
	}
	return members
}

func (self *LocalHub) join(channel *LocalChannel) (roster []Member, others []*LocalChannel) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channelMembers, ok := self.channels[channel.name]
	if !ok {
		channelMembers = map[Id]*LocalChannel{}
		self.channels[channel.name] = channelMembers
	}
	others = maps.Values(channelMembers)
	channelMembers[channel.broadcaster.connectionId] = channel
	roster = self.roster(channel.name)
	return
}

func (self *LocalHub) leave(channel *LocalChannel) (others []*LocalChannel) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channelMembers, ok := self.channels[channel.name]
	if !ok {
		return
	}
	delete(channelMembers, channel.broadcaster.connectionId)
	if len(channelMembers) == 0 {
		delete(self.channels, channel.name)
	}
	others = maps.Values(channelMembers)
	return
}

func (self *LocalHub) others(channel *LocalChannel) []*LocalChannel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	others := []*LocalChannel{}
	for connectionId, other := range self.channels[channel.name] {
		if connectionId != channel.broadcaster.connectionId {
			others = append(others, other)
		}
	}
	return others
}

type LocalBroadcaster struct {
	hub          *LocalHub
	member       Member
	connectionId Id

	stateLock sync.Mutex
	channels  map[string]*LocalChannel
}

func (self *LocalBroadcaster) Join(channelName string) (Channel, error) {
	self.stateLock.Lock()
	if channel, ok := self.channels[channelName]; ok {
		self.stateLock.Unlock()
		return channel, nil
	}
	channel := &LocalChannel{
		channelCallbacks: newChannelCallbacks(),
		broadcaster:      self,
		name:             channelName,
	}
	self.channels[channelName] = channel
	self.stateLock.Unlock()

	roster, others := self.hub.join(channel)
	glog.V(2).Infof("[hub]%s joined %s\n", self.member.DisplayName(), channelName)
	channel.receiveHere(roster)
	for _, other := range others {
		other.receiveJoining(self.member)
	}
	return channel, nil
}

func (self *LocalBroadcaster) Leave(channelName string) error {
	self.stateLock.Lock()
	channel, ok := self.channels[channelName]
	if ok {
		delete(self.channels, channelName)
	}
	self.stateLock.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrNotJoined, channelName)
	}

	channel.close()
	others := self.hub.leave(channel)
	glog.V(2).Infof("[hub]%s left %s\n", self.member.DisplayName(), channelName)
	for _, other := range others {
		other.receiveLeaving(self.member)
	}
	return nil
}

type LocalChannel struct {
	*channelCallbacks

	broadcaster *LocalBroadcaster
	name        string

	closeLock sync.Mutex
	closed    bool
}

func (self *LocalChannel) member() Member {
	return self.broadcaster.member
}

func (self *LocalChannel) close() {
	self.closeLock.Lock()
	defer self.closeLock.Unlock()
	self.closed = true
}

func (self *LocalChannel) isClosed() bool {
	self.closeLock.Lock()
	defer self.closeLock.Unlock()
	return self.closed
}

func (self *LocalChannel) Whisper(eventName string, message []byte) error {
	if self.isClosed() {
		return fmt.Errorf("%w %s", ErrNotJoined, self.name)
	}
	for _, other := range self.broadcaster.hub.others(self) {
		// each receiver gets its own copy
		other.receiveWhisper(eventName, slices.Clone(message))
	}
	return nil
}

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

var ErrWorkspaceStopped = errors.New("Workspace stopped.")

// workspace state machine is:
// WorkspaceStateIdle
//
//	-> WorkspaceStateStarting
//	  -> WorkspaceStateIdle (join failed)
//	  -> WorkspaceStateActive (roster received)
//	    -> WorkspaceStateStopped (terminal)
//
// any state may move to WorkspaceStateStopped
type WorkspaceState string

const (
	WorkspaceStateIdle     WorkspaceState = "Idle"
	WorkspaceStateStarting WorkspaceState = "Starting"
	WorkspaceStateActive   WorkspaceState = "Active"
	WorkspaceStateStopped  WorkspaceState = "Stopped"
)

// Container names the document being edited.
type Container struct {
	// e.g. `collection::entry-id`
	Reference string
	Site      string
	// the store namespace of the publish form
	Name string
}

func (self Container) ChannelName() string {
	reference := strings.Replace(self.Reference, "::", ".", 1)
	return fmt.Sprintf("%s.%s", reference, self.Site)
}

type WorkspaceSettings struct {
	DebounceTimeout time.Duration
	EventName       string
	// nil uses the real clock
	Clock clockwork.Clock
}

func DefaultWorkspaceSettings() *WorkspaceSettings {
	return &WorkspaceSettings{
		DebounceTimeout: DefaultDebounceTimeout,
		EventName:       UpdatedEventName,
	}
}

// Workspace keeps one document in sync with the other users on its channel.
//
// Every set value mutation in the store goes through one pipeline:
// detect -> remember -> debounce -> echo guard -> whisper.
// Remote whispers are dispatched straight to the store. The store then notifies
// the workspace like for any other mutation, so remote values are remembered by
// the same pipeline and only the echo guard keeps them from being whispered again.
type Workspace struct {
	ctx    context.Context
	cancel context.CancelFunc

	container   Container
	broadcaster Broadcaster
	store       Store
	config      Config
	settings    *WorkspaceSettings

	memory   *ValueMemory
	emitter  *DebouncedEmitter
	presence *PresenceTracker

	// serializes detect and remember for local edits
	editLock sync.Mutex

	stateLock   sync.Mutex
	state       WorkspaceState
	channel     Channel
	unsubscribe func()
}

func NewWorkspaceWithDefaults(
	ctx context.Context,
	container Container,
	broadcaster Broadcaster,
	store Store,
	config Config,
	notifier Notifier,
) *Workspace {
	return NewWorkspace(ctx, container, broadcaster, store, config, notifier, DefaultWorkspaceSettings())
}

func NewWorkspace(
	ctx context.Context,
	container Container,
	broadcaster Broadcaster,
	store Store,
	config Config,
	notifier Notifier,
	settings *WorkspaceSettings,
) *Workspace {
	cancelCtx, cancel := context.WithCancel(ctx)
	workspace := &Workspace{
		ctx:         cancelCtx,
		cancel:      cancel,
		container:   container,
		broadcaster: broadcaster,
		store:       store,
		config:      config,
		settings:    settings,
		memory:      NewValueMemory(),
		presence:    NewPresenceTracker(notifier),
		state:       WorkspaceStateIdle,
	}
	workspace.emitter = NewDebouncedEmitter(settings.Clock, settings.DebounceTimeout, workspace.broadcastValueChange)
	go func() {
		<-cancelCtx.Done()
		workspace.Destroy()
	}()
	return workspace
}

func (self *Workspace) ChannelName() string {
	return self.container.ChannelName()
}

func (self *Workspace) MutationType() string {
	return SetValueMutationType(self.container.Name)
}

func (self *Workspace) State() WorkspaceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Workspace) Memory() *ValueMemory {
	return self.memory
}

func (self *Workspace) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	return self.presence.AddPresenceCallback(presenceCallback)
}

// Start joins the channel. It is a no-op unless the workspace is idle.
// The workspace becomes active, and starts watching the store, when the channel roster arrives.
func (self *Workspace) Start() error {
	self.stateLock.Lock()
	switch self.state {
	case WorkspaceStateIdle:
		self.state = WorkspaceStateStarting
		self.stateLock.Unlock()
	case WorkspaceStateStopped:
		self.stateLock.Unlock()
		return ErrWorkspaceStopped
	default:
		self.stateLock.Unlock()
		return nil
	}

	channelName := self.ChannelName()
	channel, err := self.broadcaster.Join(channelName)
	if err != nil {
		self.stateLock.Lock()
		if self.state == WorkspaceStateStarting {
			self.state = WorkspaceStateIdle
		}
		self.stateLock.Unlock()
		return fmt.Errorf("join %s: %w", channelName, err)
	}

	destroyed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != WorkspaceStateStarting {
			destroyed = true
			return
		}
		self.channel = channel
	}()
	if destroyed {
		// destroyed while joining
		if err := self.broadcaster.Leave(channelName); err != nil {
			glog.Infof("[ws]leave %s error = %s\n", channelName, err)
		}
		return ErrWorkspaceStopped
	}

	channel.Here(self.here)
	channel.Joining(func(member Member) {
		if self.State() != WorkspaceStateStopped {
			self.presence.Joining(member)
		}
	})
	channel.Leaving(func(member Member) {
		if self.State() != WorkspaceStateStopped {
			self.presence.Leaving(member)
		}
	})
	channel.ListenForWhisper(self.settings.EventName, self.applyBroadcastedValueChange)

	self.debugf("joined %s", channelName)
	return nil
}

func (self *Workspace) here(members []Member) {
	subscribe := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == WorkspaceStateStarting {
			self.state = WorkspaceStateActive
			subscribe = true
		}
	}()

	if subscribe {
		unsubscribe := self.store.Subscribe(self.mutated)
		stopped := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.state == WorkspaceStateActive {
				self.unsubscribe = unsubscribe
			} else {
				stopped = true
			}
		}()
		if stopped {
			unsubscribe()
			return
		}
	} else if self.State() == WorkspaceStateStopped {
		return
	}

	self.presence.Here(members)
}

// Destroy stops watching the store and leaves the channel.
// It is safe in any state, and calling it again does nothing.
func (self *Workspace) Destroy() error {
	var unsubscribe func()
	var channel Channel
	stopped := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == WorkspaceStateStopped {
			stopped = true
			return
		}
		self.state = WorkspaceStateStopped
		unsubscribe = self.unsubscribe
		self.unsubscribe = nil
		channel = self.channel
		self.channel = nil
	}()
	if stopped {
		return nil
	}

	self.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	self.emitter.stop()
	self.memory.Clear()

	if channel != nil {
		channelName := self.ChannelName()
		if err := self.broadcaster.Leave(channelName); err != nil {
			return fmt.Errorf("leave %s: %w", channelName, err)
		}
		self.debugf("left %s", channelName)
	}
	return nil
}

func (self *Workspace) mutated(mutation *Mutation) {
	if mutation.Type != self.MutationType() {
		return
	}
	self.valueHasBeenSet(mutation.Payload)
}

// A value has been set in the store. It could be the local user editing,
// or a remote edit dispatched by `applyBroadcastedValueChange`.
func (self *Workspace) valueHasBeenSet(payload *Payload) {
	self.editLock.Lock()
	defer self.editLock.Unlock()

	self.debugf("value has been set %s", payload)
	if !self.memory.HasChanged(payload.FieldId, payload.Value) {
		self.debugf("value for %s has not changed", payload.FieldId)
		return
	}

	self.memory.Remember(payload.FieldId, payload.Value)
	self.emitter.Schedule(payload.Clone())
}

func (self *Workspace) broadcastValueChange(payload *Payload) {
	if !ShouldBroadcast(payload, self.config.UserId()) {
		self.debugf("not broadcasting %s from another user", payload)
		return
	}

	var channel Channel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == WorkspaceStateActive {
			channel = self.channel
		}
	}()
	if channel == nil {
		return
	}

	message, err := EncodePayload(payload)
	if err != nil {
		glog.Infof("[ws]encode %s error = %s\n", payload.FieldId, err)
		return
	}
	self.debugf("broadcasting %s", payload)
	if err := channel.Whisper(self.settings.EventName, message); err != nil {
		glog.Infof("[ws]whisper %s error = %s\n", self.ChannelName(), err)
	}
}

func (self *Workspace) applyBroadcastedValueChange(message []byte) {
	if self.State() == WorkspaceStateStopped {
		return
	}
	payload, err := DecodePayload(message)
	if err != nil {
		glog.Infof("[ws]drop whisper on %s error = %s\n", self.ChannelName(), err)
		return
	}
	self.debugf("applying broadcasted change %s", payload)
	if err := self.store.Dispatch(self.MutationType(), payload); err != nil {
		glog.Infof("[ws]apply %s error = %s\n", payload.FieldId, err)
	}
}

func (self *Workspace) debugf(format string, a ...any) {
	if glog.V(2) {
		glog.Infof("[ws]%s %s\n", self.ChannelName(), fmt.Sprintf(format, a...))
	}
}

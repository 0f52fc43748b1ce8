package fieldsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"
	"google.golang.org/protobuf/types/known/structpb"
)

type testWhisper struct {
	eventName string
	message   []byte
}

// testChannel records whispers. Tests deliver events with the `receive*` functions.
type testChannel struct {
	*channelCallbacks
	whispers chan *testWhisper
}

func (self *testChannel) Whisper(eventName string, message []byte) error {
	self.whispers <- &testWhisper{
		eventName: eventName,
		message:   message,
	}
	return nil
}

type testBroadcaster struct {
	stateLock  sync.Mutex
	joinErr    error
	leaveErr   error
	joinCount  int
	leaveCount int
	channel    *testChannel
	// called inside `Join` before it returns
	onJoin func()
}

func newTestBroadcaster() *testBroadcaster {
	return &testBroadcaster{}
}

func (self *testBroadcaster) Join(channelName string) (Channel, error) {
	var onJoin func()
	var channel *testChannel
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.joinCount += 1
		if self.joinErr != nil {
			return self.joinErr
		}
		channel = &testChannel{
			channelCallbacks: newChannelCallbacks(),
			whispers:         make(chan *testWhisper, 16),
		}
		self.channel = channel
		onJoin = self.onJoin
		return nil
	}()
	if err != nil {
		return nil, err
	}
	if onJoin != nil {
		onJoin()
	}
	return channel, nil
}

func (self *testBroadcaster) Leave(channelName string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.leaveCount += 1
	return self.leaveErr
}

func (self *testBroadcaster) counts() (int, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.joinCount, self.leaveCount
}

type testNotifier struct {
	stateLock sync.Mutex
	messages  []string
}

func (self *testNotifier) Success(message string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, message)
}

func (self *testNotifier) Messages() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.messages...)
}

var testContainer = Container{
	Reference: "pages::home",
	Site:      "default",
	Name:      "pages",
}

type testWorkspace struct {
	workspace   *Workspace
	broadcaster *testBroadcaster
	store       *DocumentStore
	notifier    *testNotifier
	clock       clockwork.FakeClock
}

func newTestWorkspace(ctx context.Context, userId string) *testWorkspace {
	clock := clockwork.NewFakeClock()
	broadcaster := newTestBroadcaster()
	store := NewDocumentStore()
	notifier := &testNotifier{}

	settings := DefaultWorkspaceSettings()
	settings.Clock = clock
	workspace := NewWorkspace(
		ctx,
		testContainer,
		broadcaster,
		store,
		NewStaticConfig(userId, ""),
		notifier,
		settings,
	)
	return &testWorkspace{
		workspace:   workspace,
		broadcaster: broadcaster,
		store:       store,
		notifier:    notifier,
		clock:       clock,
	}
}

// start and deliver the roster
func (self *testWorkspace) activate(t *testing.T, members ...Member) *testChannel {
	err := self.workspace.Start()
	assert.Equal(t, nil, err)
	assert.Equal(t, WorkspaceStateStarting, self.workspace.State())
	channel := self.broadcaster.channel
	channel.receiveHere(members)
	assert.Equal(t, WorkspaceStateActive, self.workspace.State())
	return channel
}

func (self *testWorkspace) set(t *testing.T, fieldId string, value *structpb.Value, userId string) {
	err := self.store.SetValue(testContainer.Name, NewPayload(fieldId, value, userId))
	assert.Equal(t, nil, err)
}

func awaitWhisper(t *testing.T, channel *testChannel) *Payload {
	select {
	case whisper := <-channel.whispers:
		assert.Equal(t, UpdatedEventName, whisper.eventName)
		payload, err := DecodePayload(whisper.message)
		assert.Equal(t, nil, err)
		return payload
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for whisper.")
		return nil
	}
}

func assertNoWhisper(t *testing.T, channel *testChannel) {
	select {
	case whisper := <-channel.whispers:
		t.Fatalf("Unexpected whisper: %s", string(whisper.message))
	case <-time.After(50 * time.Millisecond):
	}
}

func encodeTestPayload(t *testing.T, fieldId string, value *structpb.Value, userId string) []byte {
	message, err := EncodePayload(NewPayload(fieldId, value, userId))
	assert.Equal(t, nil, err)
	return message
}

func TestContainerChannelName(t *testing.T) {
	assert.Equal(t, "pages.home.default", testContainer.ChannelName())
	// only the first separator is replaced
	assert.Equal(t, "a.b::c.site", Container{Reference: "a::b::c", Site: "site"}.ChannelName())
	assert.Equal(t, "home.site", Container{Reference: "home", Site: "site"}.ChannelName())
	assert.Equal(t, "publish/pages/setValue", SetValueMutationType("pages"))
}

func TestWorkspaceLocalEditIsWhispered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	assert.Equal(t, WorkspaceStateIdle, w.workspace.State())
	channel := w.activate(t, Member{Id: "u1"}, Member{Id: "u2"})

	w.set(t, "title", structpb.NewStringValue("Hello"), "u1")
	w.clock.Advance(DefaultDebounceTimeout - time.Millisecond)
	assertNoWhisper(t, channel)

	w.clock.Advance(time.Millisecond)
	payload := awaitWhisper(t, channel)
	assert.Equal(t, "title", payload.FieldId)
	assert.Equal(t, "Hello", payload.Value.GetStringValue())
	assert.Equal(t, "u1", payload.UserId)

	// one whisper per window
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)
}

func TestWorkspaceRemoteEditIsApplied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	channel := w.activate(t, Member{Id: "u1"}, Member{Id: "u2"})

	channel.receiveWhisper(UpdatedEventName, encodeTestPayload(t, "title", structpb.NewStringValue("Bonjour"), "u2"))

	value, ok := w.store.Value(testContainer.Name, "title")
	assert.Equal(t, true, ok)
	assert.Equal(t, "Bonjour", value.GetStringValue())

	remembered, ok := w.workspace.Memory().Get("title")
	assert.Equal(t, true, ok)
	assert.Equal(t, "Bonjour", remembered.GetStringValue())

	// not sent back
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)

	// the local user setting the same value is not a change
	w.set(t, "title", structpb.NewStringValue("Bonjour"), "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)
}

func TestWorkspaceRemoteEditIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	channel := w.activate(t, Member{Id: "u1"}, Member{Id: "u2"})

	mutationCount := 0
	unsubscribe := w.store.Subscribe(func(mutation *Mutation) {
		mutationCount += 1
	})
	defer unsubscribe()

	message := encodeTestPayload(t, "count", structpb.NewNumberValue(3), "u2")
	channel.receiveWhisper(UpdatedEventName, message)
	channel.receiveWhisper(UpdatedEventName, message)

	assert.Equal(t, 2, mutationCount)
	value, _ := w.store.Value(testContainer.Name, "count")
	assert.Equal(t, float64(3), value.GetNumberValue())
	assert.Equal(t, 1, w.workspace.Memory().Len())

	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)
}

func TestWorkspaceIgnoresMalformedWhispers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	channel := w.activate(t, Member{Id: "u1"})

	channel.receiveWhisper(UpdatedEventName, []byte("{"))
	channel.receiveWhisper(UpdatedEventName, []byte(`{"value": "no handle"}`))
	// other events are not field updates
	channel.receiveWhisper("typing", encodeTestPayload(t, "title", structpb.NewStringValue("Hello"), "u2"))

	assert.Equal(t, []string{}, w.store.FieldIds(testContainer.Name))
}

func TestWorkspaceStartIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	assert.Equal(t, nil, w.workspace.Start())
	assert.Equal(t, nil, w.workspace.Start())
	joinCount, _ := w.broadcaster.counts()
	assert.Equal(t, 1, joinCount)

	w.broadcaster.channel.receiveHere([]Member{{Id: "u1"}})
	assert.Equal(t, WorkspaceStateActive, w.workspace.State())
	assert.Equal(t, nil, w.workspace.Start())
	joinCount, _ = w.broadcaster.counts()
	assert.Equal(t, 1, joinCount)

	// a second roster does not subscribe again
	w.broadcaster.channel.receiveHere([]Member{{Id: "u1"}})
	assert.Equal(t, 1, w.store.mutationCallbacks.Len())
}

func TestWorkspaceCoalescesEdits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	channel := w.activate(t, Member{Id: "u1"}, Member{Id: "u2"})

	// v1 then v2 inside one window
	w.set(t, "title", structpb.NewStringValue("v1"), "u1")
	w.clock.Advance(100 * time.Millisecond)
	w.set(t, "title", structpb.NewStringValue("v2"), "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	payload := awaitWhisper(t, channel)
	assert.Equal(t, "v2", payload.Value.GetStringValue())
	assertNoWhisper(t, channel)

	// the last edit wins even across fields
	w.set(t, "a", structpb.NewStringValue("A"), "u1")
	w.set(t, "b", structpb.NewStringValue("B"), "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	payload = awaitWhisper(t, channel)
	assert.Equal(t, "b", payload.FieldId)
	assertNoWhisper(t, channel)

	// oscillation still sends the final value
	w.set(t, "title", structpb.NewStringValue("A"), "u1")
	w.set(t, "title", structpb.NewStringValue("B"), "u1")
	w.set(t, "title", structpb.NewStringValue("A"), "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	payload = awaitWhisper(t, channel)
	assert.Equal(t, "title", payload.FieldId)
	assert.Equal(t, "A", payload.Value.GetStringValue())
}

func TestWorkspaceUnchangedValueIsNotSent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	channel := w.activate(t, Member{Id: "u1"})

	w.set(t, "title", structpb.NewStringValue("Hello"), "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	awaitWhisper(t, channel)

	w.set(t, "title", structpb.NewStringValue("Hello"), "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)

	// null was never seen, so it is not a change
	w.set(t, "body", nil, "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)

	// clearing a value is a change
	w.set(t, "title", nil, "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	payload := awaitWhisper(t, channel)
	assert.Equal(t, "title", payload.FieldId)
	_, isNull := payload.Value.GetKind().(*structpb.Value_NullValue)
	assert.Equal(t, true, isNull)
}

func TestWorkspaceIgnoresOtherDocuments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	channel := w.activate(t, Member{Id: "u1"})

	err := w.store.SetValue("posts", NewPayload("title", structpb.NewStringValue("Hello"), "u1"))
	assert.Equal(t, nil, err)
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)
	assert.Equal(t, 0, w.workspace.Memory().Len())
}

func TestWorkspaceEditsBeforeActiveAreNotTracked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	w.set(t, "title", structpb.NewStringValue("before"), "u1")

	assert.Equal(t, nil, w.workspace.Start())
	w.set(t, "title", structpb.NewStringValue("starting"), "u1")
	assert.Equal(t, 0, w.workspace.Memory().Len())

	channel := w.broadcaster.channel
	channel.receiveHere([]Member{{Id: "u1"}})
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)
}

func TestWorkspaceDestroyBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	assert.Equal(t, nil, w.workspace.Destroy())
	assert.Equal(t, WorkspaceStateStopped, w.workspace.State())
	assert.Equal(t, nil, w.workspace.Destroy())

	err := w.workspace.Start()
	assert.Equal(t, true, errors.Is(err, ErrWorkspaceStopped))
	joinCount, leaveCount := w.broadcaster.counts()
	assert.Equal(t, 0, joinCount)
	assert.Equal(t, 0, leaveCount)
}

func TestWorkspaceDestroyWhileStarting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	w.broadcaster.onJoin = func() {
		assert.Equal(t, WorkspaceStateStarting, w.workspace.State())
		assert.Equal(t, nil, w.workspace.Destroy())
	}

	err := w.workspace.Start()
	assert.Equal(t, true, errors.Is(err, ErrWorkspaceStopped))
	assert.Equal(t, WorkspaceStateStopped, w.workspace.State())
	_, leaveCount := w.broadcaster.counts()
	assert.Equal(t, 1, leaveCount)

	// a late roster does nothing
	w.broadcaster.channel.receiveHere([]Member{{Id: "u1"}})
	assert.Equal(t, WorkspaceStateStopped, w.workspace.State())
	assert.Equal(t, 0, w.store.mutationCallbacks.Len())
	assert.Equal(t, 0, len(w.notifier.Messages()))
}

func TestWorkspaceDestroyAfterStartBeforeRoster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	assert.Equal(t, nil, w.workspace.Start())
	assert.Equal(t, nil, w.workspace.Destroy())
	_, leaveCount := w.broadcaster.counts()
	assert.Equal(t, 1, leaveCount)

	w.broadcaster.channel.receiveHere([]Member{{Id: "u1"}, {Id: "u2"}})
	assert.Equal(t, WorkspaceStateStopped, w.workspace.State())
	assert.Equal(t, 0, w.store.mutationCallbacks.Len())
	assert.Equal(t, 0, len(w.notifier.Messages()))
}

func TestWorkspaceDestroyWhileActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	channel := w.activate(t, Member{Id: "u1"}, Member{Id: "u2"})
	assert.Equal(t, 1, w.store.mutationCallbacks.Len())

	// pending edit is dropped
	w.set(t, "title", structpb.NewStringValue("Hello"), "u1")
	assert.Equal(t, 1, w.workspace.Memory().Len())
	assert.Equal(t, nil, w.workspace.Destroy())
	assert.Equal(t, WorkspaceStateStopped, w.workspace.State())
	assert.Equal(t, 0, w.workspace.Memory().Len())
	assert.Equal(t, 0, w.store.mutationCallbacks.Len())
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)

	_, leaveCount := w.broadcaster.counts()
	assert.Equal(t, 1, leaveCount)

	// no more edits are tracked, no more remote values applied
	w.set(t, "title", structpb.NewStringValue("Hello again"), "u1")
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)
	channel.receiveWhisper(UpdatedEventName, encodeTestPayload(t, "body", structpb.NewStringValue("Bonjour"), "u2"))
	_, ok := w.store.Value(testContainer.Name, "body")
	assert.Equal(t, false, ok)

	// repeated destroy does not leave again
	assert.Equal(t, nil, w.workspace.Destroy())
	_, leaveCount = w.broadcaster.counts()
	assert.Equal(t, 1, leaveCount)
	assert.Equal(t, true, errors.Is(w.workspace.Start(), ErrWorkspaceStopped))
}

func TestWorkspaceContextDoneDestroys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	w.activate(t, Member{Id: "u1"})

	cancel()
	for i := 0; i < 200 && w.workspace.State() != WorkspaceStateStopped; i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, WorkspaceStateStopped, w.workspace.State())
	_, leaveCount := w.broadcaster.counts()
	assert.Equal(t, 1, leaveCount)
}

func TestWorkspaceJoinFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	joinErr := errors.New("Relay unavailable.")

	w := newTestWorkspace(ctx, "u1")
	w.broadcaster.joinErr = joinErr

	err := w.workspace.Start()
	assert.NotEqual(t, nil, err)
	assert.Equal(t, true, errors.Is(err, joinErr))
	assert.Equal(t, WorkspaceStateIdle, w.workspace.State())
	assert.Equal(t, 0, w.store.mutationCallbacks.Len())

	// retry
	w.broadcaster.stateLock.Lock()
	w.broadcaster.joinErr = nil
	w.broadcaster.stateLock.Unlock()
	w.activate(t, Member{Id: "u1"})
	joinCount, _ := w.broadcaster.counts()
	assert.Equal(t, 2, joinCount)
}

func TestWorkspacePresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")

	events := []*PresenceEvent{}
	unsubscribe := w.workspace.AddPresenceCallback(func(event *PresenceEvent) {
		events = append(events, event)
	})
	defer unsubscribe()

	channel := w.activate(t, Member{Id: "u1", Name: "Alice"}, Member{Id: "u2"})
	channel.receiveJoining(Member{Id: "u3", Name: "Carol"})
	channel.receiveLeaving(Member{Id: "u3", Name: "Carol"})

	assert.Equal(t, []string{
		"Users here: Alice u2",
		"Carol has joined.",
		"Carol has left.",
	}, w.notifier.Messages())

	assert.Equal(t, 3, len(events))
	assert.Equal(t, PresenceEventHere, events[0].Type)
	assert.Equal(t, 2, len(events[0].Members))
	assert.Equal(t, PresenceEventJoining, events[1].Type)
	assert.Equal(t, "u3", events[1].Members[0].Id)
	assert.Equal(t, PresenceEventLeaving, events[2].Type)

	// presence stops with the workspace
	assert.Equal(t, nil, w.workspace.Destroy())
	channel.receiveJoining(Member{Id: "u4", Name: "Dan"})
	assert.Equal(t, 3, len(w.notifier.Messages()))
}

func TestWorkspaceEmptyRoster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")
	w.activate(t)
	assert.Equal(t, []string{"Users here: "}, w.notifier.Messages())
}

func TestWorkspaceDestroyLeaveError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaveErr := errors.New("Connection lost.")

	w := newTestWorkspace(ctx, "u1")
	w.activate(t, Member{Id: "u1"})
	w.broadcaster.stateLock.Lock()
	w.broadcaster.leaveErr = leaveErr
	w.broadcaster.stateLock.Unlock()

	err := w.workspace.Destroy()
	assert.NotEqual(t, nil, err)
	assert.Equal(t, true, errors.Is(err, leaveErr))
	assert.Equal(t, WorkspaceStateStopped, w.workspace.State())
	assert.Equal(t, 0, w.store.mutationCallbacks.Len())
	assert.Equal(t, 0, w.workspace.Memory().Len())

	assert.Equal(t, nil, w.workspace.Destroy())
	_, leaveCount := w.broadcaster.counts()
	assert.Equal(t, 1, leaveCount)
}

func TestWorkspaceConcurrentApplyKeepsStoreOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorkspace(ctx, "u1")

	// a subscriber ahead of the workspace holds up the first mutation
	entered := make(chan struct{})
	release := make(chan struct{})
	var blockOnce sync.Once
	unsubscribe := w.store.Subscribe(func(mutation *Mutation) {
		blockOnce.Do(func() {
			close(entered)
			<-release
		})
	})
	defer unsubscribe()

	channel := w.activate(t, Member{Id: "u1"}, Member{Id: "u2"})

	message := encodeTestPayload(t, "title", structpb.NewStringValue("Y"), "u2")

	var wg sync.WaitGroup
	var setErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		setErr = w.store.SetValue(testContainer.Name, NewPayload("title", structpb.NewStringValue("X"), "u1"))
	}()
	<-entered

	// a remote edit of the same field arrives on another goroutine
	go func() {
		defer wg.Done()
		channel.receiveWhisper(UpdatedEventName, message)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, nil, setErr)

	stored, ok := w.store.Value(testContainer.Name, "title")
	assert.Equal(t, true, ok)
	remembered, ok := w.workspace.Memory().Get("title")
	assert.Equal(t, true, ok)
	assert.Equal(t, stored.GetStringValue(), remembered.GetStringValue())
	assert.Equal(t, "Y", remembered.GetStringValue())

	// the newest value is the remote one, so nothing is sent
	w.clock.Advance(DefaultDebounceTimeout)
	assertNoWhisper(t, channel)
}

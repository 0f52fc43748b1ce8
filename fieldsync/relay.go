package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type RelaySettings struct {
	PingTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		PingTimeout:    1 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: TransportBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Relay is a websocket presence channel service for `WsBroadcaster` clients.
// It keeps the roster of each channel and relays whispers to the other members.
// Whispers are also published to the backplane, if any, so that members connected
// to other relay processes receive them. Presence is per relay process.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayId   Id
	backplane Backplane
	settings  *RelaySettings
	upgrader  websocket.Upgrader

	stateLock sync.Mutex
	// channel name -> connection id -> connection
	channels map[string]map[Id]*relayConnection
}

func NewRelayWithDefaults(ctx context.Context, backplane Backplane) *Relay {
	return NewRelay(ctx, backplane, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, backplane Backplane, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &Relay{
		ctx:       cancelCtx,
		cancel:    cancel,
		relayId:   NewId(),
		backplane: backplane,
		settings:  settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin:     settings.CheckOrigin,
		},
		channels: map[string]map[Id]*relayConnection{},
	}
	if backplane != nil {
		go func() {
			err := backplane.Subscribe(cancelCtx, relay.backplaneReceive)
			if err != nil {
				glog.Infof("[relay]backplane error = %s\n", err)
			}
		}()
	}
	return relay
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	conn := &relayConnection{
		ctx:          handleCtx,
		cancel:       handleCancel,
		connectionId: NewId(),
		ws:           ws,
		send:         make(chan []byte, self.settings.SendBufferSize),
		settings:     self.settings,
		members:      map[string]Member{},
	}
	run := func() {
		defer func() {
			handleCancel()
			ws.Close()
			self.disconnect(conn)
		}()
		go conn.writeLoop()
		self.readLoop(conn)
	}
	if glog.V(2) {
		Trace(fmt.Sprintf("[relay]connection %s", conn.connectionId), run)
	} else {
		run()
	}
}

func (self *Relay) readLoop(conn *relayConnection) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[relay]%s<- error = %s\n", conn.connectionId, err)
			return
		}
		if messageType != websocket.TextMessage || len(message) == 0 {
			// ping or other
			continue
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			conn.sendError("", err.Error())
			continue
		}
		switch frame.Type {
		case FrameTypeJoin:
			self.join(conn, frame.Channel, *frame.Member)
		case FrameTypeLeave:
			self.leave(conn, frame.Channel)
		case FrameTypeWhisper:
			self.whisper(conn, frame)
		default:
			conn.sendError(frame.Channel, fmt.Sprintf("Unexpected frame type: %s", frame.Type))
		}
	}
}

// must be called with `stateLock`
func (self *Relay) roster(channelName string) []Member {
	channelConns := self.channels[channelName]
	connectionIds := maps.Keys(channelConns)
	slices.SortFunc(connectionIds, func(a Id, b Id) int {
		return slices.Compare(a.Bytes(), b.Bytes())
	})
	members := []Member{}
	for _, connectionId := range connectionIds {
		members = append(members, channelConns[connectionId].members[channelName])
	}
	return members
}

// must be called with `stateLock`
func (self *Relay) others(conn *relayConnection, channelName string) []*relayConnection {
	others := []*relayConnection{}
	for connectionId, other := range self.channels[channelName] {
		if connectionId != conn.connectionId {
			others = append(others, other)
		}
	}
	return others
}

func (self *Relay) join(conn *relayConnection, channelName string, member Member) {
	var roster []Member
	var others []*relayConnection
	rejoin := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		channelConns, ok := self.channels[channelName]
		if !ok {
			channelConns = map[Id]*relayConnection{}
			self.channels[channelName] = channelConns
		}
		_, rejoin = channelConns[conn.connectionId]
		channelConns[conn.connectionId] = conn
		conn.members[channelName] = member
		roster = self.roster(channelName)
		others = self.others(conn, channelName)
	}()

	glog.V(2).Infof("[relay]%s joined %s (%d)\n", member.Id, channelName, len(roster))
	conn.sendFrame(&Frame{
		Type:    FrameTypeHere,
		Channel: channelName,
		Members: roster,
	})
	if rejoin {
		return
	}
	for _, other := range others {
		other.sendFrame(&Frame{
			Type:    FrameTypeJoining,
			Channel: channelName,
			Member:  &member,
		})
	}
}

func (self *Relay) leave(conn *relayConnection, channelName string) {
	var member Member
	var others []*relayConnection
	joined := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		member, joined = self.removeMember(conn, channelName)
		others = self.others(conn, channelName)
	}()
	if !joined {
		conn.sendError(channelName, ErrNotJoined.Error())
		return
	}

	glog.V(2).Infof("[relay]%s left %s\n", member.Id, channelName)
	for _, other := range others {
		other.sendFrame(&Frame{
			Type:    FrameTypeLeaving,
			Channel: channelName,
			Member:  &member,
		})
	}
}

// must be called with `stateLock`
func (self *Relay) removeMember(conn *relayConnection, channelName string) (Member, bool) {
	member, ok := conn.members[channelName]
	if !ok {
		return Member{}, false
	}
	delete(conn.members, channelName)
	if channelConns, ok := self.channels[channelName]; ok {
		delete(channelConns, conn.connectionId)
		if len(channelConns) == 0 {
			delete(self.channels, channelName)
		}
	}
	return member, true
}

func (self *Relay) disconnect(conn *relayConnection) {
	type departure struct {
		channelName string
		member      Member
		others      []*relayConnection
	}
	departures := []departure{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, channelName := range maps.Keys(conn.members) {
			member, _ := self.removeMember(conn, channelName)
			departures = append(departures, departure{
				channelName: channelName,
				member:      member,
				others:      self.others(conn, channelName),
			})
		}
	}()

	for _, d := range departures {
		for _, other := range d.others {
			other.sendFrame(&Frame{
				Type:    FrameTypeLeaving,
				Channel: d.channelName,
				Member:  &d.member,
			})
		}
	}
}

func (self *Relay) whisper(conn *relayConnection, frame *Frame) {
	var others []*relayConnection
	var member Member
	joined := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		member, joined = conn.members[frame.Channel]
		if joined {
			others = self.others(conn, frame.Channel)
		}
	}()
	if !joined {
		conn.sendError(frame.Channel, ErrNotJoined.Error())
		return
	}

	relayFrame := &Frame{
		Type:    FrameTypeWhisper,
		Channel: frame.Channel,
		Event:   frame.Event,
		Member:  &member,
		Data:    frame.Data,
	}
	for _, other := range others {
		other.sendFrame(relayFrame)
	}

	if self.backplane != nil {
		envelope, err := json.Marshal(&backplaneEnvelope{
			RelayId: self.relayId,
			Frame:   relayFrame,
		})
		if err == nil {
			err = self.backplane.Publish(self.ctx, frame.Channel, envelope)
		}
		if err != nil {
			glog.Infof("[relay]backplane publish %s error = %s\n", frame.Channel, err)
		}
	}
}

func (self *Relay) backplaneReceive(channelName string, message []byte) {
	envelope := &backplaneEnvelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		glog.Infof("[relay]drop backplane message error = %s\n", err)
		return
	}
	if envelope.RelayId == self.relayId || envelope.Frame == nil {
		// already delivered locally
		return
	}
	if envelope.Frame.Type != FrameTypeWhisper || envelope.Frame.Channel != channelName {
		return
	}

	self.stateLock.Lock()
	members := maps.Values(self.channels[channelName])
	self.stateLock.Unlock()

	for _, conn := range members {
		conn.sendFrame(envelope.Frame)
	}
}

// Members returns the local roster of a channel
func (self *Relay) Members(channelName string) []Member {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.roster(channelName)
}

func (self *Relay) Close() {
	self.cancel()
}

type relayConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId Id
	ws           *websocket.Conn
	send         chan []byte
	settings     *RelaySettings

	// channel name -> member. guarded by the relay `stateLock`
	members map[string]Member
}

func (self *relayConnection) writeLoop() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.Infof("[relay]%s-> error = %s\n", self.connectionId, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *relayConnection) sendFrame(frame *Frame) {
	message, err := EncodeFrame(frame)
	if err != nil {
		glog.Infof("[relay]encode %s error = %s\n", frame.Type, err)
		return
	}
	select {
	case <-self.ctx.Done():
	case self.send <- message:
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[relay]drop %s->\n", self.connectionId)
	}
}

func (self *relayConnection) sendError(channelName string, message string) {
	self.sendFrame(&Frame{
		Type:    FrameTypeError,
		Channel: channelName,
		Message: message,
	})
}

type backplaneEnvelope struct {
	RelayId Id     `json:"relay_id"`
	Frame   *Frame `json:"frame"`
}

type BackplaneFunction = func(channelName string, message []byte)

// Backplane shares whispers between relay processes.
type Backplane interface {
	Publish(ctx context.Context, channelName string, message []byte) error
	// blocks until the context is done or the subscription fails
	Subscribe(ctx context.Context, callback BackplaneFunction) error
}

const RedisBackplaneChannelPrefix = "fieldsync:"

type RedisBackplane struct {
	client *redis.Client
}

func NewRedisBackplane(client *redis.Client) *RedisBackplane {
	return &RedisBackplane{
		client: client,
	}
}

func (self *RedisBackplane) Publish(ctx context.Context, channelName string, message []byte) error {
	return self.client.Publish(ctx, RedisBackplaneChannelPrefix+channelName, message).Err()
}

func (self *RedisBackplane) Subscribe(ctx context.Context, callback BackplaneFunction) error {
	pubsub := self.client.PSubscribe(ctx, RedisBackplaneChannelPrefix+"*")
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			channelName := strings.TrimPrefix(message.Channel, RedisBackplaneChannelPrefix)
			HandleError(func() {
				callback(channelName, []byte(message.Payload))
			})
		}
	}
}

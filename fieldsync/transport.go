package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

type WsBroadcasterSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsBroadcasterSettings() *WsBroadcasterSettings {
	return &WsBroadcasterSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// WsBroadcaster joins channels on a relay over one websocket.
// There is no reconnect. When the connection ends, `Done` closes and
// the joined channels stop receiving events.
type WsBroadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	member   Member
	settings *WsBroadcasterSettings

	ws   *websocket.Conn
	send chan []byte

	stateLock sync.Mutex
	channels  map[string]*WsChannel
}

func NewWsBroadcasterWithDefaults(ctx context.Context, relayUrl string, member Member) (*WsBroadcaster, error) {
	return NewWsBroadcaster(ctx, relayUrl, member, DefaultWsBroadcasterSettings())
}

func NewWsBroadcaster(
	ctx context.Context,
	relayUrl string,
	member Member,
	settings *WsBroadcasterSettings,
) (*WsBroadcaster, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	connect := func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, relayUrl, nil)
		return ws, err
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[wst]connect %s", relayUrl), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	broadcaster := &WsBroadcaster{
		ctx:      cancelCtx,
		cancel:   cancel,
		relayUrl: relayUrl,
		member:   member,
		settings: settings,
		ws:       ws,
		send:     make(chan []byte, TransportBufferSize),
		channels: map[string]*WsChannel{},
	}
	go broadcaster.writeLoop()
	go broadcaster.readLoop()
	return broadcaster, nil
}

func (self *WsBroadcaster) writeLoop() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			self.ws.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[wst]%s-> error = %s\n", self.member.Id, err)
				return
			}
			glog.V(2).Infof("[wst]%s->\n", self.member.Id)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *WsBroadcaster) readLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
			default:
				glog.Infof("[wst]%s<- error = %s\n", self.member.Id, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if 0 == len(message) {
				// ping
				continue
			}
			frame, err := DecodeFrame(message)
			if err != nil {
				glog.Infof("[wst]drop %s<- error = %s\n", self.member.Id, err)
				continue
			}
			glog.V(2).Infof("[wst]%s %s<-\n", frame.Type, self.member.Id)
			self.receive(frame)
		default:
			glog.V(2).Infof("[wst]other=%d %s<-\n", messageType, self.member.Id)
		}
	}
}

func (self *WsBroadcaster) receive(frame *Frame) {
	if frame.Type == FrameTypeError {
		glog.Infof("[wst]relay error on %s = %s\n", frame.Channel, frame.Message)
		return
	}

	self.stateLock.Lock()
	channel, ok := self.channels[frame.Channel]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	switch frame.Type {
	case FrameTypeHere:
		channel.receiveHere(frame.Members)
	case FrameTypeJoining:
		channel.receiveJoining(*frame.Member)
	case FrameTypeLeaving:
		channel.receiveLeaving(*frame.Member)
	case FrameTypeWhisper:
		channel.receiveWhisper(frame.Event, frame.Data)
	}
}

func (self *WsBroadcaster) write(frame *Frame) error {
	message, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.send <- message:
		return nil
	}
}

func (self *WsBroadcaster) Join(channelName string) (Channel, error) {
	self.stateLock.Lock()
	if channel, ok := self.channels[channelName]; ok {
		self.stateLock.Unlock()
		return channel, nil
	}
	channel := &WsChannel{
		channelCallbacks: newChannelCallbacks(),
		broadcaster:      self,
		name:             channelName,
	}
	self.channels[channelName] = channel
	self.stateLock.Unlock()

	member := self.member
	err := self.write(&Frame{
		Type:    FrameTypeJoin,
		Channel: channelName,
		Member:  &member,
	})
	if err != nil {
		self.stateLock.Lock()
		delete(self.channels, channelName)
		self.stateLock.Unlock()
		return nil, err
	}
	return channel, nil
}

func (self *WsBroadcaster) Leave(channelName string) error {
	self.stateLock.Lock()
	_, ok := self.channels[channelName]
	delete(self.channels, channelName)
	self.stateLock.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrNotJoined, channelName)
	}

	return self.write(&Frame{
		Type:    FrameTypeLeave,
		Channel: channelName,
	})
}

func (self *WsBroadcaster) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WsBroadcaster) Close() {
	self.cancel()
}

type WsChannel struct {
	*channelCallbacks

	broadcaster *WsBroadcaster
	name        string
}

func (self *WsChannel) Whisper(eventName string, message []byte) error {
	self.broadcaster.stateLock.Lock()
	joined := self.broadcaster.channels[self.name] == self
	self.broadcaster.stateLock.Unlock()
	if !joined {
		return fmt.Errorf("%w %s", ErrNotJoined, self.name)
	}

	return self.broadcaster.write(&Frame{
		Type:    FrameTypeWhisper,
		Channel: self.name,
		Event:   eventName,
		Data:    json.RawMessage(message),
	})
}

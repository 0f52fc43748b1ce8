package fieldsync

import (
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	// client -> relay
	FrameTypeJoin  FrameType = "join"
	FrameTypeLeave FrameType = "leave"
	// both directions
	FrameTypeWhisper FrameType = "whisper"
	// relay -> client
	FrameTypeHere    FrameType = "here"
	FrameTypeJoining FrameType = "joining"
	FrameTypeLeaving FrameType = "leaving"
	FrameTypeError   FrameType = "error"
)

// Frame is one relay websocket message
type Frame struct {
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Member  *Member         `json:"member,omitempty"`
	Members []Member        `json:"members,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	if err := validateFrame(frame); err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func RequireEncodeFrame(frame *Frame) []byte {
	b, err := EncodeFrame(frame)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeFrame(frameBytes []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, err
	}
	if err := validateFrame(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func validateFrame(frame *Frame) error {
	switch frame.Type {
	case FrameTypeJoin:
		if frame.Member == nil {
			return fmt.Errorf("join frame requires a member")
		}
	case FrameTypeJoining, FrameTypeLeaving:
		if frame.Member == nil {
			return fmt.Errorf("%s frame requires a member", frame.Type)
		}
	case FrameTypeWhisper:
		if frame.Event == "" {
			return fmt.Errorf("whisper frame requires an event")
		}
		if !json.Valid(frame.Data) {
			return fmt.Errorf("whisper frame data must be json")
		}
	case FrameTypeLeave, FrameTypeHere:
	case FrameTypeError:
		return nil
	default:
		return fmt.Errorf("Unknown frame type: %s", frame.Type)
	}
	if frame.Channel == "" {
		return fmt.Errorf("%s frame requires a channel", frame.Type)
	}
	return nil
}

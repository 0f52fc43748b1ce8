package fieldsync

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payload is one field edit attributed to the user that made it.
// It is the unit passed through the store and over the channel.
type Payload struct {
	FieldId string
	// nil means null
	Value  *structpb.Value
	UserId string
}

func NewPayload(fieldId string, value *structpb.Value, userId string) *Payload {
	return &Payload{
		FieldId: fieldId,
		Value:   value,
		UserId:  userId,
	}
}

// NewPayloadFromAny converts a plain go value (string, float64, bool, nil,
// []any, map[string]any) into a payload value.
func NewPayloadFromAny(fieldId string, value any, userId string) (*Payload, error) {
	v, err := structpb.NewValue(value)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", fieldId, err)
	}
	return NewPayload(fieldId, v, userId), nil
}

func (self *Payload) Clone() *Payload {
	return &Payload{
		FieldId: self.FieldId,
		Value:   CloneValue(self.Value),
		UserId:  self.UserId,
	}
}

func (self *Payload) String() string {
	return fmt.Sprintf("%s=%s (%s)", self.FieldId, ValueString(self.Value), self.UserId)
}

// wire keys match the publish form field names
type payloadJson struct {
	Handle string          `json:"handle"`
	Value  json.RawMessage `json:"value"`
	User   string          `json:"user"`
}

func (self *Payload) MarshalJSON() ([]byte, error) {
	valueBytes, err := protojson.Marshal(nullIfNil(self.Value))
	if err != nil {
		return nil, err
	}
	return json.Marshal(&payloadJson{
		Handle: self.FieldId,
		Value:  valueBytes,
		User:   self.UserId,
	})
}

func (self *Payload) UnmarshalJSON(src []byte) error {
	var p payloadJson
	if err := json.Unmarshal(src, &p); err != nil {
		return err
	}
	if p.Handle == "" {
		return fmt.Errorf("payload is missing a handle")
	}
	value := structpb.NewNullValue()
	if 0 < len(p.Value) {
		if err := protojson.Unmarshal(p.Value, value); err != nil {
			return fmt.Errorf("payload %s value: %w", p.Handle, err)
		}
	}
	self.FieldId = p.Handle
	self.Value = value
	self.UserId = p.User
	return nil
}

func EncodePayload(payload *Payload) ([]byte, error) {
	return json.Marshal(payload)
}

func DecodePayload(payloadBytes []byte) (*Payload, error) {
	payload := &Payload{}
	if err := json.Unmarshal(payloadBytes, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EqualValues compares structurally. nil and null are equal.
func EqualValues(a *structpb.Value, b *structpb.Value) bool {
	return proto.Equal(nullIfNil(a), nullIfNil(b))
}

func CloneValue(value *structpb.Value) *structpb.Value {
	if value == nil {
		return nil
	}
	return proto.Clone(value).(*structpb.Value)
}

func ValueString(value *structpb.Value) string {
	b, err := protojson.Marshal(nullIfNil(value))
	if err != nil {
		return fmt.Sprintf("<%s>", err)
	}
	return string(b)
}

func nullIfNil(value *structpb.Value) *structpb.Value {
	if value == nil {
		return structpb.NewNullValue()
	}
	return value
}

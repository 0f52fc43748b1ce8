package fieldsync

import (
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

// ValueMemory holds the last observed value per field.
// Entries are deep copies so that later in place edits of a value held by
// the editor do not change what was remembered.
type ValueMemory struct {
	stateLock  sync.Mutex
	lastValues map[string]*structpb.Value
}

func NewValueMemory() *ValueMemory {
	return &ValueMemory{
		lastValues: map[string]*structpb.Value{},
	}
}

// HasChanged reports whether `value` differs from the remembered value for the field.
// A field that was never remembered is treated as null.
func (self *ValueMemory) HasChanged(fieldId string, value *structpb.Value) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return !EqualValues(self.lastValues[fieldId], value)
}

func (self *ValueMemory) Remember(fieldId string, value *structpb.Value) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastValues[fieldId] = CloneValue(nullIfNil(value))
}

// Get returns a copy of the remembered value
func (self *ValueMemory) Get(fieldId string) (*structpb.Value, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.lastValues[fieldId]
	if !ok {
		return nil, false
	}
	return CloneValue(value), true
}

func (self *ValueMemory) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.lastValues)
}

func (self *ValueMemory) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastValues = map[string]*structpb.Value{}
}

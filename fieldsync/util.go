package fieldsync

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId uint64
	callbacks      map[uint64]T
	orderedIds     []uint64
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[uint64]T{},
	}
}

// callbacks in the order they were added
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.orderedIds))
	for _, callbackId := range self.orderedIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextCallbackId += 1
	callbackId := self.nextCallbackId
	self.callbacks[callbackId] = callback
	self.orderedIds = append(slices.Clone(self.orderedIds), callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	nextOrderedIds := slices.Clone(self.orderedIds)
	if i := slices.Index(nextOrderedIds, callbackId); 0 <= i {
		nextOrderedIds = slices.Delete(nextOrderedIds, i, i+1)
	}
	self.orderedIds = nextOrderedIds
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

package fieldsync

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrUnknownMutation = errors.New("Unknown mutation.")

type Mutation struct {
	Type    string
	Payload *Payload
}

type MutationFunction = func(mutation *Mutation)

// Store is the shared document state. Subscribers see every applied mutation,
// local edits and dispatched remote edits alike, in the order they were applied.
// Subscribers must not call `Dispatch` synchronously.
type Store interface {
	// returns an unsubscribe function
	Subscribe(callback MutationFunction) func()
	Dispatch(mutationType string, payload *Payload) error
}

func SetValueMutationType(documentName string) string {
	return fmt.Sprintf("publish/%s/setValue", documentName)
}

// DocumentStore is an in memory `Store` for a set of documents.
// Subscribers are called synchronously after the mutation is applied,
// on the goroutine that applied it.
type DocumentStore struct {
	// held from the write through the subscriber calls
	// so that subscribers see mutations in store order
	dispatchLock sync.Mutex

	stateLock sync.Mutex
	// document name -> field id -> value
	documents map[string]map[string]*structpb.Value

	mutationCallbacks *CallbackList[MutationFunction]
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		documents:         map[string]map[string]*structpb.Value{},
		mutationCallbacks: NewCallbackList[MutationFunction](),
	}
}

func (self *DocumentStore) Subscribe(callback MutationFunction) func() {
	callbackId := self.mutationCallbacks.Add(callback)
	return func() {
		self.mutationCallbacks.Remove(callbackId)
	}
}

// SetValue applies a local edit
func (self *DocumentStore) SetValue(documentName string, payload *Payload) error {
	return self.Dispatch(SetValueMutationType(documentName), payload)
}

func (self *DocumentStore) Dispatch(mutationType string, payload *Payload) error {
	documentName, ok := parseSetValueMutationType(mutationType)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownMutation, mutationType)
	}
	if payload == nil || payload.FieldId == "" {
		return fmt.Errorf("%s requires a field", mutationType)
	}

	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		fields, ok := self.documents[documentName]
		if !ok {
			fields = map[string]*structpb.Value{}
			self.documents[documentName] = fields
		}
		fields[payload.FieldId] = CloneValue(nullIfNil(payload.Value))
	}()

	glog.V(2).Infof("[store]%s %s\n", mutationType, payload)

	mutation := &Mutation{
		Type:    mutationType,
		Payload: payload,
	}
	for _, callback := range self.mutationCallbacks.Get() {
		HandleError(func() {
			callback(mutation)
		})
	}
	return nil
}

func (self *DocumentStore) Value(documentName string, fieldId string) (*structpb.Value, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.documents[documentName][fieldId]
	if !ok {
		return nil, false
	}
	return CloneValue(value), true
}

// Values returns a copy of the document as plain go values
func (self *DocumentStore) Values(documentName string) map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	values := map[string]any{}
	for fieldId, value := range self.documents[documentName] {
		values[fieldId] = value.AsInterface()
	}
	return values
}

func (self *DocumentStore) FieldIds(documentName string) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fieldIds := maps.Keys(self.documents[documentName])
	slices.Sort(fieldIds)
	return fieldIds
}

func parseSetValueMutationType(mutationType string) (string, bool) {
	documentName, ok := strings.CutPrefix(mutationType, "publish/")
	if !ok {
		return "", false
	}
	documentName, ok = strings.CutSuffix(documentName, "/setValue")
	if !ok || documentName == "" {
		return "", false
	}
	return documentName, true
}

package fieldsync

import (
	"github.com/golang/glog"
)

// Notifier is the fire and forget user facing surface for presence messages.
type Notifier interface {
	Success(message string)
}

type NotifyFunction func(message string)

func (self NotifyFunction) Success(message string) {
	self(message)
}

type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (self *LogNotifier) Success(message string) {
	glog.Infof("[notify]%s\n", message)
}

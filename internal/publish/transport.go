package publish

import (
	"context"
	"strings"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
)

const (
	defaultNetworkTimeout = 30 * time.Second
	backlogRetryInterval  = 3 * time.Second
)

// overridden in tests
var afterRetry = func() <-chan time.Time { return time.After(backlogRetryInterval) }

type CommandCallback func(payload []byte) bool

// Transporter moves bytes. Send returns false when delivery is not confirmed.
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, c config.Publish, onCommand CommandCallback) error
	Send(topic string, payload []byte) bool
	Close()
}

func joinTopic(prefix, topic, sep string) string {
	if prefix == "" {
		return topic
	}
	return strings.TrimSuffix(prefix, sep) + sep + topic
}

// transportLog only logs, useful on bench without broker.
type transportLog struct {
	log *log2.Log
}

func (self *transportLog) Init(ctx context.Context, log *log2.Log, c config.Publish, onCommand CommandCallback) error {
	self.log = log
	return nil
}

func (self *transportLog) Send(topic string, payload []byte) bool {
	self.log.Infof("publish topic=%s payload=%s", topic, payload)
	return true
}

func (self *transportLog) Close() {}

package publish

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
)

type Message struct {
	Topic string
	Value map[string]interface{}
}

// MockTransport records sent payloads. Set Down to simulate broker outage.
type MockTransport struct {
	mu        sync.Mutex
	Down      bool
	Sent      chan Message
	onCommand CommandCallback
}

func NewMockTransport(buffer int) *MockTransport {
	return &MockTransport{Sent: make(chan Message, buffer)}
}

func (self *MockTransport) Init(ctx context.Context, log *log2.Log, c config.Publish, onCommand CommandCallback) error {
	self.onCommand = onCommand
	return nil
}

func (self *MockTransport) SetDown(down bool) {
	self.mu.Lock()
	self.Down = down
	self.mu.Unlock()
}

func (self *MockTransport) Send(topic string, payload []byte) bool {
	self.mu.Lock()
	down := self.Down
	self.mu.Unlock()
	if down {
		return false
	}
	m := Message{Topic: topic}
	if err := json.Unmarshal(payload, &m.Value); err != nil {
		panic("code error mock transport payload not json: " + err.Error())
	}
	self.Sent <- m
	return true
}

// Command simulates backend command delivery.
func (self *MockTransport) Command(payload []byte) bool { return self.onCommand(payload) }

func (self *MockTransport) Close() {}

// Mock is in-memory Publisher for gateway tests.
type Mock struct {
	mu       sync.Mutex
	messages []Message
	errors   []Message
	commands chan SendRequest
}

func NewMock() *Mock { return &Mock{commands: make(chan SendRequest, 16)} }

func (self *Mock) Publish(topic string, value map[string]interface{}) error {
	self.mu.Lock()
	self.messages = append(self.messages, Message{Topic: topic, Value: value})
	self.mu.Unlock()
	return nil
}

func (self *Mock) Error(sender string, err error, raw string) {
	self.mu.Lock()
	self.errors = append(self.errors, Message{Topic: "errors", Value: map[string]interface{}{
		"id": sender, "error": err.Error(), "raw": raw,
	}})
	self.mu.Unlock()
}

func (self *Mock) Commands() <-chan SendRequest { return self.commands }
func (self *Mock) Command(r SendRequest)        { self.commands <- r }
func (self *Mock) Close()                       {}

func (self *Mock) Messages() []Message {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Message(nil), self.messages...)
}

func (self *Mock) Errors() []Message {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Message(nil), self.errors...)
}

// Topic returns values published to topic, in order.
func (self *Mock) Topic(topic string) []map[string]interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	var vs []map[string]interface{}
	for _, m := range self.messages {
		if m.Topic == topic {
			vs = append(vs, m.Value)
		}
	}
	return vs
}

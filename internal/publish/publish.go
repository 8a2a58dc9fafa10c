// Package publish delivers decoded messages to backend and receives
// send requests from it.
//
// Publish contract:
// - New() fails only with invalid config, network issues are retried in background
// - Publish() never waits for network, it blocks at most for disk write when backlog is enabled
// - without backlog, messages wait in bounded memory outbox, Publish() fails when it is full
// - Close() stops background delivery, undelivered backlog stays on disk,
//   outbox remainder gets one delivery attempt
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/codec"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

type Publisher interface {
	Publish(topic string, value map[string]interface{}) error
	// Error reports per-message failure to backend error topic.
	Error(sender string, err error, raw string)
	Commands() <-chan SendRequest
	Close()
}

// SendRequest asks gateway to write Text to node Address ("" = broadcast).
type SendRequest struct {
	Address string `json:"address"`
	Text    string `json:"text"`
}

// Dest resolves Address into 16 bit node address.
func (r SendRequest) Dest() (uint16, error) {
	if r.Address == "" {
		return codec.Broadcast, nil
	}
	return codec.ParseAddress(r.Address)
}

// ParseCommand accepts JSON {"address":"0015","text":"..."} or plain text broadcast.
func ParseCommand(payload []byte) (SendRequest, error) {
	var r SendRequest
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return r, errors.NotValidf("command payload=empty")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return r, errors.Annotate(err, "command json")
		}
	} else {
		r.Text = string(trimmed)
	}
	r.Address = strings.TrimSpace(r.Address)
	if r.Text == "" {
		return r, errors.NotValidf("command text=empty")
	}
	if _, err := r.Dest(); err != nil {
		return r, errors.Trace(err)
	}
	return r, nil
}

const outboxSize = 256

type outboxItem struct {
	topic   string
	payload []byte
}

type Stat struct {
	Published uint64
	Failed    uint64
	Commands  uint64
}

type Publish struct {
	log       *log2.Log
	config    config.Publish
	transport Transporter
	q         *spq.Queue
	outbox    chan outboxItem
	alive     *alive.Alive
	commands  chan SendRequest
	stat      Stat
}

func New(ctx context.Context, log *log2.Log, c config.Publish) (*Publish, error) {
	var t Transporter
	switch c.Backend {
	case config.BackendMQTT, "":
		t = &transportMqtt{}
	case config.BackendNATS:
		t = &transportNats{}
	case config.BackendLog:
		t = &transportLog{}
	default:
		return nil, errors.NotValidf("publish backend=%s", c.Backend)
	}
	return NewTransport(ctx, log, c, t)
}

// NewTransport is New with explicit transport, test code uses MockTransport.
func NewTransport(ctx context.Context, log *log2.Log, c config.Publish, t Transporter) (*Publish, error) {
	self := &Publish{
		log:       log.Clone(log2.LInfo),
		config:    c,
		transport: t,
		alive:     alive.NewAlive(),
		commands:  make(chan SendRequest, 16),
	}
	if c.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	if c.BacklogPath != "" {
		var err error
		self.q, err = spq.Open(c.BacklogPath)
		if err != nil {
			return nil, errors.Annotate(err, "publish backlog")
		}
	}
	if err := t.Init(ctx, self.log, c, self.onCommand); err != nil {
		if self.q != nil {
			self.q.Close()
		}
		return nil, errors.Annotate(err, "publish transport")
	}
	self.alive.Add(1)
	if self.q != nil {
		go self.qworker()
	} else {
		self.outbox = make(chan outboxItem, outboxSize)
		go self.oworker()
	}
	return self, nil
}

func (self *Publish) Commands() <-chan SendRequest { return self.commands }

func (self *Publish) Stat() Stat {
	return Stat{
		Published: atomic.LoadUint64(&self.stat.Published),
		Failed:    atomic.LoadUint64(&self.stat.Failed),
		Commands:  atomic.LoadUint64(&self.stat.Commands),
	}
}

func (self *Publish) Close() {
	self.alive.Stop()
	if self.q != nil {
		self.q.Close()
	}
	self.alive.Wait()
	self.transport.Close()
}

func (self *Publish) Publish(topic string, value map[string]interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Annotatef(err, "publish topic=%s", topic)
	}
	if self.q != nil {
		return errors.Annotatef(self.qpush(topic, payload), "publish backlog topic=%s", topic)
	}
	select {
	case self.outbox <- outboxItem{topic: topic, payload: payload}:
		return nil
	default:
		atomic.AddUint64(&self.stat.Failed, 1)
		return errors.Errorf("publish topic=%s outbox full", topic)
	}
}

func (self *Publish) Error(sender string, err error, raw string) {
	value := map[string]interface{}{
		"error": err.Error(),
		"raw":   raw,
	}
	if sender != "" {
		value["id"] = sender
	}
	if perr := self.Publish(self.config.ErrorTopic, value); perr != nil {
		self.log.Debugf("publish error report err=%v", perr)
	}
}

func (self *Publish) onCommand(payload []byte) bool {
	r, err := ParseCommand(payload)
	if err != nil {
		self.log.Errorf("publish command payload=%q err=%v", payload, err)
		return true // retry will not help
	}
	atomic.AddUint64(&self.stat.Commands, 1)
	select {
	case self.commands <- r:
		return true
	case <-self.alive.StopChan():
		return false
	}
}

// Backlog box: string topic, bytes payload.
func (self *Publish) qpush(topic string, payload []byte) error {
	buf := proto.NewBuffer(make([]byte, 0, len(topic)+len(payload)+8))
	if err := buf.EncodeStringBytes(topic); err != nil {
		return err
	}
	if err := buf.EncodeRawBytes(payload); err != nil {
		return err
	}
	return self.q.Push(buf.Bytes())
}

func unbox(b []byte) (string, []byte, error) {
	buf := proto.NewBuffer(b)
	topic, err := buf.DecodeStringBytes()
	if err != nil {
		return "", nil, errors.Annotate(err, "backlog topic")
	}
	payload, err := buf.DecodeRawBytes(true)
	if err != nil {
		return "", nil, errors.Annotate(err, "backlog payload")
	}
	return topic, payload, nil
}

func (self *Publish) qworker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			// success path
			b := box.Bytes()
			if self.qhandle(b) {
				err = self.q.Delete(box)
				if err != nil {
					self.log.Errorf("publish backlog Delete b=%x err=%v", b, err)
				}
			} else {
				// send failed, move to tail so one stuck message does not block others
				if err = self.q.DeletePush(box); err != nil {
					self.log.Errorf("publish backlog DeletePush err=%v", err)
				}
				select {
				case <-self.alive.StopChan():
					return
				case <-afterRetry():
				}
			}

		case spq.ErrClosed:
			select {
			case <-self.alive.StopChan(): // success path
			default:
				self.log.Errorf("CRITICAL publish spq closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL publish spq err=%v", err)
			select {
			case <-self.alive.StopChan():
				return
			case <-afterRetry():
			}
		}
	}
}

func (self *Publish) oworker() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		select {
		case item := <-self.outbox:
			self.send(item.topic, item.payload)
		case <-stopch:
			for {
				select {
				case item := <-self.outbox:
					self.send(item.topic, item.payload)
				default:
					return
				}
			}
		}
	}
}

func (self *Publish) send(topic string, payload []byte) bool {
	if self.transport.Send(topic, payload) {
		atomic.AddUint64(&self.stat.Published, 1)
		return true
	}
	atomic.AddUint64(&self.stat.Failed, 1)
	self.log.Debugf("publish topic=%s not delivered", topic)
	return false
}

// qhandle returns true when box should be deleted.
func (self *Publish) qhandle(b []byte) bool {
	topic, payload, err := unbox(b)
	if err != nil {
		self.log.Errorf("publish backlog b=%x err=%v", b, err)
		return true // retry will not help
	}
	return self.send(topic, payload)
}

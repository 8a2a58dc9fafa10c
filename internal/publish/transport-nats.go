package publish

import (
	"context"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
	"github.com/nats-io/nats.go"
)

type transportNats struct {
	log    *log2.Log
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
}

func (self *transportNats) Init(ctx context.Context, log *log2.Log, c config.Publish, onCommand CommandCallback) error {
	self.log = log
	self.prefix = c.TopicPrefix
	opts := []nats.Option{
		nats.Name(c.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(defaultNetworkTimeout),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			self.log.Errorf("nats disconnected err=%v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			self.log.Infof("nats reconnected url=%s", nc.ConnectedUrl())
		}),
	}
	if c.Username != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	if c.TLSCAFile != "" {
		opts = append(opts, nats.RootCAs(c.TLSCAFile))
	}
	conn, err := nats.Connect(c.Broker, opts...)
	if err != nil {
		return errors.Annotatef(err, "nats connect url=%s", c.Broker)
	}
	self.conn = conn
	subject := joinTopic(c.TopicPrefix, c.CommandTopic, ".")
	self.sub, err = conn.Subscribe(subject, func(msg *nats.Msg) {
		onCommand(msg.Data)
	})
	if err != nil {
		conn.Close()
		return errors.Annotatef(err, "nats subscribe subject=%s", subject)
	}
	return nil
}

func (self *transportNats) Send(topic string, payload []byte) bool {
	subject := joinTopic(self.prefix, topic, ".")
	if err := self.conn.Publish(subject, payload); err != nil {
		self.log.Errorf("nats publish subject=%s err=%v", subject, err)
		return false
	}
	return true
}

func (self *transportNats) Close() {
	if self.conn == nil {
		return
	}
	if err := self.conn.Drain(); err != nil {
		self.log.Errorf("nats drain err=%v", err)
		self.conn.Close()
	}
}

package publish

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/helpers"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

type transportMqtt struct {
	log       *log2.Log
	onCommand CommandCallback
	m         mqtt.Client
	mopt      *mqtt.ClientOptions
	timeout   time.Duration

	prefix       string
	topicCommand string
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, c config.Publish, onCommand CommandCallback) error {
	self.log = log
	self.onCommand = onCommand
	mqttLog := log.Clone(log2.LDebug)
	mqttLog.SetPrefix("mqtt: ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if c.LogDebug {
		mqtt.DEBUG = mqttLog
	}

	self.prefix = c.TopicPrefix
	self.topicCommand = joinTopic(c.TopicPrefix, c.CommandTopic, "/")
	self.timeout = defaultNetworkTimeout
	keepalive := helpers.IntSecondDefault(c.KeepaliveSec, self.timeout)

	tlsconf := new(tls.Config)
	if c.TLSCAFile != "" {
		cabytes, err := ioutil.ReadFile(c.TLSCAFile)
		if err != nil {
			return errors.Annotatef(err, "mqtt tls_ca_file=%s", c.TLSCAFile)
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return errors.NotValidf("mqtt tls_ca_file=%s no certificates", c.TLSCAFile)
		}
	}
	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("unexpected mqtt message topic=%s", msg.Topic())
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(c.ClientID).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(self.timeout).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(self.timeout).
		SetOrderMatters(false).
		SetPingTimeout(self.timeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(self.timeout).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if c.Username != "" {
		self.mopt.SetUsername(c.Username).SetPassword(c.Password)
	}
	self.m = mqtt.NewClient(self.mopt)
	// with ConnectRetry token completes only on success, do not wait here
	_ = self.m.Connect()
	return nil
}

func (self *transportMqtt) Close() {
	self.log.Infof("mqtt disconnect")
	if self.m.IsConnected() {
		_ = self.tokenWait(self.m.Unsubscribe(self.topicCommand), "unsubscribe")
	}
	self.m.Disconnect(uint(time.Second / time.Millisecond))
}

func (self *transportMqtt) Send(topic string, payload []byte) bool {
	if !self.m.IsConnectionOpen() {
		return false
	}
	t := self.m.Publish(joinTopic(self.prefix, topic, "/"), 1, false, payload)
	return self.tokenWait(t, "publish "+topic) == nil
}

func (self *transportMqtt) mqttSubCommand(_ mqtt.Client, msg mqtt.Message) {
	if self.onCommand(msg.Payload()) {
		msg.Ack()
	}
}

func (self *transportMqtt) connectLostHandler(_ mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
}

func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connected")
	// handler runs in paho goroutine, blocking here delays other callbacks only
	if err := self.tokenWait(c.Subscribe(self.topicCommand, 1, self.mqttSubCommand), "subscribe "+self.topicCommand); err == nil {
		self.log.Debugf("mqtt subscribed topic=%s", self.topicCommand)
	}
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.timeout) {
		err := errors.Timeoutf("mqtt %s", tag)
		self.log.Errorf("%v", err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "mqtt %s", tag)
		self.log.Errorf("%v", err)
		return err
	}
	return nil
}

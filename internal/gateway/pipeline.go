package gateway

import (
	"sort"
	"strings"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/codec"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/message"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/outq"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/session"
	"github.com/juju/errors"
)

// handleFrame order is fixed: session start, data row, ping reply,
// session end, flushed session publish, other topics publish.
// Ping is answered before session end so node gets ack even when end fails.
func (self *Gateway) handleFrame(frame []byte) {
	text, err := self.frameText(frame)
	if err != nil {
		self.reportError("", err, string(frame))
		return
	}
	d, err := self.schema.Tokenize(text)
	if err != nil {
		self.metrics.IncLabel(self.metrics.DecodeErrors, decodeReason(err))
		self.reportError("", err, text)
		return
	}
	sender := d.Sender

	if d.SessionStart {
		self.sessions.Start(sender)
		self.log.Debugf("session start id=%s", sender)
	}
	// sensordata goes to accumulator while session is open or marker is present
	consumed := d.SessionStart || d.SessionEnd || self.sessions.Open(sender)
	if data := d.Topic(message.TopicSensorData); consumed && data != nil && self.sessions.HasData(data) {
		if err = self.sessions.Append(sender, data); err != nil {
			self.sessionError(sender, err, text)
		}
	}
	if d.Ping {
		self.pong(sender)
	}
	if d.SessionEnd {
		f, err := self.sessions.End(sender)
		if err != nil {
			self.sessionError(sender, err, text)
		} else {
			self.metrics.Inc(self.metrics.SessionsFlushed)
			self.log.Debugf("session end id=%s rows=%d", sender, f.Len())
			self.publish(self.sessions.Topic(), f.Payload())
		}
	}

	topics := make([]string, 0, len(d.Send))
	for t := range d.Send {
		if t == message.TopicSensorData && consumed {
			continue
		}
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		if v := d.Topic(t); v != nil {
			self.publish(t, v)
		}
	}
}

// frameText strips server mode address prefix and makes sure text carries sender id.
func (self *Gateway) frameText(frame []byte) (string, error) {
	if !self.server {
		return string(frame), nil
	}
	addr, rest, ok := codec.SplitAddress(frame)
	if !ok {
		return "", errors.NotValidf("frame=%x without address", frame)
	}
	text := string(rest)
	idName := self.schema.IdentityName()
	if !hasField(text, idName) {
		text = idName + ":" + codec.FormatAddress(addr) + "," + text
	}
	return text, nil
}

func hasField(text, name string) bool {
	for _, tok := range strings.Split(text, ",") {
		n := tok
		if i := strings.IndexByte(tok, ':'); i >= 0 {
			n = tok[:i]
		}
		if strings.Trim(n, " \x00") == name {
			return true
		}
	}
	return false
}

func (self *Gateway) pong(sender string) {
	dest, err := codec.ParseAddress(sender)
	if err != nil {
		self.log.Errorf("ping reply id=%s err=%v", sender, err)
		return
	}
	self.Enqueue(outq.Job{Dest: dest, Text: pongText})
}

func (self *Gateway) publish(topic string, value map[string]interface{}) {
	if err := self.pub.Publish(topic, value); err != nil {
		self.metrics.Inc(self.metrics.PublishFailures)
		self.log.Errorf("publish topic=%s err=%v", topic, err)
		return
	}
	self.metrics.IncLabel(self.metrics.Published, topic)
}

func (self *Gateway) sessionError(sender string, err error, raw string) {
	kind := "other"
	if e, ok := errors.Cause(err).(*session.Error); ok {
		switch e.Kind {
		case session.ErrNoSession:
			kind = "no_session"
		case session.ErrEmptySession:
			kind = "empty"
		case session.ErrCapacity:
			kind = "capacity"
		}
	}
	self.metrics.IncLabel(self.metrics.SessionErrors, kind)
	self.reportError(sender, err, raw)
}

// reportError is operator and backend visible, never stops the loop.
func (self *Gateway) reportError(sender string, err error, raw string) {
	self.log.Warnf("message id=%s raw=%q err=%v", sender, raw, err)
	self.pub.Error(sender, err, raw)
}

func decodeReason(err error) string {
	switch errors.Cause(err).(type) {
	case *message.UnknownFieldError:
		return "unknown_field"
	case *message.DecodeError:
		return "bad_value"
	}
	if errors.Cause(err) == message.ErrMissingID {
		return "missing_id"
	}
	return "other"
}

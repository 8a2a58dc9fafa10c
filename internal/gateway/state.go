package gateway

import (
	"time"

	"github.com/juju/errors"
)

type State int32

const (
	StateDiscovering State = iota
	StateAwaitingChallengeResponse
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateAwaitingChallengeResponse:
		return "awaiting-challenge-response"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "invalid"
}

var (
	ErrHandshakeTimeout = errors.New("challenge response timeout")
	ErrUnplugged        = errors.New("device unplugged")
)

// timer is one-shot time.Timer with nil channel while disarmed.
type timer struct{ t *time.Timer }

func (self *timer) C() <-chan time.Time {
	if self.t == nil {
		return nil
	}
	return self.t.C
}

func (self *timer) Armed() bool { return self.t != nil }

func (self *timer) Start(d time.Duration) {
	self.Stop()
	self.t = time.NewTimer(d)
}

func (self *timer) Stop() {
	if self.t != nil {
		self.t.Stop()
		self.t = nil
	}
}

type ticker struct{ t *time.Ticker }

func (self *ticker) C() <-chan time.Time {
	if self.t == nil {
		return nil
	}
	return self.t.C
}

func (self *ticker) Running() bool { return self.t != nil }

func (self *ticker) Start(d time.Duration) {
	self.Stop()
	self.t = time.NewTicker(d)
}

func (self *ticker) Stop() {
	if self.t != nil {
		self.t.Stop()
		self.t = nil
	}
}

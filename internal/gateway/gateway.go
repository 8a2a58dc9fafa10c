// Package gateway supervises the serial connection to SensorTag receiver
// and moves messages between it and the backend.
//
// Everything below Run() happens on one goroutine: discovery, frame
// processing, timers and outbound writes. Reader goroutine only turns
// blocking reads into events.
package gateway

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/helpers"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/helpers/atomic_clock"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/codec"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/discovery"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/message"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/metrics"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/outq"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/publish"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/serial"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/session"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	pongText = "pong"

	crashWarnLow  = 1.5
	crashWarnHigh = 2.5
)

type Options struct {
	Config    *config.Config
	Publisher publish.Publisher
	// Optional, defaults: system serial ports, unserved metrics, time.Now.
	Opener     serial.Opener
	Enumerator discovery.Enumerator
	Metrics    *metrics.Metrics
	Now        func() time.Time
	// Manual device selection lines, used when discovery.manual = true.
	ManualInput <-chan string
}

type connection struct {
	gen    uint64
	cand   discovery.Candidate
	port   serial.Port
	reader codec.FrameReader
	done   chan struct{}
}

type event struct {
	gen   uint64
	frame []byte
	err   error
}

type Gateway struct {
	log     *log2.Log
	config  *config.Config
	server  bool
	schema  *message.Schema
	disco   *discovery.Discovery
	opener  serial.Opener
	pub     publish.Publisher
	outq    *outq.Queue
	metrics *metrics.Metrics
	now     func() time.Time
	manual  <-chan string
	alive   *alive.Alive
	events  chan event

	// owned by Run goroutine
	sessions  *session.Accumulator
	conn      *connection
	gen       uint64
	backoff   helpers.Backoff
	challenge timer
	settle    timer
	heartbeat ticker
	prompted  bool

	state    int32 // State
	lastSeen atomic_clock.Clock
}

func New(log *log2.Log, opt Options) (*Gateway, error) {
	c := opt.Config
	if c == nil {
		return nil, errors.NotValidf("gateway config=nil")
	}
	if opt.Publisher == nil {
		return nil, errors.NotValidf("gateway publisher=nil")
	}
	fields, err := c.SchemaFields()
	if err != nil {
		return nil, errors.Annotate(err, "gateway schema")
	}
	schema, err := message.NewSchema(fields)
	if err != nil {
		return nil, errors.Annotate(err, "gateway schema")
	}
	disco, err := discovery.New(log, c.Discovery, opt.Enumerator)
	if err != nil {
		return nil, errors.Trace(err)
	}
	self := &Gateway{
		log:     log,
		config:  c,
		server:  c.Serial.Server(),
		schema:  schema,
		disco:   disco,
		opener:  opt.Opener,
		pub:     opt.Publisher,
		metrics: opt.Metrics,
		now:     opt.Now,
		manual:  opt.ManualInput,
		alive:   alive.NewAlive(),
		events:  make(chan event, 16),
		backoff: helpers.Backoff{
			Min: c.Discovery.Poll(),
			Max: 30 * time.Second,
			K:   2,
		},
	}
	if self.opener == nil {
		self.opener = serial.NewOpener(c.Serial)
	}
	if self.now == nil {
		self.now = time.Now
	}
	if self.metrics == nil {
		// unregistered, counts go nowhere
		self.metrics = metrics.New()
	}
	self.outq = outq.New(self.server, c.Serial.BufferSize, outq.ReporterFunc(self.report))
	self.sessions = session.New(c.Session, self.now)
	return self, nil
}

func (self *Gateway) State() State { return State(atomic.LoadInt32(&self.state)) }

func (self *Gateway) setState(s State) {
	old := State(atomic.SwapInt32(&self.state, int32(s)))
	if old != s {
		self.log.Debugf("gateway state %s -> %s", old, s)
	}
	self.metrics.Set(self.metrics.State, float64(s))
}

func (self *Gateway) Discovery() *discovery.Discovery { return self.disco }
func (self *Gateway) Schema() *message.Schema         { return self.schema }

// Enqueue is safe from any goroutine.
func (self *Gateway) Enqueue(job outq.Job) *outq.Job {
	j := self.outq.Enqueue(job)
	self.metrics.Set(self.metrics.QueueLength, float64(self.outq.Len()))
	return j
}

// Run blocks until ctx is done. Returns nil on normal stop.
func (self *Gateway) Run(ctx context.Context) error {
	gc := &self.config.Gateway
	poll := time.NewTicker(self.config.Discovery.Poll())
	defer poll.Stop()
	pace := time.NewTicker(gc.Pace())
	defer pace.Stop()
	defer func() {
		self.alive.Stop()
		self.teardown()
		self.alive.Wait()
	}()

	self.log.Infof("gateway start mode=%s framing=%s", self.config.Serial.Mode, self.config.Serial.Framing)
	self.onPoll()
	for {
		select {
		case <-ctx.Done():
			self.log.Infof("gateway stop")
			return nil

		case <-poll.C:
			self.onPoll()

		case line, ok := <-self.manual:
			if !ok {
				self.manual = nil
				continue
			}
			self.onManualLine(line)

		case ev := <-self.events:
			self.onEvent(ev)

		case <-self.challenge.C():
			self.challenge.Stop()
			self.onChallengeTimeout()

		case <-self.heartbeat.C():
			self.onHeartbeat()

		case <-pace.C:
			self.onPace()

		case r := <-self.pub.Commands():
			self.onCommand(r)

		case <-self.settle.C():
			self.settle.Stop()
			self.onSettled()
		}
	}
}

func (self *Gateway) onPoll() {
	changes, err := self.disco.Poll()
	if err != nil {
		self.log.Errorf("gateway discovery err=%v", err)
		return
	}
	self.metrics.Add(self.metrics.PortsArrived, len(changes.Arrived))
	self.metrics.Add(self.metrics.PortsDeparted, len(changes.Departed))
	for _, p := range changes.Arrived {
		self.log.Infof("serial device arrived %s allowed=%t", p, self.disco.Allowed(p.HardwareID))
	}
	for _, p := range changes.Departed {
		self.log.Infof("serial device departed %s", p)
	}

	switch self.State() {
	case StateAwaitingChallengeResponse, StateConnected:
		// serial layer may report unplug late or never, also catch another device on same path
		if cur, ok := self.disco.Lookup(self.conn.cand.Path); !ok || cur.HardwareID != self.conn.cand.HardwareID {
			self.closeConn(errors.Annotatef(ErrUnplugged, "path=%s", self.conn.cand.Path))
		}
		return
	case StateClosing:
		return
	}

	if self.disco.Manual() {
		if !self.prompted || !changes.Empty() {
			self.log.Infof("%s", self.disco.Prompt())
			self.prompted = true
		}
		return
	}
	if self.backoff.DelayBefore() > 0 {
		return
	}
	cand, ok := self.disco.Next()
	if !ok {
		return
	}
	self.connect(cand)
}

func (self *Gateway) onManualLine(line string) {
	if !self.disco.Manual() || self.State() != StateDiscovering {
		self.log.Debugf("gateway ignore input line=%q state=%s", line, self.State())
		return
	}
	cand, err := self.disco.Select(line)
	if err != nil {
		self.log.Warnf("%v", err)
		self.log.Infof("%s", self.disco.Prompt())
		return
	}
	self.connect(cand)
}

func (self *Gateway) connect(cand discovery.Candidate) {
	sc := &self.config.Serial
	self.log.Infof("serial open %s tries=%d", cand.Port, cand.Tries)
	port, err := self.opener.Open(cand.Path)
	if err != nil {
		self.backoff.Failure()
		self.log.Errorf("serial open path=%s err=%v retry_in=%v", cand.Path, err, self.backoff.Next())
		return
	}
	reader, err := codec.NewFrameReader(port, codec.Framing(sc.Framing), sc.FrameLength)
	if err != nil {
		port.Close()
		self.log.Errorf("gateway framing err=%v", errors.ErrorStack(err))
		return
	}
	self.backoff.Reset()
	self.gen++
	self.conn = &connection{
		gen:    self.gen,
		cand:   cand,
		port:   port,
		reader: reader,
		done:   make(chan struct{}),
	}
	self.lastSeen.Reset()
	if self.alive.Add(1) {
		go self.readLoop(self.conn)
	}

	if !self.server {
		self.live()
		return
	}
	identify := codec.PackRaw(codec.ControlFrame(codec.CmdIdentify, []byte(self.config.Gateway.IdentifyText)), sc.BufferSize)
	if err = helpers.WriteAll(port, identify); err != nil {
		self.metrics.Inc(self.metrics.OutboundFailures)
		self.closeConn(errors.Annotate(err, "identify write"))
		return
	}
	self.setState(StateAwaitingChallengeResponse)
	self.challenge.Start(self.config.Gateway.ChallengeTimeout())
}

func (self *Gateway) readLoop(c *connection) {
	defer self.alive.Done()
	for {
		frame, err := c.reader.ReadFrame()
		ev := event{gen: c.gen, frame: frame, err: err}
		if err == nil {
			ev.frame = append([]byte(nil), frame...)
		}
		select {
		case self.events <- ev:
		case <-c.done:
			return
		}
		if err != nil && !errors.IsNotValid(err) {
			return
		}
	}
}

func (self *Gateway) onEvent(ev event) {
	if self.conn == nil || ev.gen != self.conn.gen || self.State() == StateClosing {
		// late event of torn down connection, new discovery cycle owns state
		return
	}
	if ev.err != nil && errors.IsNotValid(ev.err) {
		// reader already skipped to next terminator
		self.metrics.IncLabel(self.metrics.DecodeErrors, "frame")
		self.reportError("", ev.err, "")
		return
	}
	if ev.err != nil {
		if ev.err == io.EOF {
			ev.err = errors.Annotate(ev.err, "serial closed")
		}
		self.closeConn(ev.err)
		return
	}
	self.lastSeen.SetTime(self.now())
	self.metrics.Inc(self.metrics.FramesReceived)
	self.onFrame(ev.frame)
}

func (self *Gateway) onFrame(frame []byte) {
	if payload, ok := self.challengeResponse(frame); ok {
		if self.State() == StateAwaitingChallengeResponse {
			self.challenge.Stop()
			self.log.Infof("serial challenge response path=%s text=%q", self.conn.cand.Path, payload)
			self.disco.ClearBlacklist()
			self.live()
		} else {
			self.log.Debugf("gateway ignore repeated challenge response")
		}
		return
	}
	if self.State() != StateConnected {
		self.log.Debugf("gateway ignore frame before handshake frame=%x", frame)
		return
	}
	self.handleFrame(frame)
}

func (self *Gateway) challengeResponse(frame []byte) ([]byte, bool) {
	if p, ok := codec.IsChallengeResponse(frame); ok {
		return p, true
	}
	if self.server {
		if _, rest, ok := codec.SplitAddress(frame); ok {
			return codec.IsChallengeResponse(rest)
		}
	}
	return nil, false
}

// live starts staleness accounting too, silent device must trigger crash warning.
func (self *Gateway) live() {
	self.lastSeen.SetTime(self.now())
	self.setState(StateConnected)
	self.heartbeat.Start(self.config.Gateway.Heartbeat())
	self.log.Infof("serial connected path=%s", self.conn.cand.Path)
}

func (self *Gateway) onChallengeTimeout() {
	if self.State() != StateAwaitingChallengeResponse || self.conn == nil {
		return
	}
	hwid := self.conn.cand.HardwareID
	self.metrics.Inc(self.metrics.HandshakeTimeouts)
	self.disco.Blacklist(hwid)
	self.closeConn(errors.Annotatef(ErrHandshakeTimeout, "path=%s", self.conn.cand.Path))
}

func (self *Gateway) onHeartbeat() {
	if self.State() != StateConnected {
		return
	}
	interval := self.config.Gateway.Heartbeat()
	since := self.now().Sub(self.lastSeen.Time())
	if since > time.Duration(crashWarnLow*float64(interval)) && since < time.Duration(crashWarnHigh*float64(interval)) {
		self.log.Warnf("serial no data for %v, possible crash", since.Truncate(time.Second))
	}
	self.Enqueue(outq.Job{Control: codec.CmdHeartbeat})
}

func (self *Gateway) onPace() {
	var w io.Writer
	if self.State() == StateConnected {
		w = self.conn.port
	}
	job, err := self.outq.Tick(w)
	if job == nil {
		return
	}
	self.metrics.Set(self.metrics.QueueLength, float64(self.outq.Len()))
	if err != nil {
		self.metrics.Inc(self.metrics.OutboundFailures)
		self.closeConn(err)
		return
	}
	self.metrics.Inc(self.metrics.OutboundWrites)
}

func (self *Gateway) onCommand(r publish.SendRequest) {
	dest, err := r.Dest()
	if err != nil {
		self.log.Errorf("gateway command address=%q err=%v", r.Address, err)
		return
	}
	self.Enqueue(outq.Job{Dest: dest, Text: r.Text, Report: true})
}

// report is outbound completion display.
func (self *Gateway) report(job *outq.Job, err error) {
	to := codec.FormatAddress(job.Dest)
	if err != nil {
		self.log.Errorf("send to=%s text=%q duplicates=%d err=%v", to, job.Text, job.Duplicates, err)
		return
	}
	self.log.Infof("sent to=%s text=%q duplicates=%d", to, job.Text, job.Duplicates)
}

// closeConn closes transport immediately, teardown completes after settle delay.
func (self *Gateway) closeConn(reason error) {
	if self.conn == nil || self.State() == StateClosing {
		return
	}
	self.log.Errorf("serial close path=%s reason=%v", self.conn.cand.Path, reason)
	self.metrics.Inc(self.metrics.Reconnects)
	self.setState(StateClosing)
	self.challenge.Stop()
	self.heartbeat.Stop()
	self.closePort()
	self.settle.Start(self.config.Gateway.Settle())
}

func (self *Gateway) closePort() {
	if self.conn == nil {
		return
	}
	select {
	case <-self.conn.done:
	default:
		close(self.conn.done)
	}
	if err := self.conn.port.Close(); err != nil {
		self.log.Debugf("serial close err=%v", err)
	}
}

func (self *Gateway) onSettled() {
	if self.State() != StateClosing {
		return
	}
	self.teardown()
	self.onPoll()
}

// teardown resets per-connection state. Blacklist counters and
// queued outbound jobs survive.
func (self *Gateway) teardown() {
	self.challenge.Stop()
	self.heartbeat.Stop()
	self.settle.Stop()
	self.closePort()
	self.conn = nil
	self.sessions = session.New(self.config.Session, self.now)
	self.lastSeen.Reset()
	self.prompted = false
	self.setState(StateDiscovering)
}

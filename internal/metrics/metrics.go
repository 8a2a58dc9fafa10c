// Package metrics exposes gateway counters to prometheus.
// Nil *Metrics is valid and counts nothing.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensortag_gateway"

type Metrics struct {
	Registry *prometheus.Registry

	FramesReceived    prometheus.Counter
	DecodeErrors      *prometheus.CounterVec
	SessionErrors     *prometheus.CounterVec
	SessionsFlushed   prometheus.Counter
	Published         *prometheus.CounterVec
	PublishFailures   prometheus.Counter
	OutboundWrites    prometheus.Counter
	OutboundFailures  prometheus.Counter
	HandshakeTimeouts prometheus.Counter
	Reconnects        prometheus.Counter
	PortsArrived      prometheus.Counter
	PortsDeparted     prometheus.Counter
	QueueLength       prometheus.Gauge
	State             prometheus.Gauge
}

func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	self := &Metrics{
		Registry:       prometheus.NewRegistry(),
		FramesReceived: counter("frames_received_total", "Frames read from serial port."),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames rejected by tokenizer, by reason.",
		}, []string{"reason"}),
		SessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session accumulator rejections, by kind.",
		}, []string{"kind"}),
		SessionsFlushed: counter("sessions_flushed_total", "Completed sessions handed to publisher."),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages handed to publisher, by topic.",
		}, []string{"topic"}),
		PublishFailures:   counter("publish_failures_total", "Publisher returned error."),
		OutboundWrites:    counter("outbound_writes_total", "Jobs written to serial port."),
		OutboundFailures:  counter("outbound_failures_total", "Serial port write errors."),
		HandshakeTimeouts: counter("handshake_timeouts_total", "Challenge responses not received in time."),
		Reconnects:        counter("reconnects_total", "Serial connections torn down."),
		PortsArrived:      counter("ports_arrived_total", "Serial devices appeared."),
		PortsDeparted:     counter("ports_departed_total", "Serial devices disappeared."),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_length",
			Help:      "Jobs waiting for pacing tick.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Connection state: 0 discovering, 1 awaiting challenge response, 2 connected, 3 closing.",
		}),
	}
	self.Registry.MustRegister(
		self.FramesReceived, self.DecodeErrors, self.SessionErrors, self.SessionsFlushed,
		self.Published, self.PublishFailures, self.OutboundWrites, self.OutboundFailures,
		self.HandshakeTimeouts, self.Reconnects, self.PortsArrived, self.PortsDeparted,
		self.QueueLength, self.State,
	)
	return self
}

func (self *Metrics) Inc(c prometheus.Counter) {
	if self != nil && c != nil {
		c.Inc()
	}
}

func (self *Metrics) Add(c prometheus.Counter, n int) {
	if self != nil && c != nil && n > 0 {
		c.Add(float64(n))
	}
}

func (self *Metrics) IncLabel(v *prometheus.CounterVec, label string) {
	if self != nil && v != nil {
		v.WithLabelValues(label).Inc()
	}
}

func (self *Metrics) Set(g prometheus.Gauge, x float64) {
	if self != nil && g != nil {
		g.Set(x)
	}
}

// Serve blocks until ctx is done.
func (self *Metrics) Serve(ctx context.Context, log *log2.Log, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(self.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "metrics listen=%s", listen)
	}
	log.Infof("metrics listen=%s", ln.Addr())
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err = srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Annotate(err, "metrics serve")
	}
	return nil
}

package reactor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/legamerdc/reactor/poller"
)

// Stats is a point-in-time snapshot of a reactor's counters.
type Stats struct {
	Active        int64  // open connection channels
	Accepted      uint64 // connections accepted
	Closed        uint64 // connection channels closed
	Refused       uint64 // accepted connections the factory gave no handler
	PollCycles    uint64
	HandlerErrors uint64 // errors and panics routed to OnError
	Dropped       uint64 // events for descriptors with no live channel

	AcceptEvents   uint64
	ReadableEvents uint64
	WritableEvents uint64
	ErrorEvents    uint64
	HangupEvents   uint64

	AcceptTemporary uint64 // EINTR, ECONNABORTED and friends
	AcceptExhausted uint64 // EMFILE, ENFILE, ENOBUFS, ENOMEM
	AcceptFatal     uint64
}

type counters struct {
	active        atomic.Int64
	accepted      atomic.Uint64
	closed        atomic.Uint64
	refused       atomic.Uint64
	cycles        atomic.Uint64
	handlerErrors atomic.Uint64
	dropped       atomic.Uint64

	acceptEvents   atomic.Uint64
	readableEvents atomic.Uint64
	writableEvents atomic.Uint64
	errorEvents    atomic.Uint64
	hangupEvents   atomic.Uint64

	acceptTemporary atomic.Uint64
	acceptExhausted atomic.Uint64
	acceptFatal     atomic.Uint64
}

func (c *counters) event(m poller.Mask) {
	if m.Has(poller.Accept) {
		c.acceptEvents.Add(1)
	}
	if m.Has(poller.Readable) {
		c.readableEvents.Add(1)
	}
	if m.Has(poller.Writable) {
		c.writableEvents.Add(1)
	}
	if m.Has(poller.Errored) {
		c.errorEvents.Add(1)
	}
	if m.Has(poller.HungUp) {
		c.hangupEvents.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Active:          c.active.Load(),
		Accepted:        c.accepted.Load(),
		Closed:          c.closed.Load(),
		Refused:         c.refused.Load(),
		PollCycles:      c.cycles.Load(),
		HandlerErrors:   c.handlerErrors.Load(),
		Dropped:         c.dropped.Load(),
		AcceptEvents:    c.acceptEvents.Load(),
		ReadableEvents:  c.readableEvents.Load(),
		WritableEvents:  c.writableEvents.Load(),
		ErrorEvents:     c.errorEvents.Load(),
		HangupEvents:    c.hangupEvents.Load(),
		AcceptTemporary: c.acceptTemporary.Load(),
		AcceptExhausted: c.acceptExhausted.Load(),
		AcceptFatal:     c.acceptFatal.Load(),
	}
}

// collector exposes counters to prometheus. Values are read at scrape time,
// so the loop goroutine only ever touches atomics.
type collector struct {
	c *counters

	active        *prometheus.Desc
	accepted      *prometheus.Desc
	closed        *prometheus.Desc
	refused       *prometheus.Desc
	cycles        *prometheus.Desc
	handlerErrors *prometheus.Desc
	dropped       *prometheus.Desc
	events        *prometheus.Desc
	acceptErrors  *prometheus.Desc
}

func newCollector(name string, c *counters) *collector {
	labels := prometheus.Labels{"reactor": name}
	desc := func(metric, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("reactor", "", metric), help, variable, labels)
	}
	return &collector{
		c:             c,
		active:        desc("channels_active", "Open connection channels."),
		accepted:      desc("accepted_total", "Connections accepted."),
		closed:        desc("closed_total", "Connection channels closed."),
		refused:       desc("refused_total", "Accepted connections closed without a handler."),
		cycles:        desc("poll_cycles_total", "Completed poll cycles."),
		handlerErrors: desc("handler_errors_total", "Handler errors and panics routed to OnError."),
		dropped:       desc("dropped_events_total", "Ready events with no live channel."),
		events:        desc("events_total", "Dispatched readiness conditions.", "kind"),
		acceptErrors:  desc("accept_errors_total", "Failed accept calls.", "class"),
	}
}

func (x *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- x.active
	ch <- x.accepted
	ch <- x.closed
	ch <- x.refused
	ch <- x.cycles
	ch <- x.handlerErrors
	ch <- x.dropped
	ch <- x.events
	ch <- x.acceptErrors
}

func (x *collector) Collect(ch chan<- prometheus.Metric) {
	s := x.c.snapshot()
	counter := func(d *prometheus.Desc, v uint64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), lv...)
	}
	ch <- prometheus.MustNewConstMetric(x.active, prometheus.GaugeValue, float64(s.Active))
	counter(x.accepted, s.Accepted)
	counter(x.closed, s.Closed)
	counter(x.refused, s.Refused)
	counter(x.cycles, s.PollCycles)
	counter(x.handlerErrors, s.HandlerErrors)
	counter(x.dropped, s.Dropped)
	counter(x.events, s.AcceptEvents, "accept")
	counter(x.events, s.ReadableEvents, "readable")
	counter(x.events, s.WritableEvents, "writable")
	counter(x.events, s.ErrorEvents, "error")
	counter(x.events, s.HangupEvents, "hangup")
	counter(x.acceptErrors, s.AcceptTemporary, "temporary")
	counter(x.acceptErrors, s.AcceptExhausted, "exhausted")
	counter(x.acceptErrors, s.AcceptFatal, "fatal")
}

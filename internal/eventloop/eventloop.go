// Package eventloop implements the single-threaded cooperative dispatcher of
// C9: one queue of events (inbound HTTP requests, inbound AS/PCF/BSF HTTP
// responses, timer expiries, completion notifications) drained one at a
// time, each handled to completion before the next is dequeued. This is the
// only goroutine that touches the Provisioning store, AS-state nodes, or PCF
// sessions, so none of them need their own locks.
package eventloop

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
)

// Event is one unit of work posted to the loop.
type Event struct {
	// Kind labels the event for metrics/logging; it carries no dispatch
	// semantics of its own.
	Kind string
	Run  func()
}

// Loop is the C9 single-threaded scheduler.
type Loop struct {
	events chan Event

	stopChannel    chan struct{}
	stoppedChannel chan struct{}

	queueDepth prometheus.Gauge

	mu      sync.Mutex
	running bool
}

// New builds a Loop with the given queue capacity.
func New(queueCapacity int) *Loop {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	return &Loop{
		events:         make(chan Event, queueCapacity),
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dccfaf",
			Subsystem: "eventloop",
			Name:      "queue_depth",
			Help:      "Number of events currently queued for the event loop.",
		}),
	}
}

// Collector exposes the queue-depth gauge for registration with a Prometheus
// registry.
func (l *Loop) Collector() prometheus.Collector {
	return l.queueDepth
}

// Post enqueues an event. It never blocks the caller beyond the queue's
// capacity; callers on the HTTP accept path should treat a full queue as a
// backpressure signal.
func (l *Loop) Post(kind string, run func()) {
	l.queueDepth.Inc()
	l.events <- Event{Kind: kind, Run: run}
}

// PostAfter schedules run to be posted as a timer-expiry event after d.
func (l *Loop) PostAfter(kind string, d time.Duration, run func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Post(kind, run)
	})
}

// Run drains the queue until Stop is called. It is intended to be the only
// goroutine that executes FSM/store/AS-node mutations.
func (l *Loop) Run() {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	for {
		select {
		case ev := <-l.events:
			l.queueDepth.Dec()
			l.dispatch(ev)
		case <-l.stopChannel:
			close(l.stoppedChannel)
			return
		}
	}
}

func (l *Loop) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.EventLog.Errorf("event %q panicked: %v", ev.Kind, r)
		}
	}()
	ev.Run()
}

// Stop requests the loop to drain no further events and waits for Run to
// return.
func (l *Loop) Stop() {
	l.mu.Lock()
	running := l.running
	l.running = false
	l.mu.Unlock()
	if !running {
		return
	}
	close(l.stopChannel)
	<-l.stoppedChannel
}

package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber. Lines
	// are dropped for a subscriber that falls this far behind.
	subscriberBufferSize = 64

	// backlogSize is how many recent lines a new subscriber is replayed.
	// stress-ng prints its banner at start, long before anyone attaches.
	backlogSize = 16
)

var linesDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "contend_log_lines_dropped_total",
	Help: "Generator output lines dropped for slow stream subscribers.",
})

func init() {
	prometheus.MustRegister(linesDropped)
}

// LogBroker fans generator output out to live subscribers, keyed by
// workload ID. It is safe for concurrent use.
//
// Closed topics are kept as markers so a subscriber arriving after the
// workload was reaped gets a closed channel instead of blocking forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs    map[int]chan string
	nextID  int
	backlog []string
	closed  bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

func (b *LogBroker) topic(workloadID string) *logTopic {
	t, ok := b.topics[workloadID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[workloadID] = t
	}
	return t
}

// Subscribe returns a channel of output lines for the workload, starting
// with up to backlogSize recent lines, and an unsubscribe function. The
// channel is already closed if the workload has been reaped.
func (b *LogBroker) Subscribe(workloadID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(workloadID)
	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	for _, line := range t.backlog {
		ch <- line
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers line to every subscriber and records it in the backlog.
// It never blocks the generator's output pipe.
func (b *LogBroker) Publish(workloadID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(workloadID)
	if t.closed {
		return
	}

	if len(t.backlog) == backlogSize {
		copy(t.backlog, t.backlog[1:])
		t.backlog = t.backlog[:backlogSize-1]
	}
	t.backlog = append(t.backlog, line)

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			linesDropped.Inc()
		}
	}
}

// Close ends the workload's stream. Subscriber channels are closed and the
// backlog is released; persisted history remains in the store.
func (b *LogBroker) Close(workloadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(workloadID)
	t.closed = true
	t.backlog = nil
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

package logsink

import "sync"

// subscriberBufferSize is the channel buffer for each broker subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker manages per-run event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given run and an
// unsubscribe function. If the run has already finished (Close was called),
// the returned channel is immediately closed.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(runID)
	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
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

// Open registers a topic ahead of its first event so that Exists reports it.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topicLocked(runID)
}

// Exists reports whether the run has a topic, open or closed.
func (b *Broker) Exists(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[runID]
	return ok
}

// Publish sends an event to all subscribers of the given run.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(runID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			brokerDropped.Inc()
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(runID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func (b *Broker) topicLocked(runID string) *topic {
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}
	return t
}

// Sink returns a Sink that publishes to the run's topic. Closing the sink
// closes the topic.
func (b *Broker) Sink(runID string) Sink {
	b.Open(runID)
	return &topicSink{broker: b, runID: runID}
}

type topicSink struct {
	broker *Broker
	runID  string
	once   sync.Once
}

func (s *topicSink) Emit(level Level, message string, metadata map[string]string) error {
	s.broker.Publish(s.runID, NewEvent(level, message, metadata))
	return nil
}

func (s *topicSink) Close() error {
	s.once.Do(func() { s.broker.Close(s.runID) })
	return nil
}

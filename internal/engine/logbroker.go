package engine

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// backlogSize is how many recent lines a running task keeps for
	// subscribers that join mid-run.
	backlogSize = 32
)

// LogBroker fans out handler log lines per transaction id. It is safe for
// concurrent use.
//
// A topic exists only while its task runs or while someone is subscribed.
// Close and Forget remove it, and an unsubscribe removes a topic that was
// never opened once its last subscriber leaves.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs    map[int]chan string
	nextID  int
	open    bool
	backlog []string
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Open marks the task as running. Lines published for a task that is not
// open are dropped.
func (b *LogBroker) Open(transactionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.topic(transactionID).open = true
}

// Subscribe returns a channel of log lines for the task and an unsubscribe
// function. Recent lines of a running task are replayed first. The channel
// is closed when the task's topic is closed or forgotten.
func (b *LogBroker) Subscribe(transactionID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(transactionID)

	ch := make(chan string, subscriberBufferSize+backlogSize)
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
		if !t.open && len(t.subs) == 0 && b.topics[transactionID] == t {
			delete(b.topics, transactionID)
		}
	}
}

// Publish sends a log line to all subscribers of the task. Lines are dropped
// for subscribers whose buffers are full.
func (b *LogBroker) Publish(transactionID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[transactionID]
	if !ok || !t.open {
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
			// Drop line for slow subscribers to avoid blocking the dispatcher.
		}
	}
}

// Close signals that no more lines will be published for the task. All
// subscriber channels are closed and the topic is dropped.
func (b *LogBroker) Close(transactionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remove(transactionID)
}

// Forget removes all state for a purged task, closing any remaining
// subscribers.
func (b *LogBroker) Forget(transactionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remove(transactionID)
}

// Topics returns the number of tasks the broker currently holds state for.
func (b *LogBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.topics)
}

func (b *LogBroker) remove(id string) {
	t, ok := b.topics[id]
	if !ok {
		return
	}
	for sid, ch := range t.subs {
		close(ch)
		delete(t.subs, sid)
	}
	delete(b.topics, id)
}

// topic returns the topic for id, creating it if needed. Callers hold mu.
func (b *LogBroker) topic(id string) *logTopic {
	t, ok := b.topics[id]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[id] = t
	}
	return t
}

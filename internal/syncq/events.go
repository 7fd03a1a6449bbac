package syncq

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultEventBufferSize = 64

// Topic is a typed event channel name.
type Topic[T any] struct {
	name string
}

func (t Topic[T]) Name() string { return t.name }

var (
	TopicPassStarted         = Topic[PassStarted]{"pass.started"}
	TopicPassProgress        = Topic[PassProgress]{"pass.progress"}
	TopicPassCompleted       = Topic[PassCompleted]{"pass.completed"}
	TopicPassFailed          = Topic[PassFailed]{"pass.failed"}
	TopicItemEnqueued        = Topic[ItemEnqueued]{"item.enqueued"}
	TopicItemSynced          = Topic[ItemSynced]{"item.synced"}
	TopicItemFailed          = Topic[ItemFailed]{"item.failed"}
	TopicItemDeadLettered    = Topic[ItemDeadLettered]{"item.dead_lettered"}
	TopicConflictDetected    = Topic[ConflictDetected]{"item.conflict"}
	TopicPendingCountChanged = Topic[PendingCountChanged]{"queue.pending_count"}
	TopicNetworkStatus       = Topic[NetworkStatusChanged]{"network.status"}
)

// Trigger names what requested a pass.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerAuto     Trigger = "auto"
	TriggerNetwork  Trigger = "network"
	TriggerPriority Trigger = "priority"
)

type PassStarted struct {
	PassID  string  `json:"passId"`
	Trigger Trigger `json:"trigger"`
	Planned int     `json:"planned"`
}

type PassProgress struct {
	PassID   string  `json:"passId"`
	ItemID   string  `json:"itemId"`
	Done     int     `json:"done"`
	Total    int     `json:"total"`
	Progress float64 `json:"progress"`
}

type PassCompleted struct {
	Result PassResult `json:"result"`
}

type PassFailed struct {
	Result PassResult `json:"result"`
	Error  string     `json:"error"`
}

type ItemEnqueued struct {
	ItemID   string `json:"itemId"`
	Table    string `json:"table"`
	Action   Action `json:"action"`
	Priority int    `json:"priority"`
}

// ItemSynced is what cache invalidation listens to. A nil Key means the whole table.
// Discarded is set when a conflict was settled by keeping the remote version.
type ItemSynced struct {
	ItemID    string  `json:"itemId"`
	Table     string  `json:"table"`
	Key       *string `json:"key,omitempty"`
	Action    Action  `json:"action"`
	Discarded bool    `json:"discarded,omitempty"`
}

type ItemFailed struct {
	ItemID        string    `json:"itemId"`
	Table         string    `json:"table"`
	RetryCount    int       `json:"retryCount"`
	NextRetryTime time.Time `json:"nextRetryTime"`
	Error         string    `json:"error"`
}

type ItemDeadLettered struct {
	ItemID     string `json:"itemId"`
	Table      string `json:"table"`
	RetryCount int    `json:"retryCount"`
	Error      string `json:"error"`
	Permanent  bool   `json:"permanent"`
}

type ConflictDetected struct {
	ItemID string         `json:"itemId"`
	Table  string         `json:"table"`
	Policy ConflictPolicy `json:"policy"`
	Remote Record         `json:"remote,omitempty"`
}

type PendingCountChanged struct {
	Count int `json:"count"`
}

type NetworkStatusChanged struct {
	Online bool `json:"online"`
}

// Event is the untyped envelope delivered to SubscribeAll.
type Event struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Broadcaster fans events out to handlers and channel subscriptions.
// Handlers run synchronously on the publishing goroutine and never miss an event.
// Channel subscriptions are buffered and drop events when the reader falls behind.
type Broadcaster struct {
	clock    clockwork.Clock
	handlers map[string]map[uint64]func(any)
	all      map[uint64]func(Event)
	nextID   uint64
	mu       sync.RWMutex
}

func NewBroadcaster(clock clockwork.Clock) *Broadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Broadcaster{
		clock:    clock,
		handlers: make(map[string]map[uint64]func(any)),
		all:      make(map[uint64]func(Event)),
	}
}

// Handle registers fn for every event on topic. The returned func unregisters it.
func Handle[T any](b *Broadcaster, topic Topic[T], fn func(T)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	subs, ok := b.handlers[topic.name]
	if !ok {
		subs = make(map[uint64]func(any))
		b.handlers[topic.name] = subs
	}
	subs[id] = func(v any) { fn(v.(T)) }

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic.name], id)
	}
}

// Subscribe returns a buffered subscription for topic. buffer <= 0 uses a default.
func Subscribe[T any](b *Broadcaster, topic Topic[T], buffer int) *Subscription[T] {
	sub := newSubscription[T](buffer)
	sub.cancel = Handle(b, topic, sub.send)
	return sub
}

// SubscribeAll returns a buffered subscription receiving every topic.
func (b *Broadcaster) SubscribeAll(buffer int) *Subscription[Event] {
	sub := newSubscription[Event](buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all[id] = sub.send
	b.mu.Unlock()

	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
	return sub
}

// Publish delivers v to every subscriber of topic and to SubscribeAll streams.
func Publish[T any](b *Broadcaster, topic Topic[T], v T) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]func(any), 0, len(b.handlers[topic.name]))
	for _, h := range b.handlers[topic.name] {
		handlers = append(handlers, h)
	}
	all := make([]func(Event), 0, len(b.all))
	for _, h := range b.all {
		all = append(all, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
	if len(all) == 0 {
		return
	}
	ev := Event{Topic: topic.name, Time: b.clock.Now(), Payload: v}
	for _, h := range all {
		h(ev)
	}
}

// Subscription is a lossy buffered event stream. Close it when done.
type Subscription[T any] struct {
	ch      chan T
	cancel  func()
	dropped uint64
	closed  bool
	mu      sync.Mutex
}

func newSubscription[T any](buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = defaultEventBufferSize
	}
	return &Subscription[T]{ch: make(chan T, buffer)}
}

func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription[T]) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription[T]) send(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
	default:
		// reader is behind, drop instead of blocking the publisher
		s.dropped++
	}
}

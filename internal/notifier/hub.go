package notifier

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"image-creator-backend/internal/metrics"
)

const DefaultBufferSize = 16

// Broker carries events between instances. Subscribe must be listening when it returns.
type Broker interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, deliver func(Event)) (stop func() error, err error)
}

// Subscription is one watcher of one task. C is closed when the
// subscription ends, whether by Close, a full buffer, or a terminal event.
type Subscription struct {
	TaskID string
	C      <-chan Event

	ch   chan Event
	hub  *Hub
	once sync.Once
}

func (s *Subscription) Close() {
	s.hub.Unsubscribe(s.TaskID, s)
}

// Hub keeps this instance's subscriptions and fans broker events out to them.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	broker Broker
	buffer int
	logger *zap.Logger
	stop   func() error
}

func NewHub(broker Broker, buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		broker: broker,
		buffer: buffer,
		logger: logger.Named("notifier"),
	}
}

// Start attaches the hub to its broker.
func (h *Hub) Start(ctx context.Context) error {
	stop, err := h.broker.Subscribe(ctx, h.Dispatch)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.stop = stop
	h.mu.Unlock()
	return nil
}

func (h *Hub) Stop() error {
	h.mu.Lock()
	stop := h.stop
	h.stop = nil
	h.mu.Unlock()
	if stop == nil {
		return nil
	}
	return stop()
}

func (h *Hub) Subscribe(taskID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{TaskID: taskID, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.SubscriptionOpened()
	return sub
}

// Unsubscribe removes the handle and drops the task entry once its set is empty.
func (h *Hub) Unsubscribe(taskID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(taskID, sub)
}

// Publish sends the event to every instance through the broker.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	if err := h.broker.Publish(ctx, e); err != nil {
		h.logger.Warn("publish failed", zap.String("task_id", e.TaskID), zap.Error(err))
		return err
	}
	return nil
}

// Dispatch delivers an event to this instance's watchers of the task. A
// watcher whose buffer is full is treated as gone. A terminal event is
// followed by a close event, after which every watcher is removed.
func (h *Hub) Dispatch(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[e.TaskID]
	for sub := range set {
		select {
		case sub.ch <- e:
		default:
			h.logger.Debug("dropping slow subscriber", zap.String("task_id", e.TaskID))
			h.removeLocked(e.TaskID, sub)
		}
	}

	if !e.Terminal() || e.Type == EventClose {
		return
	}
	closing := CloseEvent(e)
	for sub := range h.subs[e.TaskID] {
		select {
		case sub.ch <- closing:
		default:
		}
		h.removeLocked(e.TaskID, sub)
	}
}

// Count returns the number of local watchers of a task.
func (h *Hub) Count(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

// Tasks returns the number of tasks with at least one local watcher.
func (h *Hub) Tasks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) removeLocked(taskID string, sub *Subscription) {
	set, ok := h.subs[taskID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, taskID)
	}
	sub.once.Do(func() {
		close(sub.ch)
		metrics.SubscriptionClosed()
	})
}

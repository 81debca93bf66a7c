package pipeline

import (
	"sync"
)

// EventBus fans detection results out to handlers. Delivery is
// synchronous on the publishing goroutine, so subscribers must not block.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
}

// subscription delivers results for one camera, or every camera when camera
// is empty.
type subscription struct {
	camera  string
	deliver func(*DetectionResult)
}

// NewEventBus creates a bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]*subscription)}
}

func (b *EventBus) add(sub *subscription) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() { b.remove(id) }
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscribe delivers every result to handler. The returned func unsubscribes
// and may be called more than once.
func (b *EventBus) Subscribe(handler DetectionResultHandler) func() {
	return b.SubscribeCamera("", handler)
}

// SubscribeCamera delivers results of one camera to handler.
func (b *EventBus) SubscribeCamera(camera string, handler DetectionResultHandler) func() {
	return b.add(&subscription{camera: camera, deliver: handler.OnDetectionResult})
}

// Publish hands res to every matching subscriber. Nil results are ignored.
func (b *EventBus) Publish(res *DetectionResult) {
	if res == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.camera == "" || sub.camera == res.CameraID {
			sub.deliver(res)
		}
	}
}

// Close removes every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.subs)
}

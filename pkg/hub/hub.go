package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pkdiagram/serverbridge/pkg/observability"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

var ErrClosed = errors.New("hub: closed")

// Handler consumes one completion occurrence. Every subscriber sees every
// occurrence, so handlers must ignore ids they do not own.
type Handler func(completion service.Completion) error

type listener struct {
	id      uint64
	handler Handler
}

// Subscription is the registration of one Handler on a Hub.
type Subscription struct {
	id   uint64
	hub  *Hub
	once sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.removeListener(s.id)
	})
}

// Hub is the shared completion event. Emitted completions are queued and
// published by a single dispatch goroutine, so handlers are never invoked
// concurrently with each other.
type Hub struct {
	listenersMutex sync.RWMutex
	listeners      []listener
	lastID         uint64

	inChan    chan service.Completion
	closeLock sync.RWMutex
	closed    bool
	emitters  sync.WaitGroup
	wg        sync.WaitGroup
	startOnce sync.Once

	logger *observability.BridgeLogger
}

func NewHub(queueSize int, logger *observability.BridgeLogger) *Hub {
	if queueSize < 0 {
		queueSize = 0
	}
	logger = observability.OrNoOp(logger)
	return &Hub{
		inChan: make(chan service.Completion, queueSize),
		logger: logger,
	}
}

func (h *Hub) Subscribe(handler Handler) *Subscription {
	h.listenersMutex.Lock()
	defer h.listenersMutex.Unlock()
	h.lastID++
	h.listeners = append(h.listeners, listener{id: h.lastID, handler: handler})
	return &Subscription{id: h.lastID, hub: h}
}

func (h *Hub) removeListener(id uint64) {
	h.listenersMutex.Lock()
	defer h.listenersMutex.Unlock()
	for idx, l := range h.listeners {
		if l.id == id {
			h.listeners = append(h.listeners[:idx], h.listeners[idx+1:]...)
			return
		}
	}
}

// Listeners returns the number of current subscriptions.
func (h *Hub) Listeners() int {
	h.listenersMutex.RLock()
	defer h.listenersMutex.RUnlock()
	return len(h.listeners)
}

// Start runs the dispatch goroutine. Calling it again has no effect.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.logger.Debug("hub: dispatch started")
			for completion := range h.inChan {
				_ = h.Publish(completion)
			}
			h.logger.Debug("hub: dispatch finished")
		}()
	})
}

// Emit queues a completion for dispatch. It blocks while the queue is full.
func (h *Hub) Emit(completion service.Completion) error {
	h.closeLock.RLock()
	if h.closed {
		h.closeLock.RUnlock()
		h.logger.Debug("hub: dropping completion after close", "id", completion.ID)
		return ErrClosed
	}
	h.emitters.Add(1)
	h.closeLock.RUnlock()
	defer h.emitters.Done()

	// the send happens outside the lock so Close can always make progress
	h.inChan <- completion
	return nil
}

// Publish delivers completion to every current subscriber in subscription
// order. A failing handler does not stop delivery to the others.
func (h *Hub) Publish(completion service.Completion) error {
	h.listenersMutex.RLock()
	current := make([]listener, len(h.listeners))
	copy(current, h.listeners)
	h.listenersMutex.RUnlock()

	var errs []error
	for _, l := range current {
		if err := h.deliver(l, completion); err != nil {
			h.logger.CaptureError("hub: handler failed", err, "id", completion.ID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) deliver(l listener, completion service.Completion) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub: handler panic: %v", r)
		}
	}()
	return l.handler(completion)
}

// Close stops accepting completions, drains the queue and waits for the
// dispatch goroutine. Emits already blocked on a full queue are delivered.
func (h *Hub) Close() {
	h.closeLock.Lock()
	if h.closed {
		h.closeLock.Unlock()
		return
	}
	h.closed = true
	h.closeLock.Unlock()

	// a dispatcher must be running to unblock emitters waiting on a full queue
	h.Start()
	h.emitters.Wait()
	close(h.inChan)
	h.wg.Wait()
}

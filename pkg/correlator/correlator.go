// Package correlator matches completions of the shared completion event back
// to the request that caused them, delivering each response to exactly one
// callback at most once.
package correlator

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/pkdiagram/serverbridge/pkg/correlator Sender

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkdiagram/serverbridge/internal/bridgelib"
	"github.com/pkdiagram/serverbridge/pkg/hub"
	"github.com/pkdiagram/serverbridge/pkg/observability"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

var (
	ErrNilCallback = errors.New("correlator: nil callback")
	ErrClosed      = errors.New("correlator: closed")
)

// Sender forwards a request to the host. data is empty when the request has
// no body, and holds exactly one element otherwise.
type Sender interface {
	Send(session string, id service.RequestID, method, path string, data ...interface{}) error
}

type Callback func(response *service.Response)

type PendingRequest struct {
	ID       service.RequestID
	Method   string
	Path     string
	Callback Callback
	IssuedAt time.Time
}

// Correlator owns a pending table and one persistent subscription on the
// completion hub.
type Correlator struct {
	session string
	sender  Sender
	sub     *hub.Subscription
	logger  *observability.BridgeLogger
	nextID  func() service.RequestID

	mutex   sync.Mutex
	pending map[service.RequestID]*PendingRequest
	closed  bool
}

func NewCorrelator(h *hub.Hub, sender Sender, session string, logger *observability.BridgeLogger) *Correlator {
	logger = observability.OrNoOp(logger)
	c := &Correlator{
		session: session,
		sender:  sender,
		logger:  logger,
		nextID:  service.NextRequestID,
		pending: make(map[service.RequestID]*PendingRequest),
	}
	c.sub = h.Subscribe(c.handleCompletion)
	return c
}

// Issue records the request and forwards it to the host. It returns as soon
// as the host has accepted the request; callback runs later, on the hub's
// dispatch goroutine, if and only if a completion with the returned id is
// published. A nil data means "no body" and is not forwarded at all.
func (c *Correlator) Issue(method, path string, data interface{}, callback Callback) (service.RequestID, error) {
	if callback == nil {
		return 0, ErrNilCallback
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return 0, ErrClosed
	}
	id := c.nextID()
	c.pending[id] = &PendingRequest{
		ID:       id,
		Method:   method,
		Path:     path,
		Callback: callback,
		IssuedAt: time.Now(),
	}
	c.mutex.Unlock()
	c.logger.Debug("correlator: issue", "id", id, "method", method, "path", path)

	var err error
	if data == nil {
		err = c.sender.Send(c.session, id, method, path)
	} else {
		err = c.sender.Send(c.session, id, method, path, data)
	}
	if err != nil {
		// refused requests can never complete
		c.remove(id)
		return id, fmt.Errorf("correlator: send %s %s: %w", method, path, err)
	}
	return id, nil
}

// claim removes and returns the entry for id, if this correlator owns it.
func (c *Correlator) claim(id service.RequestID) (*PendingRequest, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return req, ok
}

func (c *Correlator) remove(id service.RequestID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.pending, id)
}

func (c *Correlator) handleCompletion(completion service.Completion) error {
	// claimed before decoding: a payload that fails to decode is not
	// retried, so its entry goes away with the error
	req, ok := c.claim(completion.ID)
	if !ok {
		// broadcast to every subscriber; not ours
		return nil
	}

	// other subscribers share the original
	response := &service.Response{}
	if completion.Response != nil {
		*response = *completion.Response
	}
	if response.HasRawData() {
		data, err := bridgelib.DecodeData(response.RawData)
		if err != nil {
			return fmt.Errorf("correlator: response %d for %s %s: %w", req.ID, req.Method, req.Path, err)
		}
		response.Data = data
	}

	c.logger.Debug("correlator: deliver", "id", req.ID, "status_code", response.StatusCode)
	req.Callback(response)
	return nil
}

// Lookup returns a copy of the pending entry for id.
func (c *Correlator) Lookup(id service.RequestID) (PendingRequest, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	return *req, true
}

func (c *Correlator) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

// Pending returns a snapshot of the table ordered by id.
func (c *Correlator) Pending() []PendingRequest {
	c.mutex.Lock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, *req)
	}
	c.mutex.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close ends the subscription and rejects further issues with ErrClosed.
// Entries still pending are kept and their callbacks will never run.
func (c *Correlator) Close() {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()

	c.sub.Unsubscribe()
	if n := c.Len(); n > 0 {
		c.logger.Info("correlator: closed with pending requests", "pending", n)
	}
}

package correlator

import (
	"context"

	"github.com/pkdiagram/serverbridge/pkg/service"
)

// Handle is the channel form of a callback: the response of one request,
// received with Wait.
type Handle struct {
	id           service.RequestID
	responseChan chan *service.Response
}

func (h *Handle) ID() service.RequestID {
	return h.id
}

// Wait blocks until the response arrives or ctx is done. Giving up does not
// withdraw the request; its entry stays pending until matched.
func (h *Handle) Wait(ctx context.Context) (*service.Response, error) {
	select {
	case resp := <-h.responseChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver issues a request whose response is read from the returned Handle.
func (c *Correlator) Deliver(method, path string, data interface{}) (*Handle, error) {
	handle := &Handle{responseChan: make(chan *service.Response, 1)}
	id, err := c.Issue(method, path, data, func(resp *service.Response) {
		// buffered, delivered at most once
		handle.responseChan <- resp
	})
	if err != nil {
		return nil, err
	}
	handle.id = id
	return handle, nil
}

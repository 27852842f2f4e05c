package hub

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/pkdiagram/serverbridge/pkg/observability"
)

// TapService streams every completion published on a Hub to each connected
// TCP client, one JSON object per line.
type TapService struct {
	hub       *Hub
	logger    *observability.BridgeLogger
	queueSize int
}

func NewTapService(hub *Hub, queueSize int, logger *observability.BridgeLogger) *TapService {
	logger = observability.OrNoOp(logger)
	if queueSize <= 0 {
		queueSize = 64
	}
	return &TapService{hub: hub, logger: logger, queueSize: queueSize}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *TapService) ListenAndServe(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on listen until ctx is done. The listener is
// closed on return.
func (s *TapService) Serve(ctx context.Context, listen net.Listener) error {
	s.logger.Info("tap: serving", "addr", listen.Addr().String())

	wg := sync.WaitGroup{}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	go func() {
		<-ctx.Done()
		if err := listen.Close(); err != nil {
			s.logger.Debug("tap: error closing listener", "err", err)
		}
	}()

	for {
		conn, err := listen.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("tap: shutdown")
				return nil
			}
			s.logger.CaptureError("tap: failed to accept conn", err)
			continue
		}

		s.logger.Debug("tap: accepted connection", "remote", conn.RemoteAddr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConnection(ctx, conn, s.hub, s.queueSize, s.logger)
		}()
	}
}

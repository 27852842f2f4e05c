package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/pkdiagram/serverbridge/pkg/observability"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

// Message is the line written to tap clients for each completion.
type Message struct {
	ID          service.RequestID `json:"id"`
	StatusCode  int               `json:"status_code"`
	UserMessage string            `json:"user_message,omitempty"`
	RawData     string            `json:"_data,omitempty"`
}

func NewMessage(completion service.Completion) *Message {
	msg := &Message{ID: completion.ID}
	if resp := completion.Response; resp != nil {
		msg.StatusCode = resp.StatusCode
		msg.UserMessage = resp.UserMessage
		msg.RawData = resp.RawData
	}
	return msg
}

type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   net.Conn
	queue  chan *Message
	logger *observability.BridgeLogger
}

func NewConnection(ctx context.Context, cancel context.CancelFunc, conn net.Conn, queueSize int, logger *observability.BridgeLogger) *Connection {
	return &Connection{
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		queue:  make(chan *Message, queueSize),
		logger: logger.With("remote", conn.RemoteAddr().String()),
	}
}

// offer never blocks the hub dispatcher; a full queue drops the line.
func (c *Connection) offer(completion service.Completion) error {
	select {
	case c.queue <- NewMessage(completion):
	default:
		c.logger.Warn("tap: queue full, dropping completion", "id", completion.ID)
	}
	return nil
}

// receive only watches for the client going away.
func (c *Connection) receive(wg *sync.WaitGroup) {
	defer wg.Done()
	defer c.cancel()

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		c.logger.Debug("tap: ignoring client line", "len", len(scanner.Bytes()))
	}
	if err := scanner.Err(); err != nil && c.ctx.Err() == nil {
		c.logger.Debug("tap: read error", "err", err)
	}
}

func (c *Connection) transmit(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case msg := <-c.queue:
			bytes, err := json.Marshal(msg)
			if err != nil {
				c.logger.CaptureError("tap: error marshalling message", err)
				continue
			}
			if _, err = c.conn.Write(append(bytes, '\n')); err != nil {
				c.logger.Debug("tap: error writing to connection", "err", err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) handle(hub *Hub) {
	sub := hub.Subscribe(c.offer)
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go c.receive(&wg)
	go c.transmit(&wg)

	<-c.ctx.Done()
	// unblock receive
	_ = c.conn.Close()
	wg.Wait()
	c.logger.Debug("tap: connection closed")
}

func handleConnection(ctx context.Context, conn net.Conn, hub *Hub, queueSize int, logger *observability.BridgeLogger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connection := NewConnection(ctx, cancel, conn, queueSize, logger)
	connection.handle(hub)
}

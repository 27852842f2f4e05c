package host

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/panjf2000/ants/v2"

	"github.com/pkdiagram/serverbridge/internal/bridgelib"
	"github.com/pkdiagram/serverbridge/pkg/hub"
	"github.com/pkdiagram/serverbridge/pkg/observability"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

var ErrClosed = errors.New("host: closed")

const (
	UserMessageHeader   = "FD-User-Message"
	ClientVersionHeader = "FD-Client-Version"
	userAgent           = "serverbridge"
)

type Options struct {
	BaseURL        string
	ClientVersion  string
	Workers        int
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	RequestTimeout time.Duration
}

// HTTPHost performs transfers on a worker pool and reports each result as a
// completion on the hub.
type HTTPHost struct {
	ctx     context.Context
	cancel  context.CancelFunc
	hub     *hub.Hub
	options Options
	logger  *observability.BridgeLogger

	retryClient *retryablehttp.Client
	pool        *ants.Pool
	inflight    sync.WaitGroup

	closeLock sync.RWMutex
	closed    bool
}

func NewHTTPHost(ctx context.Context, h *hub.Hub, options Options, logger *observability.BridgeLogger) (*HTTPHost, error) {
	logger = observability.OrNoOp(logger)
	if options.Workers <= 0 {
		options.Workers = 1
	}

	pool, err := ants.NewPool(options.Workers)
	if err != nil {
		return nil, fmt.Errorf("host: worker pool: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = options.RetryMax
	if options.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = options.RetryWaitMin
	}
	if options.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = options.RetryWaitMax
	}
	retryClient.HTTPClient.Timeout = options.RequestTimeout
	retryClient.Logger = &retryLogger{logger: logger}
	// report the final reply as is instead of an error
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	ctx, cancel := context.WithCancel(ctx)
	return &HTTPHost{
		ctx:         ctx,
		cancel:      cancel,
		hub:         h,
		options:     options,
		logger:      logger,
		retryClient: retryClient,
		pool:        pool,
	}, nil
}

// Send schedules the transfer and returns without waiting for it. data holds
// at most one value, the request body.
func (h *HTTPHost) Send(session string, id service.RequestID, method, path string, data ...interface{}) error {
	if len(data) > 1 {
		return fmt.Errorf("host: %d data arguments for %s %s", len(data), method, path)
	}
	var body []byte
	if len(data) == 1 {
		encoded, err := bridgelib.EncodeData(data[0])
		if err != nil {
			return fmt.Errorf("host: %s %s: %w", method, path, err)
		}
		body = []byte(encoded)
	}

	h.closeLock.RLock()
	if h.closed {
		h.closeLock.RUnlock()
		return ErrClosed
	}
	h.inflight.Add(1)
	h.closeLock.RUnlock()

	// Submit blocks while every worker is busy, and callers may be running
	// on the hub's dispatch goroutine.
	go h.schedule(id, func() {
		h.complete(id, h.transfer(session, method, path, body))
	})
	return nil
}

func (h *HTTPHost) schedule(id service.RequestID, task func()) {
	err := h.pool.Submit(func() {
		defer h.inflight.Done()
		task()
	})
	if err != nil {
		h.inflight.Done()
		h.logger.CaptureError("host: schedule transfer", err, "id", id)
		h.complete(id, &service.Response{})
	}
}

func (h *HTTPHost) newRequest(session, method, path string, body []byte) (*retryablehttp.Request, error) {
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(h.ctx, method, h.options.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	sum := md5.Sum(body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-MD5", hex.EncodeToString(sum[:]))
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set(ClientVersionHeader, h.options.ClientVersion)
	req.Header.Set("User-Agent", userAgent)
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	return req, nil
}

func (h *HTTPHost) transfer(session, method, path string, body []byte) *service.Response {
	req, err := h.newRequest(session, method, path, body)
	if err != nil {
		h.logger.CaptureError("host: build request", err, "method", method, "path", path)
		return &service.Response{}
	}

	resp, err := h.retryClient.Do(req)
	if err != nil {
		h.logger.Warn("host: transfer failed", "method", method, "path", path, "err", err)
		return &service.Response{}
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Warn("host: read reply", "method", method, "path", path, "err", err)
	}
	return BuildResponse(resp.StatusCode, resp.Header, reply)
}

func (h *HTTPHost) complete(id service.RequestID, response *service.Response) {
	err := h.hub.Emit(service.Completion{ID: id, Response: response})
	if err != nil {
		h.logger.Debug("host: completion dropped", "id", id, "err", err)
	}
}

// BuildResponse turns an HTTP reply into the response carried by a
// completion.
func BuildResponse(statusCode int, header http.Header, body []byte) *service.Response {
	response := &service.Response{StatusCode: statusCode}
	if statusCode != http.StatusOK {
		response.UserMessage = header.Get(UserMessageHeader)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return response
	}
	if isJSON(header.Get("Content-Type")) && json.Valid(body) {
		response.RawData = string(body)
	} else {
		response.RawData = bridgelib.TextData(body)
	}
	return response
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Close rejects new transfers, waits for the ones in flight and releases the
// pool.
func (h *HTTPHost) Close() {
	h.closeLock.Lock()
	if h.closed {
		h.closeLock.Unlock()
		return
	}
	h.closed = true
	h.closeLock.Unlock()

	h.inflight.Wait()
	h.pool.Release()
	h.cancel()
	h.logger.Debug("host: closed")
}

// Abort cancels transfers in flight, then closes.
func (h *HTTPHost) Abort() {
	h.cancel()
	h.Close()
}

type retryLogger struct {
	logger *observability.BridgeLogger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Warn("host: "+msg, keysAndValues...)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("host: "+msg, keysAndValues...)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("host: "+msg, keysAndValues...)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn("host: "+msg, keysAndValues...)
}

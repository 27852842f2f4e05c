package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkdiagram/serverbridge/internal/bridgelib"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

type result struct {
	ID          service.RequestID `json:"id"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	StatusCode  int               `json:"status_code"`
	UserMessage string            `json:"user_message,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
}

// printer writes one JSON line per response; callbacks may race.
type printer struct {
	mutex   sync.Mutex
	encoder *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{encoder: json.NewEncoder(w)}
}

func (p *printer) print(id service.RequestID, method, path string, resp *service.Response) error {
	data, err := bridgelib.FormatData(resp.Data)
	if err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.encoder.Encode(result{
		ID:          id,
		Method:      method,
		Path:        path,
		StatusCode:  resp.StatusCode,
		UserMessage: resp.UserMessage,
		Data:        data,
	})
}

// parseData turns a --data flag or a request line's body into the value
// forwarded to the host. An empty string means no body.
func parseData(raw string) (interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var data interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}

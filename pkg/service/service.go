package service

import (
	"fmt"
	"sync/atomic"

	"google.golang.org/protobuf/types/known/structpb"
)

// RequestID identifies one logical request for the lifetime of the process.
type RequestID uint64

var lastRequestID uint64

// NextRequestID returns the next id of the process-wide sequence.
// Ids are never reused, even after the owning request completes.
func NextRequestID() RequestID {
	return RequestID(atomic.AddUint64(&lastRequestID, 1))
}

// Response is the result of one transfer as reported by the host.
type Response struct {
	StatusCode  int    `json:"status_code"`
	UserMessage string `json:"user_message,omitempty"`
	// RawData is the textual (JSON) serialization of the reply body.
	RawData string `json:"_data,omitempty"`
	// Data is RawData decoded; set by the correlator before delivery.
	Data *structpb.Value `json:"-"`
}

// HasRawData reports whether the response carries a serialized payload.
func (r *Response) HasRawData() bool {
	return r != nil && r.RawData != ""
}

func (r *Response) String() string {
	return fmt.Sprintf("Response@%p[status_code=%d user_message=%q data_len=%d]", r, r.StatusCode, r.UserMessage, len(r.RawData))
}

// Completion is one occurrence of the shared completion event.
type Completion struct {
	ID       RequestID
	Response *Response
}

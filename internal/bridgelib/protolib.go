package bridgelib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// DecodeData parses the textual serialization of a reply body into a
// structured value. Any JSON document is accepted, scalars included.
func DecodeData(raw string) (*structpb.Value, error) {
	value := &structpb.Value{}
	if err := protojson.Unmarshal([]byte(raw), value); err != nil {
		return nil, fmt.Errorf("bridgelib: decode data: %w", err)
	}
	return value, nil
}

// EncodeData is the inverse of DecodeData for arbitrary Go values.
func EncodeData(data interface{}) (string, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("bridgelib: encode data: %w", err)
	}
	return string(out), nil
}

// TextData wraps a non-JSON body as a JSON string literal so it still
// decodes into a structured (string) value.
func TextData(body []byte) string {
	var out bytes.Buffer
	encoder := json.NewEncoder(&out)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(string(body)); err != nil {
		// strings always marshal
		panic(err)
	}
	return strings.TrimSuffix(out.String(), "\n")
}

// ToMap returns the object fields of value, if value is an object.
func ToMap(value *structpb.Value) (map[string]interface{}, bool) {
	s := value.GetStructValue()
	if s == nil {
		return nil, false
	}
	return s.AsMap(), true
}

// FormatData renders a decoded value back to compact JSON. A nil value
// renders as nil.
func FormatData(value *structpb.Value) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	out, err := protojson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("bridgelib: format data: %w", err)
	}
	// protojson output is not stable; compact it
	var compact bytes.Buffer
	if err := json.Compact(&compact, out); err != nil {
		return nil, fmt.Errorf("bridgelib: format data: %w", err)
	}
	return compact.Bytes(), nil
}

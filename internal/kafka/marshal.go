package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

func DecodeEnvelope(b []byte) (bookings.Envelope, error) {
	var ev bookings.Envelope
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode envelope: %w", err)
	}
	return ev, nil
}

// Unwrap memudahkan decode payload spesifik
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

// HeaderValue returns the value of the first header named key.
func HeaderValue(headers []Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

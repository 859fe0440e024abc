package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultBodyLimit caps request bodies decoded by DecodeJSON.
const DefaultBodyLimit = 16 << 10

var (
	// ErrEmptyBody reports a request without a payload.
	ErrEmptyBody = errors.New("httpx: request body is empty")
	// ErrBodyTooLarge reports a payload larger than the permitted limit.
	ErrBodyTooLarge = errors.New("httpx: request body too large")
)

// DecodeJSON reads at most limit bytes and decodes them into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	if r == nil || r.Body == nil {
		return ErrEmptyBody
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("httpx: read body: %w", err)
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyBody
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("httpx: invalid JSON payload: %w", err)
	}
	return nil
}

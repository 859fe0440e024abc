package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hanko-field/popups/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rr := httptest.NewRecorder()

	err := NewError("invalid_contact", "email is malformed\n", http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"field": "email", "status": 999})
	WriteError(ctx, rr, err)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_contact" || body["message"] != "email is malformed" {
		t.Fatalf("unexpected envelope: %v", body)
	}
	if body["field"] != "email" {
		t.Fatalf("expected details merged, got %v", body)
	}
	if body["status"] != float64(http.StatusUnprocessableEntity) {
		t.Fatalf("details must not override reserved keys: %v", body)
	}
	if body["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id, got %v", body["trace_id"])
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Kind string `json:"kind"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"email"}`))
	var got payload
	if err := DecodeJSON(req, 0, &got); err != nil || got.Kind != "email" {
		t.Fatalf("unexpected decode result %+v, %v", got, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("  "))
	if err := DecodeJSON(req, 0, &got); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"sms"}`))
	if err := DecodeJSON(req, 4, &got); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"sms","extra":1}`))
	if err := DecodeJSON(req, 0, &got); err == nil {
		t.Fatalf("expected unknown field rejection")
	}
}

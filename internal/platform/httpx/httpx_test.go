package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skillbridge/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("validation_failed", "bad\ninput", http.StatusBadRequest).
		WithRequestID("req-1").
		WithDetails(map[string]any{"fields": map[string]string{"amount": "must be positive"}}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "validation_failed" || body["message"] != "bad input" {
		t.Fatalf("unexpected envelope %v", body)
	}
	if body["request_id"] != "req-1" || body["trace_id"] != "abc123" {
		t.Fatalf("expected request and trace ids, got %v", body)
	}
	details, ok := body["details"].(map[string]any)
	if !ok || details["fields"] == nil {
		t.Fatalf("expected nested details, got %v", body["details"])
	}
	if _, flattened := body["fields"]; flattened {
		t.Fatalf("details must not be flattened into the envelope")
	}
}

func TestWriteErrorDefaultsStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, Error{Code: "internal"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "details") {
		t.Fatalf("empty details should be omitted: %s", rr.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Status string `json:"status"`
	}

	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
		invalid bool
	}{
		{name: "ok", body: `{"status":"completed"}`},
		{name: "empty", body: ``, wantErr: ErrEmptyBody},
		{name: "unknown field", body: `{"status":"x","extra":1}`, invalid: true},
		{name: "trailing", body: `{"status":"x"} {}`, invalid: true},
		{name: "too large", body: `{"status":"` + strings.Repeat("a", 64) + `"}`, limit: 16, wantErr: ErrBodyTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), req, &dst, tc.limit)
			switch {
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			case tc.invalid:
				if err == nil {
					t.Fatal("expected error")
				}
			default:
				if err != nil || dst.Status != "completed" {
					t.Fatalf("unexpected result %v %#v", err, dst)
				}
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4321"
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("unexpected ip %q", got)
	}
	req.RemoteAddr = "[2001:db8::1]:80"
	if got := ClientIP(req); got != "2001:db8::1" {
		t.Fatalf("unexpected ipv6 %q", got)
	}
}

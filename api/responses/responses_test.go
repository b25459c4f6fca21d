package responses

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/types"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.APIError {
	t.Helper()
	var body types.ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return body.Error
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"status": "ready"})

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body types.SuccessEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode success envelope: %v", err)
	}
	if body.Data.(map[string]any)["status"] != "ready" {
		t.Fatalf("unexpected payload %v", body.Data)
	}
}

func TestWriteError(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	cases := []struct {
		name        string
		err         error
		status      int
		code        pkgerrors.Code
		message     string
		wantDetails bool
	}{
		{
			name:        "validation keeps message and details",
			err:         pkgerrors.New(pkgerrors.CodeValidation, "bad input").WithDetails(map[string]string{"field": "tenant_id"}),
			status:      http.StatusBadRequest,
			code:        pkgerrors.CodeValidation,
			message:     "bad input",
			wantDetails: true,
		},
		{
			name:    "dependency keeps message",
			err:     pkgerrors.New(pkgerrors.CodeDependency, "redis: unreachable"),
			status:  http.StatusServiceUnavailable,
			code:    pkgerrors.CodeDependency,
			message: "redis: unreachable",
		},
		{
			name:   "untyped error is internal and hidden",
			err:    errors.New("pq: password authentication failed"),
			status: http.StatusInternalServerError,
			code:   pkgerrors.CodeInternal,
		},
		{
			name:   "nil error is internal",
			status: http.StatusInternalServerError,
			code:   pkgerrors.CodeInternal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			w.Header().Set(requestIDHeader, "req-42")
			WriteError(context.Background(), logg, w, tc.err)

			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			got := decodeError(t, w)
			if got.Code != string(tc.code) {
				t.Fatalf("expected code %s, got %s", tc.code, got.Code)
			}
			if tc.message != "" && got.Message != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, got.Message)
			}
			if tc.err != nil && tc.code == pkgerrors.CodeInternal && got.Message == tc.err.Error() {
				t.Fatalf("internal error text leaked: %q", got.Message)
			}
			if (got.Details != nil) != tc.wantDetails {
				t.Fatalf("details presence = %v, want %v", got.Details != nil, tc.wantDetails)
			}
			if got.RequestID != "req-42" {
				t.Fatalf("request id not echoed: %q", got.RequestID)
			}
		})
	}
}

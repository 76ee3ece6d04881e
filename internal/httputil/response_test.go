package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/daygent/daygent/internal/serviceauth"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"id": "abc"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", ct)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["id"] != "abc" {
		t.Errorf("body[id] = %s, want abc", body["id"])
	}
}

func TestWriteErrorResponse_IncludesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)

	WriteErrorResponse(rec, req, http.StatusConflict, "CONFLICT", "already exists", map[string]interface{}{
		"field": "slug",
	})

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	var envelope struct {
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if envelope.Error.Code != "CONFLICT" {
		t.Errorf("code = %s, want CONFLICT", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "slug" {
		t.Errorf("details[field] = %v, want slug", envelope.Error.Details["field"])
	}
}

func TestUnauthorized_DefaultMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	Unauthorized(rec, "")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication required") {
		t.Errorf("body = %s, want default message", rec.Body.String())
	}
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","bogus":1}`))

	var dst struct {
		Name string `json:"name"`
	}
	if DecodeJSON(rec, req, &dst) {
		t.Error("DecodeJSON() should reject unknown fields")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRequireUserID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(serviceauth.UserIDHeader, "user-1")

	userID, ok := RequireUserID(rec, req)
	if !ok {
		t.Fatal("RequireUserID() = false, want true")
	}
	if userID != "user-1" {
		t.Errorf("userID = %s, want user-1", userID)
	}
}

func TestRequireUserID_Missing(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, ok := RequireUserID(rec, req); ok {
		t.Error("RequireUserID() = true, want false")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestReadAllWithLimit_Truncates(t *testing.T) {
	body, truncated, err := ReadAllWithLimit(strings.NewReader("0123456789"), 4)
	if err != nil {
		t.Fatalf("ReadAllWithLimit() error = %v", err)
	}
	if !truncated {
		t.Error("truncated = false, want true")
	}
	if string(body) != "0123" {
		t.Errorf("body = %q, want %q", body, "0123")
	}
}

func TestReadAllStrict_OverLimit(t *testing.T) {
	if _, err := ReadAllStrict(strings.NewReader("0123456789"), 4); err == nil {
		t.Error("ReadAllStrict() should error when body exceeds limit")
	}
}

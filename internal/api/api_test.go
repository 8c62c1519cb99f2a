package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fedi3/node/internal/config"
)

func testConfig(username string) *config.Config {
	return &config.Config{
		Instance: config.InstanceConfig{
			Domain:   "node.example",
			Username: username,
		},
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"name": "test"}

	WriteJSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var envelope SuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	m, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is %T, want map", envelope.Data)
	}
	if m["name"] != "test" {
		t.Errorf("data.name = %v, want %q", m["name"], "test")
	}
}

func TestWriteJSON_Created(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, "created")

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, "bad_input", "Invalid input")

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Error.Code != "bad_input" {
		t.Errorf("error.code = %q, want %q", errResp.Error.Code, "bad_input")
	}
	if errResp.Error.Message != "Invalid input" {
		t.Errorf("error.message = %q, want %q", errResp.Error.Message, "Invalid input")
	}
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body should be empty, got %d bytes", w.Body.Len())
	}
}

func TestWriteJSONRaw(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"raw": "data"}
	WriteJSONRaw(w, http.StatusOK, data)

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["raw"] != "data" {
		t.Errorf("raw = %q, want %q", result["raw"], "data")
	}
	// Should NOT be wrapped in {"data": ...} envelope.
	if _, ok := result["data"]; ok {
		t.Error("WriteJSONRaw should not wrap in envelope")
	}
}

func TestDecodeJSON_InvalidBody(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("not json"))

	var dst map[string]string
	if DecodeJSON(w, req, &dst) {
		t.Fatal("expected DecodeJSON to report false for invalid body")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRequestFromHTTP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/inbox?foo=bar", strings.NewReader(`{"type":"Follow"}`))
	req.Header.Set("Signature", `keyId="https://remote.example/users/alice#main-key"`)

	normalized, err := requestFromHTTP(req)
	if err != nil {
		t.Fatalf("requestFromHTTP: %v", err)
	}
	if normalized.Method != http.MethodPost {
		t.Errorf("method = %q, want POST", normalized.Method)
	}
	if normalized.Query != "foo=bar" {
		t.Errorf("query = %q, want foo=bar", normalized.Query)
	}
	if string(normalized.Body) != `{"type":"Follow"}` {
		t.Errorf("body = %q", normalized.Body)
	}
	if normalized.Header("Signature") == "" {
		t.Error("expected Signature header to survive normalization")
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		name  string
		query string
		def   int
		max   int
		want  int
	}{
		{"defaults", "", 50, 200, 50},
		{"custom", "limit=30", 50, 200, 30},
		{"above max clamps", "limit=1000", 50, 200, 200},
		{"zero falls back", "limit=0", 50, 200, 50},
		{"negative falls back", "limit=-5", 50, 200, 50},
		{"garbage falls back", "limit=abc", 50, 200, 50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test?"+tc.query, nil)
			if got := parseLimit(req, tc.def, tc.max); got != tc.want {
				t.Errorf("parseLimit = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestLocalUsername(t *testing.T) {
	s := &Server{Config: testConfig("alice")}
	if !s.localUsername("alice") {
		t.Error("expected alice to match the configured local username")
	}
	if s.localUsername("bob") {
		t.Error("expected bob not to match")
	}
	if s.localUsername("") {
		t.Error("expected empty username not to match")
	}
}

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
		wantNext   bool
	}{
		{
			name:       "no authorization header",
			secret:     "s3cret",
			header:     "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			secret:     "s3cret",
			header:     "Basic s3cret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token",
			secret:     "s3cret",
			header:     "Bearer not-it",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "token is a prefix of the secret",
			secret:     "s3cret",
			header:     "Bearer s3cre",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "correct token",
			secret:     "s3cret",
			header:     "Bearer s3cret",
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
		{
			name:       "empty secret disables the check",
			secret:     "",
			header:     "",
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextCalled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			AdminAuth(tt.secret)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if nextCalled != tt.wantNext {
				t.Errorf("next called = %v, want %v", nextCalled, tt.wantNext)
			}
		})
	}
}

func TestAdminAuthErrorShape(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler ran on a rejected request")
	})

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	rec := httptest.NewRecorder()
	AdminAuth("s3cret")(next).ServeHTTP(rec, req)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Errorf("error code = %q, want unauthorized", envelope.Error.Code)
	}
}

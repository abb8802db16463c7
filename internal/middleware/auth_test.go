package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tally/internal/auth"
)

const testSecret = "test-secret"

func protected(t *testing.T) (http.Handler, *string, *string) {
	t.Helper()
	var userID, deviceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ = UserIDFromContext(r.Context())
		deviceID = DeviceIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return Auth(testSecret)(next), &userID, &deviceID
}

func TestAuthAcceptsValidToken(t *testing.T) {
	handler, userID, deviceID := protected(t)
	token, err := auth.GenerateToken(testSecret, "u1", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Device-ID", "d1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *userID != "u1" {
		t.Fatalf("expected user u1 in context, got %q", *userID)
	}
	if *deviceID != "d1" {
		t.Fatalf("expected device d1 in context, got %q", *deviceID)
	}
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	handler, _, _ := protected(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	handler, _, _ := protected(t)
	token, err := auth.GenerateToken("other-secret", "u1", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	handler, _, _ := protected(t)
	token, err := auth.GenerateToken(testSecret, "u1", -time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthRejectsMalformedHeader(t *testing.T) {
	handler, _, _ := protected(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

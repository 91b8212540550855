package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func TestAuthMiddleware(t *testing.T) {
	privPEM, pubPEM := generateTestKeys(t) // Reusing helper from token_test.go
	signer, _ := NewSigner(privPEM, pubPEM, "test-issuer")

	// Generate a valid token
	userID := uuid.New()
	token, _ := signer.GenerateToken(userID, 15*time.Minute)

	e := echo.New()
	handler := func(c echo.Context) error {
		// Verify context injection
		if got := MustGetUserID(c); got != userID {
			t.Errorf("Context missing correct UserID. Got %v, want %s", got, userID)
		}
		return c.NoContent(http.StatusOK)
	}
	wrapped := Middleware(signer)(handler)

	newContext := func(authHeader string) echo.Context {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		return e.NewContext(req, httptest.NewRecorder())
	}

	// 1. Valid request
	if err := wrapped(newContext("Bearer " + token)); err != nil {
		t.Errorf("Unexpected error on valid request: %v", err)
	}

	// 2. Missing header
	if err := wrapped(newContext("")); err == nil {
		t.Error("Expected error for missing header, got nil")
	}

	// 3. Invalid header format (missing "Bearer ")
	if err := wrapped(newContext(token)); err == nil {
		t.Error("Expected error for bad header format, got nil")
	}

	// 4. Garbage token
	if err := wrapped(newContext("Bearer not-a-token")); err == nil {
		t.Error("Expected error for invalid token, got nil")
	}
}

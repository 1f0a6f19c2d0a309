package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIssueAndParse(t *testing.T) {
	token, exp, err := Issue("rollcall", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) < 50*time.Minute {
		t.Fatalf("expiry too soon: %v", exp)
	}

	claims, err := Parse(token, "secret", "rollcall")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Role != "admin" || claims.Issuer != "rollcall" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	token, _, err := Issue("rollcall", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(token, "other-secret", "rollcall"); err == nil {
		t.Fatal("expected error with wrong signing key")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	token, _, err := Issue("someone-else", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(token, "secret", "rollcall"); err == nil {
		t.Fatal("expected issuer mismatch error")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, _, err := Issue("rollcall", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(token, "secret", "rollcall"); err == nil {
		t.Fatal("expected expired token error")
	}
}

func TestPINRoundTrip(t *testing.T) {
	hash, err := HashPIN("4321")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "4321" {
		t.Fatal("pin must not be stored in the clear")
	}

	ok, err := VerifyPIN(hash, "4321")
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}

	ok, err = VerifyPIN(hash, "0000")
	if err != nil {
		t.Fatalf("mismatch must not be an error: %v", err)
	}
	if ok {
		t.Fatal("wrong pin must not verify")
	}
}

func TestVerifyPINUnset(t *testing.T) {
	_, err := VerifyPIN("", "4321")
	if !errors.Is(err, ErrPINNotSet) {
		t.Fatalf("expected ErrPINNotSet, got %v", err)
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/secure", AdminAuth("secret", "rollcall"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, _, err := Issue("rollcall", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}
}

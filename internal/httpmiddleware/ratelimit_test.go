package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestTapLimiterExhaustsBucket(t *testing.T) {
	l := NewTapLimiter(2, 2)
	if !l.allow("reader-1") || !l.allow("reader-1") {
		t.Fatal("first two taps should pass")
	}
	if l.allow("reader-1") {
		t.Fatal("third tap should be throttled")
	}
}

func TestTapLimiterKeysAreIndependent(t *testing.T) {
	l := NewTapLimiter(1, 1)
	if !l.allow("reader-1") {
		t.Fatal("reader-1 should pass")
	}
	if !l.allow("reader-2") {
		t.Fatal("reader-2 has its own bucket")
	}
	if l.allow("reader-1") {
		t.Fatal("reader-1 should now be throttled")
	}
}

func TestTapLimiterDefaultsCapacity(t *testing.T) {
	l := NewTapLimiter(0, 5)
	if l.capacity != 5 {
		t.Fatalf("expected capacity to fall back to rate, got %d", l.capacity)
	}
}

func TestMiddlewareUsesReaderHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/taps", NewTapLimiter(1, 1).Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	send := func(reader string) int {
		req := httptest.NewRequest(http.MethodPost, "/taps", nil)
		if reader != "" {
			req.Header.Set("X-Reader-ID", reader)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("front-desk"); code != http.StatusOK {
		t.Fatalf("first tap should pass, got %d", code)
	}
	if code := send("front-desk"); code != http.StatusTooManyRequests {
		t.Fatalf("second tap should be throttled, got %d", code)
	}
	if code := send("studio-b"); code != http.StatusOK {
		t.Fatalf("a different reader should have its own bucket, got %d", code)
	}
}

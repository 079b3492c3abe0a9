package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newFilteredRouter(h *Hub, origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(OriginFilter(origins))
	h.Register(router)
	return router
}

func TestOriginFilter(t *testing.T) {
	h := New()
	router := newFilteredRouter(h, []string{"https://app.mossp.me"})

	signal := func(origin string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/sessions/s1/signal",
			strings.NewReader(`{"type":"offer","sdp":"x","senderId":"host"}`))
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		router.ServeHTTP(w, req)
		return w
	}

	// Allowed origin reaches the route and gets CORS headers back.
	w := signal("https://app.mossp.me")
	assert.Equal(t, http.StatusNotFound, w.Code) // no such session, but the filter let it through
	assert.Equal(t, "https://app.mossp.me", w.Header().Get("Access-Control-Allow-Origin"))

	// Unknown origin is rejected before the route runs.
	w = signal("https://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// No Origin header (the Go transports) passes through untouched.
	w = signal("")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginFilterPreflight(t *testing.T) {
	h := New()
	router := newFilteredRouter(h, []string{"https://app.mossp.me"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/sessions/s1/signal", nil)
	req.Header.Set("Origin", "https://app.mossp.me")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestOriginFilterWebSocketOriginHeader(t *testing.T) {
	h := New()
	router := newFilteredRouter(h, []string{"https://app.mossp.me"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/s1/signal/ws", nil)
	req.Header.Set("Sec-WebSocket-Origin", "https://evil.example")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ok(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"role": c.GetString("role")})
}

func TestAuth_Token(t *testing.T) {
	auth := NewAuthMiddleware("secret", zap.NewNop())
	clock := time.Unix(1_700_000_000, 0)
	auth.now = func() time.Time { return clock }

	token, err := auth.GenerateToken("u1", "alice", RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, RoleAdmin, claims.Role)

	_, err = auth.ValidateToken(token[:len(token)-2] + "xx")
	assert.ErrorIs(t, err, ErrTokenSignature)

	_, err = auth.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrTokenFormat)

	other := NewAuthMiddleware("other", zap.NewNop())
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenSignature)

	clock = clock.Add(2 * time.Hour)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuth_RequireRole(t *testing.T) {
	auth := NewAuthMiddleware("secret", zap.NewNop())
	admin, err := auth.GenerateToken("u1", "alice", RoleAdmin, time.Hour)
	require.NoError(t, err)
	operator, err := auth.GenerateToken("u2", "bob", RoleOperator, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/admin", auth.RequireAuth(), auth.RequireRole(RoleAdmin), ok)
	r.GET("/ops", auth.RequireAuth(), auth.RequireRole(RoleAdmin, RoleOperator), ok)
	r.GET("/open", auth.OptionalAuth(), ok)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/admin", "", http.StatusUnauthorized},
		{"wrong scheme", "/admin", "Basic " + admin, http.StatusUnauthorized},
		{"garbage", "/admin", "Bearer abc", http.StatusUnauthorized},
		{"admin", "/admin", "Bearer " + admin, http.StatusOK},
		{"operator on admin", "/admin", "Bearer " + operator, http.StatusForbidden},
		{"operator on ops", "/ops", "Bearer " + operator, http.StatusOK},
		{"optional without token", "/open", "", http.StatusOK},
		{"optional with bad token", "/open", "Bearer abc", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(r, req).Code)
		})
	}
}

func TestAuth_WebsocketQueryToken(t *testing.T) {
	auth := NewAuthMiddleware("secret", zap.NewNop())
	token, err := auth.GenerateToken("u1", "alice", RoleOperator, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/ws", auth.RequireAuth(), ok)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code, "query token only for upgrades")

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), RoleOperator)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(2, 3, zap.NewNop(), func() time.Time { return now })
	defer rl.Shutdown()

	r := gin.New()
	r.GET("/", rl.RateLimit(), ok)
	r.GET("/slow", rl.RateLimitWithConfig(0.5, 1), ok)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		return serve(r, req)
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, get("/").Code, "burst request %d", i)
	}
	w := get("/")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	now = now.Add(500 * time.Millisecond)
	assert.Equal(t, http.StatusOK, get("/").Code, "one token refilled")
	assert.Equal(t, http.StatusTooManyRequests, get("/").Code)

	assert.Equal(t, http.StatusOK, get("/slow").Code, "separate bucket")
	w = get("/slow")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	stats := rl.GetGlobalStats()
	assert.Equal(t, 2, stats["active_clients"])
	assert.Equal(t, int64(3), stats["rejected"])

	now = now.Add(time.Hour)
	assert.Equal(t, 2, rl.evictIdle())
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://ops.example"}))
	r.GET("/", ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://ops.example")
	assert.Equal(t, "https://ops.example", serve(r, req).Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, "null", serve(r, req).Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestRequestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeLimit(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1,"b":2}`))
	assert.Equal(t, http.StatusRequestEntityTooLarge, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestInputValidation(t *testing.T) {
	r := gin.New()
	r.Use(InputValidation())
	r.Any("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.Query("q"))
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Equal(t, http.StatusOK, serve(r, req).Code, "empty body needs no content type")

	req = httptest.NewRequest(http.MethodGet, "/?q=%3Cb%3E%26", nil)
	assert.Equal(t, "&lt;b&gt;&amp;", serve(r, req).Body.String())
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Body.String(), 36)
	assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	assert.Equal(t, "abc", serve(r, req).Body.String())
}

func TestTimeoutHandler(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutHandler(10 * time.Millisecond))
	r.GET("/slow", func(c *gin.Context) {
		<-c.Request.Context().Done()
	})
	r.GET("/fast", ok)

	assert.Equal(t, http.StatusGatewayTimeout, serve(r, httptest.NewRequest(http.MethodGet, "/slow", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/fast", nil)).Code)
}

func TestIPWhitelist(t *testing.T) {
	r := gin.New()
	r.GET("/", IPWhitelist([]string{"10.0.0.1"}), ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1"
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)

	req.RemoteAddr = "10.0.0.1:1"
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestHealthCheck(t *testing.T) {
	r := gin.New()
	r.GET("/up", HealthCheck(map[string]func(context.Context) error{
		"store": func(context.Context) error { return nil },
	}))
	r.GET("/down", HealthCheck(map[string]func(context.Context) error{
		"store": func(context.Context) error { return errors.New("disk gone") },
	}))

	w := serve(r, httptest.NewRequest(http.MethodGet, "/up", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"gate-counter"`)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/down", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disk gone")
}

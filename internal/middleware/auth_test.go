package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedmonitor/backend/internal/auth"
	"speedmonitor/backend/internal/auth/jwt"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/service"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

func init() {
	gin.SetMode(gin.TestMode)
}

// stubKeys 固定返回结果的密钥校验
type stubKeys struct {
	principal *domain.Principal
	err       error
	got       string
}

func (s *stubKeys) Verify(ctx context.Context, plaintext string) (*domain.Principal, error) {
	s.got = plaintext
	return s.principal, s.err
}

type failureRecorder struct{ reasons []string }

func (f *failureRecorder) RecordAuthFailure(reason string) { f.reasons = append(f.reasons, reason) }

func newAuthRouter(t *testing.T, keys auth.KeyVerifier, tokens *jwt.Manager, rec AuthFailureRecorder, extra ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	a := NewAuth(auth.NewGate(tokens, keys), rec, nil)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{a.RequireAuth()}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"userId": p.UserID, "method": p.Method})
	})
	r.GET("/api/status", handlers...)
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuth_RequireAuth(t *testing.T) {
	tokens := jwt.NewManager(testSecret, "speed-monitor", time.Hour)
	user := &domain.User{ID: "u-1", Username: "alice", Email: "alice@example.com", Role: domain.RoleViewer}
	token, err := tokens.Issue(user)
	require.NoError(t, err)

	t.Run("Bearer令牌通过", func(t *testing.T) {
		r := newAuthRouter(t, &stubKeys{}, tokens, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "u-1", body["userId"])
		assert.Equal(t, string(domain.AuthMethodToken), body["method"])
	})

	t.Run("API Key请求头通过", func(t *testing.T) {
		keys := &stubKeys{principal: &domain.Principal{UserID: "u-2", Method: domain.AuthMethodAPIKey}}
		r := newAuthRouter(t, keys, tokens, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("x-api-key", "sm_abc")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "sm_abc", keys.got)
	})

	t.Run("查询参数作为后备", func(t *testing.T) {
		r := newAuthRouter(t, &stubKeys{}, tokens, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?token="+token, nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	cases := []struct {
		name   string
		header string
		keys   *stubKeys
		tokens *jwt.Manager
		status int
		error  string
		reason string
	}{
		{
			name:   "没有凭证返回401",
			keys:   &stubKeys{},
			status: http.StatusUnauthorized,
			error:  "Authentication required",
			reason: "missing_credentials",
		},
		{
			name:   "令牌过期返回401",
			header: "Bearer " + token,
			keys:   &stubKeys{},
			tokens: jwt.NewManager(testSecret, "speed-monitor", time.Hour, jwt.WithClock(func() time.Time {
				return time.Now().Add(2 * time.Hour)
			})),
			status: http.StatusUnauthorized,
			error:  "Token expired",
			reason: "token_expired",
		},
		{
			name:   "无效令牌返回403",
			header: "Bearer not-a-token",
			keys:   &stubKeys{},
			status: http.StatusForbidden,
			error:  "Invalid token",
			reason: "token_invalid",
		},
		{
			name:   "无效API Key返回403",
			keys:   &stubKeys{err: service.ErrAPIKeyInvalid},
			status: http.StatusForbidden,
			error:  "Invalid API key",
			reason: "api_key_invalid",
		},
		{
			name:   "存储故障返回500",
			keys:   &stubKeys{err: service.ErrAPIKeyStore},
			status: http.StatusInternalServerError,
			error:  "Authentication error",
			reason: "store_unavailable",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := tokens
			if tc.tokens != nil {
				m = tc.tokens
			}
			rec := &failureRecorder{}
			r := newAuthRouter(t, tc.keys, m, rec)

			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			} else if tc.keys.err != nil {
				req.Header.Set("X-API-Key", "sm_whatever")
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.error, decodeBody(t, w)["error"])
			assert.Equal(t, []string{tc.reason}, rec.reasons)
		})
	}
}

func TestAuth_RequireRoleAndPermission(t *testing.T) {
	tokens := jwt.NewManager(testSecret, "speed-monitor", time.Hour)
	viewerKey := &stubKeys{principal: &domain.Principal{
		UserID:      "u-3",
		Role:        domain.RoleViewer,
		Permissions: domain.Permissions{"stream": true},
		Method:      domain.AuthMethodAPIKey,
	}}
	a := NewAuth(auth.NewGate(tokens, viewerKey), nil, nil)

	serve := func(handlers ...gin.HandlerFunc) *httptest.ResponseRecorder {
		r := gin.New()
		handlers = append([]gin.HandlerFunc{a.RequireAuth()}, handlers...)
		handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusNoContent) })
		r.GET("/x", handlers...)
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-API-Key", "sm_key")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	t.Run("角色不足返回403", func(t *testing.T) {
		rec := serve(a.RequireRole(domain.RoleAdmin))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "Insufficient permissions", decodeBody(t, rec)["error"])
	})

	t.Run("拥有权限通过", func(t *testing.T) {
		rec := serve(a.RequirePermission("stream"))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("缺少权限返回403", func(t *testing.T) {
		rec := serve(a.RequirePermission("trigger"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "Missing permission: trigger", decodeBody(t, rec)["error"])
	})

	t.Run("未经认证直接授权返回401", func(t *testing.T) {
		r := gin.New()
		r.GET("/x", a.RequireRole(domain.RoleAdmin))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

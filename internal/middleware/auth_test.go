package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abroad-docs-go/pkg/token"
)

func newAuthRouter(jwtManager *token.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(jwtManager), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(OwnerIDKey))
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	jwtManager := token.NewJWTManager("test-secret", 1)
	r := newAuthRouter(jwtManager)
	valid, err := jwtManager.GenerateToken("alice", "alice")
	require.NoError(t, err)
	forged, err := token.NewJWTManager("other-secret", 1).GenerateToken("alice", "alice")
	require.NoError(t, err)

	cases := []struct {
		name   string
		url    string
		header string
		status int
		body   string
	}{
		{name: "bearer header", url: "/me", header: "Bearer " + valid, status: http.StatusOK, body: "alice"},
		{name: "query token", url: "/me?token=" + valid, status: http.StatusOK, body: "alice"},
		{name: "missing", url: "/me", status: http.StatusUnauthorized},
		{name: "wrong scheme", url: "/me", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "empty bearer", url: "/me", header: "Bearer  ", status: http.StatusUnauthorized},
		{name: "wrong secret", url: "/me", header: "Bearer " + forged, status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-test-secret"

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	authed := r.Group("/api", AuthMiddleware(testSecret))
	authed.GET("/me", func(c *gin.Context) {
		util.Success(c, gin.H{"userId": util.GetUserFromContext(c).UserID})
	})
	authed.GET("/admin", RoleMiddleware(model.Instructor), func(c *gin.Context) {
		util.Success(c, nil)
	})
	return r
}

func request(t *testing.T, r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, userID uint, role model.UserRole, secret string, exp time.Duration) string {
	t.Helper()
	tok, err := util.GenerateJWT(userID, role, secret, exp)
	require.NoError(t, err)
	return tok
}

func TestAuthMiddleware(t *testing.T) {
	r := newRouter()

	assert.Equal(t, http.StatusUnauthorized, request(t, r, "/api/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, request(t, r, "/api/me", "not-a-jwt").Code)
	assert.Equal(t, http.StatusUnauthorized,
		request(t, r, "/api/me", token(t, 1, model.Learner, "other-secret", time.Hour)).Code)
	assert.Equal(t, http.StatusUnauthorized,
		request(t, r, "/api/me", token(t, 1, model.Learner, testSecret, -time.Minute)).Code)

	w := request(t, r, "/api/me", token(t, 42, model.Learner, testSecret, time.Hour))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"userId":42`)
}

func TestRoleMiddleware(t *testing.T) {
	r := newRouter()

	assert.Equal(t, http.StatusForbidden,
		request(t, r, "/api/admin", token(t, 1, model.Learner, testSecret, time.Hour)).Code)
	assert.Equal(t, http.StatusOK,
		request(t, r, "/api/admin", token(t, 2, model.Instructor, testSecret, time.Hour)).Code)
	assert.Equal(t, http.StatusOK,
		request(t, r, "/api/admin", token(t, 3, model.Admin, testSecret, time.Hour)).Code)
}

package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/searchlift/searchlift/internal/http/middleware"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signSession(t *testing.T, secret string, tenantID int64, expiry time.Time) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	claims := struct {
		jwt.Claims
		TenantID int64 `json:"tenant_id"`
	}{
		Claims: jwt.Claims{
			Subject: "dashboard",
			Expiry:  jwt.NewNumericDate(expiry),
		},
		TenantID: tenantID,
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func sessionRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Session(testSecret))
	r.GET("/protected", func(c *gin.Context) {
		tenantID, ok := middleware.GetTenantID(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "tenant missing"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID})
	})
	return r
}

func TestSessionAcceptsBearerToken(t *testing.T) {
	r := sessionRouter()
	token := signSession(t, testSecret, 42, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"tenant_id":42`)
}

func TestSessionAcceptsCookie(t *testing.T) {
	r := sessionRouter()
	token := signSession(t, testSecret, 42, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: "sl_session", Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestSessionRejectsMissingToken(t *testing.T) {
	r := sessionRouter()

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionRejectsWrongSignature(t *testing.T) {
	r := sessionRouter()
	token := signSession(t, "another-secret-another-secret-ab", 42, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionRejectsExpiredToken(t *testing.T) {
	r := sessionRouter()
	token := signSession(t, testSecret, 42, time.Now().Add(-time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionRejectsZeroTenant(t *testing.T) {
	r := sessionRouter()
	token := signSession(t, testSecret, 0, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

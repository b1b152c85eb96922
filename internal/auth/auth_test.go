package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ms-reservations/internal/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func mint(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestHS256Verifier(t *testing.T) {
	v := NewHS256Verifier(testSecret)
	ctx := context.Background()

	t.Run("valid with role", func(t *testing.T) {
		raw := mint(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub":  "user-1",
			"role": "ADMIN",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		id, err := v.Verify(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.Subject)
		assert.True(t, id.HasRole("admin"))
	})

	t.Run("realm roles", func(t *testing.T) {
		raw := mint(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub":          "user-2",
			"realm_access": map[string]interface{}{"roles": []string{"ADMIN", "buyer"}},
		})
		id, err := v.Verify(ctx, raw)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"ADMIN", "buyer"}, id.Roles)
	})

	t.Run("wrong secret", func(t *testing.T) {
		raw := mint(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "user-1"})
		_, err := v.Verify(ctx, raw)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		raw := mint(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub": "user-1",
			"exp": time.Now().Add(-time.Minute).Unix(),
		})
		_, err := v.Verify(ctx, raw)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		raw := mint(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"sub": "user-1"})
		_, err := v.Verify(ctx, raw)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		raw := mint(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"role": "ADMIN"})
		_, err := v.Verify(ctx, raw)
		assert.Error(t, err)
	})
}

func TestExtractTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := ExtractTokenFromRequest(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "Token abc")
	_, err = ExtractTokenFromRequest(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "bearer abc")
	token, err := ExtractTokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestMiddleware(t *testing.T) {
	log := logger.NewWithWriter(io.Discard)
	h := Middleware(NewHS256Verifier(testSecret), log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(UserID(r.Context())))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+mint(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "user-9"}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-9", w.Body.String())
}

func TestRequireRole(t *testing.T) {
	log := logger.NewWithWriter(io.Discard)
	h := RequireRole("ADMIN", log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithIdentity(r.Context(), Identity{Subject: "buyer"}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithIdentity(r.Context(), Identity{Subject: "root", Roles: []string{"ADMIN"}}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

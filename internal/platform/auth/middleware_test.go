package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signHS256(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	var seen echo.Context
	err := mw(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	return seen, err
}

func requireStatus(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	assert.Equal(t, code, httpErr.Code)
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	requireStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), header)
			requireStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidTokenSetsActor(t *testing.T) {
	tok := signHS256(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "org-insurer-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleRequester},
	}, testSigningKey)

	c, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	require.NoError(t, err)
	ctx := c.Request().Context()
	assert.Equal(t, "org-insurer-7", ActorIDFromContext(ctx))
	assert.Equal(t, []string{RoleRequester}, RolesFromContext(ctx))
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	tok := signHS256(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "patient-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}, testSigningKey)
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	requireStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tok := signHS256(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}, []byte("other-key"))
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	requireStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	tok := signHS256(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "https://evil"}}, testSigningKey)
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp"}), "Bearer "+tok)
	requireStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	tok := signHS256(t, Claims{Roles: []string{RolePatient}}, testSigningKey)
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	requireStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	c, err := runMiddleware(t, DevAuthMiddleware(), "")
	require.NoError(t, err)
	ctx := c.Request().Context()
	assert.Equal(t, "dev-admin", ActorIDFromContext(ctx))
	assert.True(t, HasRole(ctx, RolePatient), "administrator holds every role")
}

func TestDevAuthMiddleware_Impersonation(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevActorHeader, "patient-42")
	req.Header.Set(DevRolesHeader, "patient, ")
	c := e.NewContext(req, httptest.NewRecorder())

	err := DevAuthMiddleware()(func(c echo.Context) error {
		ctx := c.Request().Context()
		assert.Equal(t, "patient-42", ActorIDFromContext(ctx))
		assert.Equal(t, []string{RolePatient}, RolesFromContext(ctx))
		assert.False(t, HasRole(ctx, RoleAdministrator))
		return nil
	})(c)
	require.NoError(t, err)
}

func newRSAJWKS(t *testing.T, kid string) (*rsa.PrivateKey, *httptest.Server, *atomic.Int32) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	t.Cleanup(srv.Close)
	return key, srv, hits
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, srv, _ := newRSAJWKS(t, "k1")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "svc-records", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Roles:            []string{RoleDataService},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	c, err := runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), "Bearer "+signed)
	require.NoError(t, err)
	assert.Equal(t, "svc-records", ActorIDFromContext(c.Request().Context()))
}

func TestJWKSCache_CachesUntilTTL(t *testing.T) {
	_, srv, hits := newRSAJWKS(t, "k1")
	cache := NewJWKSCache(srv.URL, time.Hour)

	_, err := cache.GetKey("k1")
	require.NoError(t, err)
	_, err = cache.GetKey("k1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = cache.GetKey("unknown")
	assert.Error(t, err)
	assert.Equal(t, int32(2), hits.Load(), "a miss refetches the key set")
}

func TestOIDCProvider_Discovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":   "https://idp.example.com",
			"jwks_uri": "https://idp.example.com/jwks",
		})
	}))
	defer srv.Close()

	p, err := NewOIDCProvider(srv.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/jwks", p.JWKSURI)
}

func TestOIDCProvider_MissingJWKSURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
	}))
	defer srv.Close()

	_, err := NewOIDCProvider(srv.URL)
	assert.Error(t, err)
}

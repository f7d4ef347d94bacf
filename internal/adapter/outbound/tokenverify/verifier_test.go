package tokenverify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const testKeyID = "test-key-1"

// newJWKSServer publishes the public half of a fresh RSA key as a JWKS
// document and returns the server plus a signer for matching tokens.
func newJWKSServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	key, err := jwk.Import(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("import public key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	keySet := jwk.NewSet()
	if err := keySet.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		buf, err := json.Marshal(keySet)
		if err != nil {
			t.Errorf("marshal key set: %v", err)
			return
		}
		w.Write(buf)
	}))
	t.Cleanup(srv.Close)
	return srv, privateKey
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func TestVerifyJWT(t *testing.T) {
	jwks, key := newJWKSServer(t)

	baseClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":                "http://keycloak:8080/realms/mcp",
			"sub":                "u-1",
			"preferred_username": "alice",
			"aud":                "http://gateway:8000",
			"scope":              "mcp:read mcp:invoke",
			"exp":                time.Now().Add(time.Hour).Unix(),
		}
	}

	cfg := Config{
		IssuerInternal: "http://keycloak:8080/realms/mcp",
		IssuerExternal: "http://localhost:8080/realms/mcp",
		JWKSURL:        jwks.URL,
		Audiences:      []string{"http://gateway:8000"},
		RequiredScopes: []string{"mcp:read", "mcp:invoke"},
		CacheTTL:       time.Minute,
	}

	t.Run("valid token", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims, err := v.Verify(context.Background(), signToken(t, key, baseClaims()))
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if claims["preferred_username"] != "alice" {
			t.Errorf("claims = %v", claims)
		}
	})

	t.Run("external issuer form accepted", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims := baseClaims()
		claims["iss"] = "http://localhost:8080/realms/mcp"
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	})

	t.Run("unknown issuer rejected", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims := baseClaims()
		claims["iss"] = "http://evil.example.com"
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expired token rejected", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims := baseClaims()
		claims["exp"] = time.Now().Add(-time.Minute).Unix()
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong audience rejected", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims := baseClaims()
		claims["aud"] = "http://other-service"
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("missing audience tolerated", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims := baseClaims()
		delete(claims, "aud")
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	})

	t.Run("missing scope is ErrMissingScopes", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims := baseClaims()
		claims["scope"] = "mcp:read"
		_, err := v.Verify(context.Background(), signToken(t, key, claims))
		if !errors.Is(err, ErrMissingScopes) {
			t.Fatalf("error = %v, want ErrMissingScopes", err)
		}
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		v := newVerifier(t, cfg)
		if _, err := v.Verify(context.Background(), "a.b.c"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("error = %v, want ErrInvalidToken", err)
		}
	})
}

func TestVerifyIntrospection(t *testing.T) {
	introspection := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "gateway" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("token") {
		case "opaque-good":
			json.NewEncoder(w).Encode(map[string]any{
				"active": true,
				"sub":    "svc-1",
				"aud":    []string{"http://gateway:8000"},
				"scope":  "mcp:read mcp:invoke",
				"exp":    time.Now().Add(time.Hour).Unix(),
			})
		case "opaque-wrong-aud":
			json.NewEncoder(w).Encode(map[string]any{
				"active": true,
				"aud":    []string{"http://other"},
				"scope":  "mcp:read mcp:invoke",
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"active": false})
		}
	}))
	t.Cleanup(introspection.Close)

	cfg := Config{
		IntrospectionURL: introspection.URL,
		ClientID:         "gateway",
		ClientSecret:     "s3cret",
		ResourceURL:      "http://gateway:8000",
		RequiredScopes:   []string{"mcp:read", "mcp:invoke"},
		CacheTTL:         time.Minute,
	}

	t.Run("active token accepted", func(t *testing.T) {
		v := newVerifier(t, cfg)
		claims, err := v.Verify(context.Background(), "opaque-good")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if claims["sub"] != "svc-1" {
			t.Errorf("claims = %v", claims)
		}
	})

	t.Run("inactive token rejected", func(t *testing.T) {
		v := newVerifier(t, cfg)
		if _, err := v.Verify(context.Background(), "opaque-revoked"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("audience must include resource url", func(t *testing.T) {
		v := newVerifier(t, cfg)
		if _, err := v.Verify(context.Background(), "opaque-wrong-aud"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("no endpoint configured", func(t *testing.T) {
		v := newVerifier(t, Config{CacheTTL: time.Minute})
		if _, err := v.Verify(context.Background(), "opaque"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("error = %v, want ErrInvalidToken", err)
		}
	})
}

func TestVerifyCachesVerdicts(t *testing.T) {
	var calls int
	introspection := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"active": true,
			"aud":    []string{"http://gateway:8000"},
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
	}))
	t.Cleanup(introspection.Close)

	v := newVerifier(t, Config{
		IntrospectionURL: introspection.URL,
		ResourceURL:      "http://gateway:8000",
		CacheTTL:         time.Minute,
	})

	for range 3 {
		if _, err := v.Verify(context.Background(), "opaque"); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("introspection calls = %d, want 1 (cache miss only)", calls)
	}
}

func TestTokenCacheExpiry(t *testing.T) {
	cache := newTokenCache(time.Minute)

	// The token's own expiry is sooner than the TTL and wins.
	cache.put("tok", map[string]any{"sub": "x"}, time.Now().Add(20*time.Millisecond))
	if _, ok := cache.get("tok"); !ok {
		t.Fatal("fresh entry should be returned")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := cache.get("tok"); ok {
		t.Error("expired entry must not be returned")
	}

	// Already-expired tokens are not cached at all.
	cache.put("dead", map[string]any{}, time.Now().Add(-time.Second))
	if _, ok := cache.get("dead"); ok {
		t.Error("expired token should not be cached")
	}

	// Sweep removes dead entries on insert.
	cache.put("live", map[string]any{}, time.Time{})
	if cache.len() != 1 {
		t.Errorf("cache len = %d, want 1 after sweep", cache.len())
	}
}

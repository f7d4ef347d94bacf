// Package tokenverify validates bearer tokens two ways: JWKS-verified
// JWT for public clients, and RFC 7662 introspection for confidential
// clients. Verified claim sets are cached with a TTL bounded by the
// token's own remaining lifetime.
package tokenverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Sentinel errors. ErrMissingScopes maps to HTTP 403; every other
// verification failure maps to 401 with the OAuth challenge.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingScopes = errors.New("missing required scopes")
)

// Config holds verifier settings.
type Config struct {
	// IssuerInternal and IssuerExternal are both accepted as the iss
	// claim. Two forms tolerate Docker-hostname rewriting between the
	// gateway's view of the issuer and the client's.
	IssuerInternal string
	IssuerExternal string
	// JWKSURL is the issuer's signing key set endpoint.
	JWKSURL string
	// Algorithm is the accepted JWT signing algorithm, e.g. RS256.
	Algorithm string
	// Audiences are the accepted aud values (resource URL, configured
	// audience). Checked only when the token carries an aud claim.
	Audiences []string
	// RequiredScopes must all be present in the token's scope claim.
	RequiredScopes []string
	// IntrospectionURL enables the RFC 7662 path for opaque tokens.
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	// ResourceURL is the value introspected tokens must carry in aud.
	ResourceURL string
	// CacheTTL bounds how long verified claims are reused.
	CacheTTL time.Duration
	// HTTPClient is used for JWKS and introspection calls.
	HTTPClient *http.Client
}

// Verifier validates bearer tokens and caches verdicts.
type Verifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	cache  *tokenCache

	jwks *jwk.Cache

	// JWKS registration is lazy so a slow issuer cannot block startup.
	regMu      sync.Mutex
	registered bool
	regErr     error
}

// New creates a verifier. ctx governs the JWKS cache's background
// refresh; cancel it on shutdown.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "RS256"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	v := &Verifier{
		cfg:    cfg,
		logger: logger,
		client: client,
		cache:  newTokenCache(cfg.CacheTTL),
	}

	if cfg.JWKSURL != "" {
		httprcClient := httprc.NewClient(httprc.WithHTTPClient(client))
		cache, err := jwk.NewCache(ctx, httprcClient)
		if err != nil {
			return nil, fmt.Errorf("create jwks cache: %w", err)
		}
		v.jwks = cache
	}

	return v, nil
}

// Verify validates a bearer token and returns its claim set. JWTs (three
// dot-separated segments) go through the JWKS path; anything else is
// introspected. Cached verdicts are returned until they expire.
func (v *Verifier) Verify(ctx context.Context, token string) (map[string]any, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if claims, ok := v.cache.get(token); ok {
		return claims, nil
	}

	var (
		claims jwt.MapClaims
		err    error
	)
	if strings.Count(token, ".") == 2 && v.jwks != nil {
		claims, err = v.verifyJWT(ctx, token)
	} else {
		claims, err = v.introspect(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	if err := v.checkScopes(claims); err != nil {
		return nil, err
	}

	v.cache.put(token, claims, claimExpiry(claims))
	return claims, nil
}

// Close releases the cache.
func (v *Verifier) Close() {
	v.cache.stop()
}

func (v *Verifier) verifyJWT(ctx context.Context, token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, t)
	}, jwt.WithValidMethods([]string{v.cfg.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	if err := v.checkIssuer(claims); err != nil {
		return nil, err
	}
	if err := v.checkAudience(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) keyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}
	keySet, err := v.jwks.Lookup(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("lookup jwks: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %q not found in jwks", kid)
	}
	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("export jwks key: %w", err)
	}
	return rawKey, nil
}

func (v *Verifier) ensureRegistered(ctx context.Context) error {
	v.regMu.Lock()
	defer v.regMu.Unlock()
	if v.registered {
		return v.regErr
	}
	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := v.jwks.Register(regCtx, v.cfg.JWKSURL); err != nil {
		v.regErr = fmt.Errorf("register jwks url: %w", err)
	}
	v.registered = true
	return v.regErr
}

func (v *Verifier) checkIssuer(claims jwt.MapClaims) error {
	accepted := acceptedSet(v.cfg.IssuerInternal, v.cfg.IssuerExternal)
	if len(accepted) == 0 {
		return nil
	}
	iss, err := claims.GetIssuer()
	if err != nil {
		return fmt.Errorf("%w: issuer claim: %v", ErrInvalidToken, err)
	}
	if _, ok := accepted[strings.TrimRight(iss, "/")]; !ok {
		return fmt.Errorf("%w: issuer %q is not accepted", ErrInvalidToken, iss)
	}
	return nil
}

// checkAudience enforces the accepted audiences only when the token
// carries an aud claim at all.
func (v *Verifier) checkAudience(claims jwt.MapClaims) error {
	if len(v.cfg.Audiences) == 0 {
		return nil
	}
	if _, present := claims["aud"]; !present {
		return nil
	}
	auds, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("%w: audience claim: %v", ErrInvalidToken, err)
	}
	for _, aud := range auds {
		for _, accepted := range v.cfg.Audiences {
			if aud == accepted {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: audience %v is not accepted", ErrInvalidToken, []string(auds))
}

func (v *Verifier) checkScopes(claims jwt.MapClaims) error {
	if len(v.cfg.RequiredScopes) == 0 {
		return nil
	}
	scope, _ := claims["scope"].(string)
	granted := make(map[string]struct{})
	for _, s := range strings.Fields(scope) {
		granted[s] = struct{}{}
	}
	var missing []string
	for _, required := range v.cfg.RequiredScopes {
		if _, ok := granted[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingScopes, strings.Join(missing, " "))
	}
	return nil
}

// introspect validates an opaque token via RFC 7662.
func (v *Verifier) introspect(ctx context.Context, token string) (jwt.MapClaims, error) {
	if v.cfg.IntrospectionURL == "" {
		return nil, fmt.Errorf("%w: no introspection endpoint configured for opaque tokens", ErrInvalidToken)
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.cfg.ClientID != "" {
		req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: introspection returned %d: %s", ErrInvalidToken, resp.StatusCode, body)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}

	active, _ := result["active"].(bool)
	if !active {
		return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
	}

	claims := jwt.MapClaims(result)
	if v.cfg.ResourceURL != "" {
		if err := audContains(claims, v.cfg.ResourceURL); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func audContains(claims jwt.MapClaims, want string) error {
	auds, err := claims.GetAudience()
	if err != nil || len(auds) == 0 {
		return fmt.Errorf("%w: introspected token has no audience", ErrInvalidToken)
	}
	for _, aud := range auds {
		if aud == want {
			return nil
		}
	}
	return fmt.Errorf("%w: introspected audience %v does not include %q", ErrInvalidToken, []string(auds), want)
}

func acceptedSet(issuers ...string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, iss := range issuers {
		if iss != "" {
			out[strings.TrimRight(iss, "/")] = struct{}{}
		}
	}
	return out
}

// claimExpiry extracts the token's own expiry, or zero when absent.
func claimExpiry(claims jwt.MapClaims) time.Time {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

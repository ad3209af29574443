package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// tokenValidator checks bearer tokens against a remote JWKS endpoint,
// grounded on the teacher's auth.JWTValidator (MicahParks/keyfunc/v3,
// golang-jwt/jwt/v5) — reusing the same packages for the minimal
// transport-layer check named in spec.md §6, not the teacher's full
// session/cookie bootstrap flow.
type tokenValidator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
}

type claims struct {
	jwt.RegisteredClaims
}

func newTokenValidator(jwksURL, audience, issuer string) (*tokenValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("httpapi: create JWKS keyfunc: %w", err)
	}
	return &tokenValidator{jwks: k, audience: audience, issuer: issuer}, nil
}

func (v *tokenValidator) validate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, v.jwks.Keyfunc)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	c, ok := token.Claims.(*claims)
	if !ok {
		return fmt.Errorf("invalid claims type")
	}

	if v.audience != "" {
		aud, err := c.GetAudience()
		if err != nil {
			return fmt.Errorf("get audience: %w", err)
		}
		if !containsString(aud, v.audience) {
			return fmt.Errorf("invalid audience")
		}
	}
	if v.issuer != "" {
		iss, err := c.GetIssuer()
		if err != nil {
			return fmt.Errorf("get issuer: %w", err)
		}
		if iss != v.issuer {
			return fmt.Errorf("invalid issuer")
		}
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireAuth wraps next with a bearer-token check. Auth is a no-op when the
// server was built without a JWKS endpoint (PermissionGate-style opt-in
// ambient concern, not a hard requirement of this transport).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := s.auth.validate(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// requireAuthWS is identical to requireAuth but used ahead of WebSocket
// upgrades, kept as a separate wrapper so the two call sites can diverge
// (e.g. different error rendering) without entangling HTTP and WS concerns.
func (s *Server) requireAuthWS(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(next)
}

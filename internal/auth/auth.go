// Package auth implements the connection trust-tag classification from
// spec.md §6: every accepted Gateway connection is classified exactly
// once, at accept time, as Local, Authenticated{identity}, or Anonymous,
// and that classification never changes for the connection's lifetime
// (spec.md §3 invariant 5).
//
// Grounded in the teacher's internal/auth/jwt.go (HMAC-signed claims with
// iss/sub/exp/nbf, 24h expiry), generalized here to validate either a
// locally-signed HS256 token (golang-jwt/jwt/v5) or an upstream OIDC
// identity token (coreos/go-oidc/v3), since spec.md §6 only requires "a
// valid signed assertion" without naming a single issuer.
package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Trust is the classification of an accepted connection.
type Trust string

const (
	TrustLocal         Trust = "local"
	TrustAuthenticated Trust = "authenticated"
	TrustAnonymous     Trust = "anonymous"
)

// Context is the immutable trust classification attached to a Connection
// at accept time (spec.md §3: "Trust tag of a connection is immutable for
// the connection's lifetime").
type Context struct {
	Trust    Trust
	Identity string
}

// Classifier assigns a Context to each accepted HTTP request before it is
// upgraded to a WebSocket.
type Classifier struct {
	jwtSecret      []byte
	headerName     string
	cookieName     string
	allowAnonymous bool
	oidcVerifier   *oidc.IDTokenVerifier
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithJWTSecret enables local HS256 bearer-token validation.
func WithJWTSecret(secret []byte) Option {
	return func(c *Classifier) { c.jwtSecret = secret }
}

// WithOIDCVerifier enables upstream OIDC identity-token validation.
func WithOIDCVerifier(v *oidc.IDTokenVerifier) Option {
	return func(c *Classifier) { c.oidcVerifier = v }
}

// DiscoverOIDCVerifier builds an IDTokenVerifier by fetching issuerURL's
// discovery document, grounded in the teacher's NewOIDCAuthenticator
// (internal/auth/oidc.go), trimmed to the one thing RelayBroker needs from
// an OIDC provider: a way to verify an already-issued ID token. The
// teacher's authorization-code login flow (oauth2.Config, AuthCodeURL,
// token exchange) has no home here — spec.md §6 scopes identity down to
// classifying a presented assertion, not brokering a login redirect.
func DiscoverOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("auth: discover oidc provider %q: %w", issuerURL, err)
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// WithAllowAnonymous controls whether a remote peer without a valid
// assertion is classified Anonymous (true) or rejected entirely (false).
func WithAllowAnonymous(allow bool) Option {
	return func(c *Classifier) { c.allowAnonymous = allow }
}

// NewClassifier builds a Classifier reading bearer assertions from
// headerName (default "Authorization") or cookieName (default
// "relaybroker_session").
func NewClassifier(headerName, cookieName string, opts ...Option) *Classifier {
	if headerName == "" {
		headerName = "Authorization"
	}
	if cookieName == "" {
		cookieName = "relaybroker_session"
	}
	c := &Classifier{headerName: headerName, cookieName: cookieName, allowAnonymous: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrUnauthenticated is returned when the peer is remote, presents no
// valid assertion, and anonymous access is disabled.
type ErrUnauthenticated struct{ Reason string }

func (e *ErrUnauthenticated) Error() string { return "auth: " + e.Reason }

// Classify inspects r and returns the connection's trust Context.
func (c *Classifier) Classify(r *http.Request) (Context, error) {
	if isLoopback(r) {
		return Context{Trust: TrustLocal}, nil
	}

	token := c.extractToken(r)
	if token != "" {
		if identity, ok := c.verifyJWT(token); ok {
			return Context{Trust: TrustAuthenticated, Identity: identity}, nil
		}
		if identity, ok := c.verifyOIDC(r.Context(), token); ok {
			return Context{Trust: TrustAuthenticated, Identity: identity}, nil
		}
	}

	if c.allowAnonymous {
		return Context{Trust: TrustAnonymous}, nil
	}
	return Context{}, &ErrUnauthenticated{Reason: "no valid assertion presented and anonymous access is disabled"}
}

func (c *Classifier) extractToken(r *http.Request) string {
	if v := r.Header.Get(c.headerName); v != "" {
		return strings.TrimPrefix(v, "Bearer ")
	}
	if cookie, err := r.Cookie(c.cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// claims is the broker's own JWT claim set, mirroring the teacher's
// user_id/username/role shape reduced to the one field the Gateway needs:
// a stable identity string.
type claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

func (c *Classifier) verifyJWT(token string) (string, bool) {
	if len(c.jwtSecret) == 0 {
		return "", false
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return c.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	cl, ok := parsed.Claims.(*claims)
	if !ok || cl.Subject == "" {
		return "", false
	}
	return cl.Subject, true
}

func (c *Classifier) verifyOIDC(ctx context.Context, token string) (string, bool) {
	if c.oidcVerifier == nil {
		return "", false
	}
	idToken, err := c.oidcVerifier.Verify(ctx, token)
	if err != nil {
		return "", false
	}
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// isLoopback reports whether r was received over a loopback peer address.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

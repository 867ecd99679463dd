package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// RoleOperator is required for operations that change chain state other than
// appending: resuming halted chains and archiving partitions
const RoleOperator = "auditchain:operator"

type contextKey string

// ClaimsContextKey is the context key for validated JWT claims
const ClaimsContextKey contextKey = "jwt_claims"

// Claims are the JWT claims the API understands. The subject is the actor
// recorded on appended records.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string   `json:"sid,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// HasRole reports whether the claims carry role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthConfig configures an Authenticator
type AuthConfig struct {
	// Secret is the HS256 signing key
	Secret   []byte
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp/nbf/iat
	Leeway time.Duration
}

// Authenticator validates bearer tokens
type Authenticator struct {
	config AuthConfig
	parser *jwt.Parser
	logger *zap.Logger
}

// NewAuthenticator creates an HS256 bearer token authenticator
func NewAuthenticator(cfg AuthConfig, logger *zap.Logger) (*Authenticator, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []jwt.ParserOption{
		// prevent algorithm confusion
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Authenticator{
		config: cfg,
		parser: jwt.NewParser(opts...),
		logger: logger,
	}, nil
}

// Validate parses and validates a token string
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.config.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Issue signs a token for subject; used by tests and the CLI
func (a *Authenticator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	if a.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.config.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.config.Secret)
}

// Handler returns an HTTP middleware that rejects requests without a valid
// bearer token
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractToken(r)
		if err != nil {
			respondUnauthorized(w, err.Error())
			return
		}

		claims, err := a.Validate(token)
		if err != nil {
			a.logger.Warn("Token validation failed",
				zap.Error(err),
				zap.String("path", r.URL.Path),
			)
			respondUnauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads the bearer token from the Authorization header, or from
// the access_token query parameter for websocket clients that cannot set
// headers
func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("access_token"); t != "" && websocketUpgrade(r) {
			return t, nil
		}
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid authorization header format")
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("authorization header must use Bearer scheme")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

// GetClaims extracts the JWT claims from a request context
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok && claims != nil
}

// RequireRole returns middleware that requires a specific role. Requests
// without claims pass through, so it is a no-op when auth is disabled.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := GetClaims(r.Context()); ok && !claims.HasRole(role) {
				WriteError(w, http.StatusForbidden, "FORBIDDEN", "missing role "+role, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type Mode string

const (
	ModeNone Mode = "none"
	ModeJWT  Mode = "jwt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type GatewayConfig struct {
	Mode        Mode
	Secret      string
	Issuer      string
	Audience    string
	PublicPaths []string
}

type Principal struct {
	Subject string
	Roles   []string
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Gateway authenticates bearer tokens in front of the engine and, when an
// Authorizer is configured, enforces its policy.
type Gateway struct {
	cfg        GatewayConfig
	parser     *jwt.Parser
	authorizer *Authorizer
	public     map[string]struct{}
	now        func() time.Time
	logger     *slog.Logger
}

func NewGateway(cfg GatewayConfig, authorizer *Authorizer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeNone
	}

	switch cfg.Mode {
	case ModeNone:
	case ModeJWT:
		if cfg.Secret == "" {
			return nil, errors.New("auth: jwt mode requires a secret")
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q (expected none|jwt)", cfg.Mode)
	}

	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, path := range cfg.PublicPaths {
		public[path] = struct{}{}
	}

	return &Gateway{
		cfg:        cfg,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
		authorizer: authorizer,
		public:     public,
		now:        time.Now,
		logger:     logger,
	}, nil
}

func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.Mode == ModeNone {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := g.public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := g.authenticate(r)
		if err != nil {
			g.logger.Warn("Authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			writeError(w, "Authentication required", http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}

		if g.authorizer != nil {
			allowed, err := g.authorizer.Authorize(principal.Roles, r.URL.Path, r.Method)
			if err != nil {
				g.logger.Error("Authorization check failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				writeError(w, "Authorization check failed", http.StatusInternalServerError, "AUTHZ_ERROR")
				return
			}
			if !allowed {
				g.logger.Warn("Authorization denied",
					slog.String("subject", principal.Subject),
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method))
				writeError(w, "Forbidden", http.StatusForbidden, "FORBIDDEN")
				return
			}
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return Principal{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := g.parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(g.cfg.Secret), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	if !claims.VerifyExpiresAt(g.now().Unix(), true) {
		return Principal{}, fmt.Errorf("%w: missing or expired exp", ErrInvalidToken)
	}
	if g.cfg.Issuer != "" && !claims.VerifyIssuer(g.cfg.Issuer, true) {
		return Principal{}, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	if g.cfg.Audience != "" && !claims.VerifyAudience(g.cfg.Audience, true) {
		return Principal{}, fmt.Errorf("%w: unexpected audience", ErrInvalidToken)
	}

	subject, _ := claims["sub"].(string)
	return Principal{Subject: subject, Roles: rolesFromClaims(claims)}, nil
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	if role, ok := claims["role"].(string); ok && role != "" {
		roles = append(roles, role)
	}
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, item := range list {
			if role, ok := item.(string); ok && role != "" {
				roles = append(roles, role)
			}
		}
	}
	return roles
}

func writeError(w http.ResponseWriter, message string, statusCode int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

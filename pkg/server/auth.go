package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/raterudder/chargerudder/pkg/log"
)

// identity is the verified caller of a request.
type identity struct {
	Subject string
	Email   string
	Expiry  time.Time
}

// tokenVerifier validates a Google ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (identity, error)

func oidcVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (identity, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return identity{}, err
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return identity{}, fmt.Errorf("failed to decode claims: %w", err)
		}
		return identity{
			Subject: idToken.Subject,
			Email:   claims.Email,
			Expiry:  idToken.Expiry,
		}, nil
	}
}

// authenticateToken tries every configured audience.
func (s *Server) authenticateToken(ctx context.Context, token string) (identity, error) {
	var errs []error
	for aud, verifier := range s.oidcVerifiers {
		id, err := verifier(ctx, token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", aud, err))
	}
	if len(errs) > 0 {
		return identity{}, errors.Join(errs...)
	}
	return identity{}, errors.New("no valid audiences configured or token invalid")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// schedulerAuthMiddleware only lets the scheduler service account through.
// With no audiences configured the endpoints are open, which is only meant
// for local development.
func (s *Server) schedulerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if len(s.oidcVerifiers) == 0 {
			log.Ctx(ctx).DebugContext(ctx, "no oidc audiences configured, allowing scheduler request")
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "missing scheduler authorization")
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		id, err := s.authenticateToken(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "scheduler token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
		if s.schedulerEmail == "" || subtle.ConstantTimeCompare([]byte(id.Email), []byte(s.schedulerEmail)) != 1 {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email for scheduler", slog.String("email", id.Email))
			writeJSONError(w, "unauthorized email", http.StatusForbidden)
			return
		}

		ctx = log.WithAttrs(ctx, slog.String("authEmail", id.Email))
		log.Ctx(ctx).DebugContext(ctx, "scheduler request authorized")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// webhookAuthMiddleware checks the shared secret when one is configured.
func (s *Server) webhookAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.webhookSecret != "" {
			got := r.Header.Get("X-Webhook-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
				log.Ctx(r.Context()).WarnContext(r.Context(), "invalid webhook secret")
				writeJSONError(w, "invalid webhook secret", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authenticateCaller verifies the bearer token of an RPC and returns the
// caller.
func (s *Server) authenticateCaller(r *http.Request) (identity, error) {
	token, ok := bearerToken(r)
	if !ok {
		return identity{}, errors.New("missing bearer token")
	}
	return s.authenticateToken(r.Context(), token)
}

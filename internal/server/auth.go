package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"raidline/internal/domain"
)

// SignalSecretHeader carries the shared secret of the platform bridge posting signals.
const SignalSecretHeader = "X-Raidline-Secret"

type AuthConfig struct {
	JWTSecret string
	// SignalSecret guards the signals endpoint; signals are refused while it is empty.
	SignalSecret string
	// AllowHeaderIdentity trusts X-Participant-Id without a token. Local development only.
	AllowHeaderIdentity bool
}

type Principal struct {
	ParticipantID string
	Source        string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// participantFromContext returns the caller as an unresolved participant.
func participantFromContext(ctx context.Context) (domain.Participant, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ParticipantID != "" {
		return domain.Participant{ID: p.ParticipantID}, nil
	}
	return domain.Participant{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// SignToken mints an HS256 token whose subject is the participant id. A zero ttl never expires.
func SignToken(secret, participantID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(participantID) == "" {
		return "", errors.New("participant id required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  participantID,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "raidline",
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ParticipantID: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, logger zerolog.Logger) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	specPath := path.Join(basePath, "openapi.json")
	signalsPath := path.Join(basePath, "signals")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			switch req.URL.Path {
			case healthPath, specPath:
				next.ServeHTTP(w, req)
				return
			case signalsPath:
				got := req.Header.Get(SignalSecretHeader)
				if cfg.SignalSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(cfg.SignalSecret)) != 1 {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid signal secret", nil))
					return
				}
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			headerID := strings.TrimSpace(req.Header.Get("X-Participant-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debug().Err(err).Msg("token rejected")
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if headerID != "" && cfg.AllowHeaderIdentity {
				logger.Warn().Str("participant", headerID).Msg("unauthenticated X-Participant-Id header accepted")
				ctx := withPrincipal(req.Context(), Principal{ParticipantID: headerID, Source: "header"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

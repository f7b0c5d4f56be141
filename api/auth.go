package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

type (
	// Principal is the authenticated caller resolved from a bearer token.
	// The API treats both fields as opaque tags.
	Principal struct {
		// ID routes inbox signals and stamps contributor/asker fields.
		ID string
		// Tenant scopes workflow starts and list queries. Empty principals
		// see only executions they address by workflow ID.
		Tenant string
	}

	// TokenVerifier resolves an opaque bearer token into a principal. A
	// production deployment fronts corpusd with its identity provider and
	// supplies a verifier for its tokens.
	TokenVerifier interface {
		Verify(ctx context.Context, token string) (Principal, error)
	}

	// StaticVerifier maps exact tokens to principals, for tests and closed
	// deployments with issued tokens.
	StaticVerifier map[string]Principal

	// InsecureVerifier accepts any non-empty token and uses it verbatim as
	// the principal ID, with an optional "id@tenant" form. Dev mode only.
	InsecureVerifier struct{}

	principalKey struct{}
)

// ErrInvalidToken is returned by verifiers for unknown or malformed tokens.
var ErrInvalidToken = &verifyError{}

type verifyError struct{}

func (*verifyError) Error() string { return "invalid token" }

// Verify implements TokenVerifier.
func (v StaticVerifier) Verify(_ context.Context, token string) (Principal, error) {
	p, ok := v[token]
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

// Verify implements TokenVerifier.
func (InsecureVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	id, tenant, _ := strings.Cut(token, "@")
	return Principal{ID: id, Tenant: tenant}, nil
}

// PrincipalFrom returns the authenticated principal stored in ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// withPrincipal returns ctx carrying p.
func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// authenticate resolves the Authorization bearer token and stores the
// principal in the request context. Missing or unverifiable tokens get 401.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// principalLimiter applies a token-bucket rate limit per principal ID.
// Limiters live for the process lifetime; the principal population is the
// issued-token population, which is small.
type principalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newPrincipalLimiter(rps float64, burst int) *principalLimiter {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &principalLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *principalLimiter) allow(principal string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[principal]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[principal] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimit rejects principals over their request budget with 429.
func (s *Service) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		if !s.limiter.allow(p.ID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Package identity verifies bearer credentials and carries the caller and
// session through the request context.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/campuscompanion/companion/internal/domain"
)

const (
	SessionHeaderName = "X-Session-ID"
	maxUserBody       = 64 << 10
)

// ErrUnauthorized means the credential was checked and rejected.
var ErrUnauthorized = errors.New("invalid or expired credential")

type contextKey int

const (
	userKey contextKey = iota
	sessionIDKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Verifier resolves a bearer token to a user.
type Verifier interface {
	Verify(ctx context.Context, token string) (*domain.User, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (*domain.User, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*domain.User, error) {
	return f(ctx, token)
}

// HTTPVerifier asks the auth provider who owns a token.
type HTTPVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPVerifier creates a verifier for GET {baseURL}/user.
func NewHTTPVerifier(baseURL, apiKey string, httpClient *http.Client) *HTTPVerifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPVerifier{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
}

type providerUser struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"user_metadata"`
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (*domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("auth provider returned status %d", resp.StatusCode)
	}

	var pu providerUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserBody)).Decode(&pu); err != nil {
		return nil, fmt.Errorf("decode auth user: %w", err)
	}
	if pu.ID == "" {
		return nil, ErrUnauthorized
	}
	name := pu.UserMetadata.FullName
	if name == "" {
		name = pu.UserMetadata.Name
	}
	return &domain.User{ID: pu.ID, Email: pu.Email, Name: name}, nil
}

// DevVerifier accepts any non-empty token and uses it as the user id. It is
// only wired when no auth provider is configured in development.
func DevVerifier() Verifier {
	return VerifierFunc(func(_ context.Context, token string) (*domain.User, error) {
		if token == "" {
			return nil, ErrUnauthorized
		}
		return &domain.User{ID: token, Name: "dev-" + lastN(token, 8)}, nil
	})
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// UserFromContext returns the verified caller, or nil for anonymous requests.
func UserFromContext(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userKey).(*domain.User)
	return u
}

// UserIDFromContext returns the caller's id, or "".
func UserIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.ID
	}
	return ""
}

// SessionIDFromContext returns the conversation session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u *domain.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// WithSessionID stores a sanitized session id in ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, SanitizeSessionID(id))
}

// SanitizeSessionID returns id when it is a safe identifier and "" otherwise.
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(token), true
}

// Middleware verifies the bearer token when one is present. A rejected
// token is a 401; a missing one leaves the request anonymous. The session id
// comes from the X-Session-ID header.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithSessionID(r.Context(), r.Header.Get(SessionHeaderName))

			token, present := bearerToken(r)
			if present {
				if token == "" || v == nil {
					writeError(w, http.StatusUnauthorized, "invalid authorization header")
					return
				}
				user, err := v.Verify(ctx, token)
				switch {
				case errors.Is(err, ErrUnauthorized):
					writeError(w, http.StatusUnauthorized, "invalid or expired token")
					return
				case err != nil:
					writeError(w, http.StatusServiceUnavailable, "authentication is temporarily unavailable")
					return
				}
				ctx = WithUser(ctx, user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// IPFromRequest returns a normalized remote IP for rate limiting anonymous callers.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

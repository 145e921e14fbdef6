package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
)

// AuthType defines the authentication method
type AuthType string

const (
	AuthTypeLocal    AuthType = "local"
	AuthTypeAPIToken AuthType = "api-token"
)

// TokenBinding ties an API token to the one actor allowed to use it.
type TokenBinding struct {
	Token string `yaml:"token"`
	Actor string `yaml:"actor"`
}

// AuthConfig holds authentication configuration. Token is a shared token
// whose holder may act as anyone through X-Actor-ID. Tokens listed in
// Actors only ever act as their bound actor.
type AuthConfig struct {
	Type   AuthType       `yaml:"type"`
	Token  string         `yaml:"token,omitempty"`
	Actors []TokenBinding `yaml:"actors,omitempty"`
}

var (
	errNotLocal     = errors.New("local auth requires a loopback connection")
	errMissingToken = errors.New("missing authorization token")
	errInvalidToken = errors.New("invalid token")
)

// Authenticator handles authentication
type Authenticator struct {
	config *AuthConfig
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(config *AuthConfig) *Authenticator {
	return &Authenticator{config: config}
}

// Authenticate validates a request and returns the actor its credentials
// are bound to. An empty actor means the caller may name any actor.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	switch a.config.Type {
	case AuthTypeLocal:
		if !isLoopback(r.RemoteAddr) {
			return "", errNotLocal
		}
		return "", nil
	case AuthTypeAPIToken:
		return a.authenticateAPIToken(r)
	default:
		return "", errors.New("unknown auth type")
	}
}

func (a *Authenticator) authenticateAPIToken(r *http.Request) (string, error) {
	token := extractBearerToken(r)
	if token == "" {
		return "", errMissingToken
	}
	// Every binding is compared so the match position does not leak through timing.
	actor, matched := "", false
	for _, b := range a.config.Actors {
		if b.Token != "" && secureCompare(token, b.Token) && !matched {
			actor, matched = b.Actor, true
		}
	}
	if matched {
		return actor, nil
	}
	if a.config.Token != "" && secureCompare(token, a.config.Token) {
		return "", nil
	}
	return "", errInvalidToken
}

// isLoopback reports whether the connection's peer address is a loopback
// address. Forwarding headers are never consulted.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// extractBearerToken extracts the bearer token from Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type boundActorKey struct{}

// Middleware rejects unauthenticated requests with 401 and records the
// actor bound to the caller's token for actorMiddleware.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if actor != "" {
			r = r.WithContext(context.WithValue(r.Context(), boundActorKey{}, actor))
		}
		next.ServeHTTP(w, r)
	})
}

// ActorHeader carries the id of the acting user or bot.
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// actorMiddleware resolves the acting identity. A token bound to an actor
// fixes the identity and an X-Actor-ID naming someone else is refused with
// 403. Otherwise the header is taken as given.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(ActorHeader))
		if bound, ok := r.Context().Value(boundActorKey{}).(string); ok {
			if header != "" && header != bound {
				writeError(w, http.StatusForbidden, "token is not valid for actor "+header)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), actorKey{}, bound))
		} else if header != "" {
			r = r.WithContext(context.WithValue(r.Context(), actorKey{}, header))
		}
		next.ServeHTTP(w, r)
	})
}

// actorFrom returns the resolved request actor, falling back to the body's
// actor_id only when the request carries no identity of its own.
func actorFrom(r *http.Request, bodyActor string) string {
	if id, ok := r.Context().Value(actorKey{}).(string); ok {
		return id
	}
	return strings.TrimSpace(bodyActor)
}

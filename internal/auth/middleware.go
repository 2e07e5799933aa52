package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/mistakeknot/circulate/internal/core"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
	ModeToken     Mode = "token"
)

// Headers naming the caller on localhost requests.
const (
	HeaderUser = "X-Circulate-User"
	HeaderRole = "X-Circulate-Role"
)

// LocalUser is the identity of a localhost request without HeaderUser.
const LocalUser = "local"

type Info struct {
	Mode      Mode
	Actor     core.Actor
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// ActorFromContext returns the authenticated caller.
func ActorFromContext(ctx context.Context) (core.Actor, bool) {
	info, ok := FromContext(ctx)
	if !ok {
		return core.Actor{}, false
	}
	return info.Actor, true
}

// WithActor attaches an actor to ctx the way Middleware does.
func WithActor(ctx context.Context, mode Mode, actor core.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, Info{Mode: mode, Actor: actor, Localhost: mode == ModeLocalhost})
}

// Middleware authenticates requests. Localhost callers may name themselves
// through HeaderUser; HeaderRole is honoured only for unix socket peers or
// when the keyring allows localhost admins. Everyone else presents an API
// key or, when jwtSecret is set, a signed token as a bearer credential.
func Middleware(ring *Keyring, jwtSecret []byte) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := classifyPeer(r); ring.AllowLocalhostWithoutAuth && p != peerRemote {
				if _, ok := bearer(r); !ok {
					admin := p == peerUnix || ring.AllowLocalhostAdmin
					next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), ModeLocalhost, localActor(r, admin))))
					return
				}
			}
			mode, actor, ok := authorize(r, ring, jwtSecret)
			if !ok {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), mode, actor)))
		})
	}
}

func localActor(r *http.Request, allowAdmin bool) core.Actor {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		user = LocalUser
	}
	role := strings.TrimSpace(r.Header.Get(HeaderRole))
	return core.Actor{UserID: user, Admin: allowAdmin && strings.EqualFold(role, RoleAdmin)}
}

func bearer(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	key := strings.TrimSpace(parts[1])
	return key, key != ""
}

func authorize(r *http.Request, ring *Keyring, jwtSecret []byte) (Mode, core.Actor, bool) {
	key, ok := bearer(r)
	if !ok {
		return "", core.Actor{}, false
	}
	if actor, ok := ring.ActorForKey(key); ok {
		return ModeAPIKey, actor, true
	}
	if len(jwtSecret) == 0 || strings.Count(key, ".") != 2 {
		return "", core.Actor{}, false
	}
	actor, err := ParseToken(jwtSecret, key)
	if err != nil {
		return "", core.Actor{}, false
	}
	return ModeToken, actor, true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "unauthorized", "message": "missing or invalid credentials"},
	})
}

type peer int

const (
	peerRemote peer = iota
	peerLoopback
	peerUnix
)

// classifyPeer looks at the direct connection first. X-Forwarded-For is
// only consulted behind a loopback proxy, and can only make the caller
// less trusted.
func classifyPeer(r *http.Request) peer {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "@" {
		// unix socket peers report an empty or "@" address
		return peerUnix
	}
	if parsed := net.ParseIP(host); parsed == nil || !parsed.IsLoopback() {
		return peerRemote
	}
	if fwd := forwardedFor(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if parsed := net.ParseIP(fwd); parsed == nil || !parsed.IsLoopback() {
			return peerRemote
		}
	}
	return peerLoopback
}

func forwardedFor(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ",")
	return strings.TrimSpace(parts[0])
}

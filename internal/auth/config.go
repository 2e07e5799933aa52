package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mistakeknot/circulate/internal/core"
	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "circulate.keys.yaml"

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
		AllowLocalhostAdmin       *bool `yaml:"allow_localhost_admin,omitempty"`
	} `yaml:"default_policy"`
	Users map[string]userKeys `yaml:"users"`
}

type userKeys struct {
	Role string   `yaml:"role"`
	Keys []string `yaml:"keys"`
}

type Keyring struct {
	AllowLocalhostWithoutAuth bool
	// AllowLocalhostAdmin lets loopback TCP callers claim the admin role
	// through HeaderRole. Unix socket peers may always do so.
	AllowLocalhostAdmin bool
	keyToActor                map[string]core.Actor
}

// ValidRole reports whether role is one the service understands.
func ValidRole(role string) bool {
	return role == RoleMember || role == RoleAdmin
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("CIRCULATE_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads the keys file at path, bootstrapping a dev admin key
// when the file does not exist yet.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
		if _, err := BootstrapDevKey(path, "dev"); err != nil {
			return nil, fmt.Errorf("bootstrap dev key: %w", err)
		}
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := defaultKeyring()
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	if cfg.DefaultPolicy.AllowLocalhostAdmin != nil {
		ring.AllowLocalhostAdmin = *cfg.DefaultPolicy.AllowLocalhostAdmin
	}
	for user, uk := range cfg.Users {
		role := strings.TrimSpace(uk.Role)
		if role == "" {
			role = RoleMember
		}
		if !ValidRole(role) {
			return nil, fmt.Errorf("user %q: unknown role %q", user, role)
		}
		actor := core.Actor{UserID: user, Admin: role == RoleAdmin}
		for _, key := range uk.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToActor[key]; ok && existing.UserID != user {
				return nil, fmt.Errorf("key reused across users: %q", key)
			}
			ring.keyToActor[key] = actor
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToActor: make(map[string]core.Actor)}
}

func NewKeyring(allowLocalhost bool, keyToActor map[string]core.Actor) *Keyring {
	clone := make(map[string]core.Actor, len(keyToActor))
	for k, v := range keyToActor {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToActor: clone}
}

func (k *Keyring) ActorForKey(key string) (core.Actor, bool) {
	if k == nil {
		return core.Actor{}, false
	}
	a, ok := k.keyToActor[key]
	return a, ok
}

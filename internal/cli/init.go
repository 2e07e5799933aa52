package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/circulate/internal/auth"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Users map[string]userKeys `yaml:"users"`
}

type userKeys struct {
	Role string   `yaml:"role"`
	Keys []string `yaml:"keys"`
}

// InitKeysFile appends a fresh API key for user to the keys file at path,
// creating the file if needed. An existing user keeps its role unless role
// is non-empty.
func InitKeysFile(path, user, role string) (string, error) {
	path = strings.TrimSpace(path)
	user = strings.TrimSpace(user)
	role = strings.TrimSpace(role)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if user == "" {
		return "", fmt.Errorf("user required")
	}
	if role != "" && !auth.ValidRole(role) {
		return "", fmt.Errorf("role must be %s or %s, got %q", auth.RoleMember, auth.RoleAdmin, role)
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Users == nil {
		cfg.Users = make(map[string]userKeys)
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return "", err
	}
	uk := cfg.Users[user]
	uk.Keys = append(uk.Keys, key)
	if role != "" {
		uk.Role = role
	}
	if uk.Role == "" {
		uk.Role = auth.RoleMember
	}
	cfg.Users[user] = uk
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}

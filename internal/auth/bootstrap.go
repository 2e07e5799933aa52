package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapResult contains info about a bootstrapped dev key.
type BootstrapResult struct {
	KeysFile string
	User     string
	Key      string
	Created  bool
}

// BootstrapDevKey creates a keys file holding one admin key for user when
// keysPath does not exist. An existing file is left untouched.
func BootstrapDevKey(keysPath, user string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if user == "" {
		user = "dev"
	}

	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	cfg := keysFile{
		Users: map[string]userKeys{
			user: {Role: RoleAdmin, Keys: []string{key}},
		},
	}
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(keysPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}

	return &BootstrapResult{
		KeysFile: keysPath,
		User:     user,
		Key:      key,
		Created:  true,
	}, nil
}

// GenerateKey returns a random URL-safe API key.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	credEnvPrefix  = "env:"
	credFilePrefix = "file:"
)

// ErrCredentialNotFound is returned when a credential reference resolves to nothing.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is a resolved username/password (or access key/secret) pair.
type Credential struct {
	Username string
	Password string
}

// IsZero reports whether no credential material is present.
func (c Credential) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// ResolveCredential resolves a credential reference. Supported forms:
//
//	env:PREFIX   reads PREFIX_USERNAME and PREFIX_PASSWORD
//	file:/path   reads a single "user:pass" line
//
// An empty reference resolves to a zero Credential.
func ResolveCredential(ref string) (Credential, error) {
	return resolve(ref, "_USERNAME", "_PASSWORD")
}

// ResolveStorageCredential resolves a storage credential reference. The env form
// reads PREFIX_ACCESS_KEY_ID and PREFIX_SECRET_ACCESS_KEY.
func ResolveStorageCredential(ref string) (Credential, error) {
	return resolve(ref, "_ACCESS_KEY_ID", "_SECRET_ACCESS_KEY")
}

func resolve(ref, userSuffix, passSuffix string) (Credential, error) {
	switch {
	case ref == "":
		return Credential{}, nil
	case strings.HasPrefix(ref, credEnvPrefix):
		prefix := strings.TrimPrefix(ref, credEnvPrefix)
		c := Credential{
			Username: os.Getenv(prefix + userSuffix),
			Password: os.Getenv(prefix + passSuffix),
		}
		if c.IsZero() {
			return Credential{}, fmt.Errorf("%w: %s%s/%s unset", ErrCredentialNotFound, prefix, userSuffix, passSuffix)
		}
		return c, nil
	case strings.HasPrefix(ref, credFilePrefix):
		path := filepath.Clean(strings.TrimPrefix(ref, credFilePrefix))
		// #nosec G304 -- credential file paths are provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: %v", ErrCredentialNotFound, err)
		}
		line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		user, pass, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			return Credential{}, fmt.Errorf("credential file %s: expected user:pass", path)
		}
		return Credential{Username: user, Password: pass}, nil
	default:
		return Credential{}, fmt.Errorf("unsupported credential reference %q", ref)
	}
}

// ApplyToURL returns rawURL with the credential set as userinfo. A zero
// credential leaves any userinfo already present in the URL untouched.
func ApplyToURL(rawURL string, c Credential) (string, error) {
	if c.IsZero() {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.User = url.UserPassword(c.Username, c.Password)
	return u.String(), nil
}

// Package providerkeys resolves API credentials for the ASR, MT, and TTS
// backing services a phase implementation calls out to. It stores secrets
// in the OS keychain and falls back to environment variables, the same
// dual-path resolution the daemon's predecessor used for its upstream
// model providers.
package providerkeys

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "dubpipe"

// knownProviders is the list of providers checked by List().
var knownProviders = []string{"anthropic", "whisper", "elevenlabs", "openai", "google"}

// Store provides secure API key storage using the OS keychain, with
// fallback to environment variables.
type Store struct{}

// New creates a new Store instance.
func New() *Store {
	return &Store{}
}

// Set stores an API key for the given provider in the OS keychain.
func (s *Store) Set(provider, key string) error {
	return keyring.Set(serviceName, provider, key)
}

// Get retrieves the API key for the given provider. It first checks the
// OS keychain, then falls back to the environment variable
// DUBPIPE_KEY_{UPPER(provider)}.
func (s *Store) Get(provider string) (string, error) {
	secret, err := keyring.Get(serviceName, provider)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "DUBPIPE_KEY_" + strings.ToUpper(provider)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for provider %q: not in keychain and %s not set", provider, envKey)
}

// Delete removes the API key for the given provider from the OS keychain.
func (s *Store) Delete(provider string) error {
	return keyring.Delete(serviceName, provider)
}

// List returns the names of known providers that currently have keys
// stored, checking both the keychain and environment variables.
func (s *Store) List() ([]string, error) {
	var providers []string

	for _, provider := range knownProviders {
		if secret, err := keyring.Get(serviceName, provider); err == nil && secret != "" {
			providers = append(providers, provider)
			continue
		}
		envKey := "DUBPIPE_KEY_" + strings.ToUpper(provider)
		if val := os.Getenv(envKey); val != "" {
			providers = append(providers, provider)
		}
	}

	return providers, nil
}

// ResolveKeyRef parses a provider's configured key_ref and retrieves the
// corresponding API key. Supported formats:
//   - "keyring://dubpipe/<provider>" (preferred)
//   - "keychain:dubpipe/<provider>" (legacy)
//   - "env:VARIABLE_NAME"
//   - "file:///path/to/key"
func (s *Store) ResolveKeyRef(keyRef string) (string, error) {
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://dubpipe/<provider>\")", keyRef)
		}
		return s.Get(parts[1])
	}

	if strings.HasPrefix(keyRef, "keychain:") {
		path := strings.TrimPrefix(keyRef, "keychain:")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference path: %q (expected \"dubpipe/<provider>\")", path)
		}
		return s.Get(parts[1])
	}

	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://dubpipe/<provider>\", \"keychain:dubpipe/<provider>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}

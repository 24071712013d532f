// Package credential keeps the mailbox password in the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Service is the keyring service name secrets are stored under.
const Service = "attachhound"

// ErrMissing is returned when no password is configured anywhere.
var ErrMissing = errors.New("no mailbox password configured")

func Set(address, secret string) error {
	if address == "" {
		return errors.New("mailbox address must be set before storing a password")
	}
	if err := keyring.Set(Service, address, secret); err != nil {
		return fmt.Errorf("store password for %s: %w", address, err)
	}
	return nil
}

func Get(address string) (string, error) {
	secret, err := keyring.Get(Service, address)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: nothing stored in keyring for %s, run 'attachhound credential set'", ErrMissing, address)
		}
		return "", fmt.Errorf("read password for %s from keyring: %w", address, err)
	}
	return secret, nil
}

func Delete(address string) error {
	if err := keyring.Delete(Service, address); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: nothing stored in keyring for %s", ErrMissing, address)
		}
		return fmt.Errorf("delete password for %s: %w", address, err)
	}
	return nil
}

// Resolve picks the configured password, falling back to the keyring when
// useKeyring is set.
func Resolve(address, configured string, useKeyring bool) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if !useKeyring {
		return "", fmt.Errorf("%w: set mailbox.password, EMAIL_PASSWORD or use the keyring", ErrMissing)
	}
	return Get(address)
}

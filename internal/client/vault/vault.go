package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

const (
	ServiceName = "xynoxa-desktop-client"
	TokenKey    = "auth-token"

	opTimeout = 5 * time.Second
)

// ErrNotFound is returned by Load when no secret is stored under the key.
var ErrNotFound = errors.New("secret not found")

// Vault stores secrets outside of the config file.
type Vault interface {
	Store(ctx context.Context, key, secret string) error
	Load(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Error wraps a failed keyring call.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("keyring %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Keyring is a Vault backed by the OS credential store (Secret Service,
// macOS Keychain, Windows Credential Manager).
type Keyring struct {
	service string
}

func NewKeyring(service string) *Keyring {
	if service == "" {
		service = ServiceName
	}
	return &Keyring{service: service}
}

func (k *Keyring) Store(ctx context.Context, key, secret string) error {
	_, err := withTimeout(ctx, "set", func() (string, error) {
		return "", keyring.Set(k.service, key, secret)
	})
	return err
}

func (k *Keyring) Load(ctx context.Context, key string) (string, error) {
	secret, err := withTimeout(ctx, "get", func() (string, error) {
		return keyring.Get(k.service, key)
	})
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return secret, err
}

// Delete is a no-op when nothing is stored.
func (k *Keyring) Delete(ctx context.Context, key string) error {
	_, err := withTimeout(ctx, "delete", func() (string, error) {
		return "", keyring.Delete(k.service, key)
	})
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// withTimeout runs fn on its own goroutine; some keyring backends block
// indefinitely when the desktop session has no unlocked collection.
func withTimeout(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	type result struct {
		val string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", &Error{Op: op, Err: r.err}
		}
		return r.val, nil
	case <-ctx.Done():
		return "", &Error{Op: op, Err: ctx.Err()}
	}
}

// Memory is an in-process Vault.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemory() *Memory {
	return &Memory{secrets: make(map[string]string)}
}

func (m *Memory) Store(_ context.Context, key, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = secret
	return nil
}

func (m *Memory) Load(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

// Package credentials stores provider API keys and connection secrets.
//
// Values are looked up by dotted names such as "github.token". Every
// operation may fail with an errors.Storage error when the backing store is
// unreachable or cannot encrypt.
package credentials

import (
	"context"
	stderrors "errors"
	"os"
	"strings"
	"sync"

	"github.com/m4xw311/arbor/errors"
)

// ErrNotFound is returned by Get when no value is stored under the name.
var ErrNotFound = stderrors.New("credential not found")

// Store is a key/value secret store.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	Has(ctx context.Context, name string) (bool, error)
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.E(errors.Validation, "credential name must not be empty")
	}
	return nil
}

// MemoryStore keeps secrets in process memory only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(ctx context.Context, name, value string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}

func (m *MemoryStore) Has(ctx context.Context, name string) (bool, error) {
	_, err := m.Get(ctx, name)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// EnvStore reads secrets from the process environment. "github.token" is
// looked up as ARBOR_GITHUB_TOKEN. It is read-only.
type EnvStore struct {
	Prefix string
}

func (e EnvStore) envName(name string) string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "ARBOR_"
	}
	r := strings.NewReplacer(".", "_", "-", "_")
	return prefix + strings.ToUpper(r.Replace(name))
}

func (e EnvStore) Get(ctx context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(e.envName(name))
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (e EnvStore) Set(ctx context.Context, name, value string) error {
	return errors.E(errors.Storage, "environment credential store is read-only")
}

func (e EnvStore) Delete(ctx context.Context, name string) error {
	return errors.E(errors.Storage, "environment credential store is read-only")
}

func (e EnvStore) Has(ctx context.Context, name string) (bool, error) {
	_, ok := os.LookupEnv(e.envName(name))
	return ok, nil
}

// Chain reads from each store in turn and writes to the first.
type Chain []Store

func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, s := range c {
		v, err := s.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		if err != ErrNotFound {
			return "", err
		}
	}
	return "", ErrNotFound
}

func (c Chain) Set(ctx context.Context, name, value string) error {
	if len(c) == 0 {
		return errors.E(errors.Storage, "no credential store configured")
	}
	return c[0].Set(ctx, name, value)
}

func (c Chain) Delete(ctx context.Context, name string) error {
	if len(c) == 0 {
		return errors.E(errors.Storage, "no credential store configured")
	}
	return c[0].Delete(ctx, name)
}

func (c Chain) Has(ctx context.Context, name string) (bool, error) {
	for _, s := range c {
		ok, err := s.Has(ctx, name)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

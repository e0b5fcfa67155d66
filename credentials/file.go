package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/m4xw311/arbor/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var fileMagic = []byte("ARBORCRED1")

const (
	saltSize  = 16
	nonceSize = 24
)

// scrypt cost parameters; tests lower scryptN.
var scryptN = 1 << 15

// FileStore keeps secrets in a file sealed with NaCl secretbox under a key
// derived from a passphrase with scrypt. Without a passphrase every
// operation fails with a Storage error.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase []byte

	loaded bool
	salt   []byte
	key    [32]byte
	values map[string]string
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: []byte(passphrase)}
}

// Available reports whether the store can encrypt.
func (f *FileStore) Available() bool {
	return len(f.passphrase) > 0
}

func (f *FileStore) Get(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(ctx); err != nil {
		return "", err
	}
	v, ok := f.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileStore) Set(ctx context.Context, name, value string) error {
	if err := validName(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(ctx); err != nil {
		return err
	}
	prev, had := f.values[name]
	f.values[name] = value
	if err := f.save(); err != nil {
		if had {
			f.values[name] = prev
		} else {
			delete(f.values, name)
		}
		return err
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(ctx); err != nil {
		return err
	}
	prev, had := f.values[name]
	if !had {
		return nil
	}
	delete(f.values, name)
	if err := f.save(); err != nil {
		f.values[name] = prev
		return err
	}
	return nil
}

func (f *FileStore) Has(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(ctx); err != nil {
		return false, err
	}
	_, ok := f.values[name]
	return ok, nil
}

func (f *FileStore) load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.Available() {
		return errors.E(errors.Storage, "secure storage is not available")
	}
	if f.loaded {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, f.salt); err != nil {
			return errors.WrapKind(errors.Storage, err, "could not generate salt")
		}
		if err := f.deriveKey(); err != nil {
			return err
		}
		f.values = make(map[string]string)
		f.loaded = true
		return nil
	}
	if err != nil {
		return errors.WrapKind(errors.Storage, err, "could not read credentials file %s", f.path)
	}

	if !bytes.HasPrefix(data, fileMagic) || len(data) < len(fileMagic)+saltSize+nonceSize+secretbox.Overhead {
		return errors.E(errors.Storage, "credentials file %s is corrupt", f.path)
	}
	data = data[len(fileMagic):]
	f.salt = append([]byte(nil), data[:saltSize]...)
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])
	if err := f.deriveKey(); err != nil {
		return err
	}
	plain, ok := secretbox.Open(nil, data[saltSize+nonceSize:], &nonce, &f.key)
	if !ok {
		return errors.E(errors.Storage, "could not decrypt credentials file %s", f.path)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(plain, &values); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not parse credentials file %s", f.path)
	}
	f.values = values
	f.loaded = true
	return nil
}

func (f *FileStore) deriveKey() error {
	k, err := scrypt.Key(f.passphrase, f.salt, scryptN, 8, 1, 32)
	if err != nil {
		return errors.WrapKind(errors.Storage, err, "could not derive credentials key")
	}
	copy(f.key[:], k)
	return nil
}

func (f *FileStore) save() error {
	plain, err := json.Marshal(f.values)
	if err != nil {
		return errors.WrapKind(errors.Storage, err, "failed to serialize credentials")
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not generate nonce")
	}
	out := append([]byte(nil), fileMagic...)
	out = append(out, f.salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plain, &nonce, &f.key)

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not create credentials directory")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not write credentials file")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not replace credentials file")
	}
	return nil
}

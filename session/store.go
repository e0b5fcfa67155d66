package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m4xw311/arbor/errors"
)

// Record is the persisted form of a captured session.
type Record struct {
	Session ResumedSession    `json:"session"`
	Context ResumptionContext `json:"context"`
}

// Store keeps one JSON document per session in a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save writes the current session state to disk.
func (s *Store) Save(rec *Record) error {
	if rec.Session.ID == "" {
		return errors.E(errors.Validation, "session without an id")
	}
	rec.Session.UpdatedAt = time.Now()
	path, err := s.path(rec.Session.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not create session directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not write session file %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not replace session file %s", path)
	}
	return nil
}

// Load loads an existing session from disk.
func (s *Store) Load(id string) (*Record, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.E(errors.Validation, "no saved session %q", id)
	}
	if err != nil {
		return nil, errors.WrapKind(errors.Storage, err, "could not read session file %s", path)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.WrapKind(errors.Storage, err, "could not parse session file %s", path)
	}
	return &rec, nil
}

// List returns the saved sessions, most recently updated first. Files that
// cannot be parsed are skipped.
func (s *Store) List() ([]ResumedSession, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapKind(errors.Storage, err, "could not read session directory %s", s.dir)
	}
	var out []ResumedSession
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, rec.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WrapKind(errors.Storage, err, "could not delete session file %s", path)
	}
	return nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", errors.E(errors.Validation, "invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// persistenceError wraps a failure to read or write the progress file. It is
// always fatal for the run: a checkpoint that may not reflect what was
// actually recorded would corrupt resume correctness on the next run.
type persistenceError struct {
	op   string
	path string
	err  error
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("%s progress file %s: %v", e.op, e.path, e.err)
}

func (e *persistenceError) Unwrap() error { return e.err }

// checkpointStore persists the key of the last document written to each
// destination collection in a YAML progress file. The file is the sole basis
// for computing resume conditions across restarts, and is plain key/value
// text so an operator can inspect or reset it by hand.
//
// Access is read-modify-write with no locking, which is safe under the
// tool's single-process model.
type checkpointStore struct {
	path string
}

func newCheckpointStore(path string) *checkpointStore {
	return &checkpointStore{path: path}
}

// Load returns the persisted collection -> last-written-key mapping. A
// missing progress file is initialized with an empty mapping so subsequent
// reads are well-formed.
func (s *checkpointStore) Load() (map[string]string, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(map[string]string{}); err != nil {
			return nil, err
		}
	}

	contents, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &persistenceError{op: "reading", path: s.path, err: err}
	}

	progress := map[string]string{}
	if err := yaml.Unmarshal(contents, &progress); err != nil {
		return nil, &persistenceError{op: "decoding", path: s.path, err: err}
	}
	if progress == nil {
		progress = map[string]string{}
	}

	return progress, nil
}

// RecordLastWritten durably sets collection -> key in the progress file. The
// engine must not proceed to the next batch until this returns.
func (s *checkpointStore) RecordLastWritten(collection, key string) error {
	progress, err := s.Load()
	if err != nil {
		return err
	}

	progress[collection] = key
	if err := s.write(progress); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"collection": collection,
		"lastKey":    key,
	}).Debug("recorded checkpoint")

	return nil
}

// write replaces the whole progress file, syncing before an atomic rename so
// a crash mid-write cannot leave a truncated mapping behind.
func (s *checkpointStore) write(progress map[string]string) error {
	contents, err := yaml.Marshal(progress)
	if err != nil {
		return &persistenceError{op: "encoding", path: s.path, err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp")
	if err != nil {
		return &persistenceError{op: "writing", path: s.path, err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		return &persistenceError{op: "writing", path: s.path, err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &persistenceError{op: "syncing", path: s.path, err: err}
	}
	if err := tmp.Close(); err != nil {
		return &persistenceError{op: "writing", path: s.path, err: err}
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return &persistenceError{op: "replacing", path: s.path, err: err}
	}

	return nil
}

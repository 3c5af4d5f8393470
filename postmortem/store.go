package postmortem

import (
	stderrors "errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/wippyai/loadctx/errors"
)

const keyPrefix = "ctx/"

// Store is a pebble-backed record store.
type Store struct {
	db *pebble.DB
}

// Open opens or creates a store in dir.
func Open(dir string) (*Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.IO(errors.PhasePostmortem, "open store", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.IO(errors.PhasePostmortem, "close store", err)
	}
	return nil
}

func keyFor(contextID string) []byte {
	return []byte(keyPrefix + contextID)
}

// Put writes r, replacing any record for the same context.
func (s *Store) Put(r *Record) error {
	if r.ContextID == "" {
		return errors.InvalidInput(errors.PhasePostmortem, "record without context id")
	}
	data, err := Marshal(r)
	if err != nil {
		return errors.Wrap(errors.PhasePostmortem, errors.KindInvalidData, err, "encode record")
	}
	if err := s.db.Set(keyFor(r.ContextID), data, pebble.Sync); err != nil {
		return errors.New(errors.PhasePostmortem, errors.KindIO).
			Context(r.ContextID).
			Detail("write record").
			Cause(err).
			Build()
	}
	return nil
}

// Get returns the record for contextID.
func (s *Store) Get(contextID string) (*Record, error) {
	val, closer, err := s.db.Get(keyFor(contextID))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return nil, errors.NotFound(errors.PhasePostmortem, "record", contextID)
	}
	if err != nil {
		return nil, errors.IO(errors.PhasePostmortem, "read record", err)
	}
	defer closer.Close()

	r, err := Unmarshal(val)
	if err != nil {
		return nil, errors.Wrap(errors.PhasePostmortem, errors.KindInvalidData, err, "decode record")
	}
	return r, nil
}

// Scan calls fn for every record in key order until fn returns an error.
func (s *Store) Scan(fn func(*Record) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return errors.IO(errors.PhasePostmortem, "open iterator", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		r, err := Unmarshal(iter.Value())
		if err != nil {
			return errors.Wrap(errors.PhasePostmortem, errors.KindInvalidData, err, "decode record")
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return errors.IO(errors.PhasePostmortem, "iterate records", err)
	}
	return nil
}

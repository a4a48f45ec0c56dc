package store

import (
	"errors"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

var (
	// ErrNotFound is returned when no document matches the query.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicate is returned when an insert or rename collides with a
	// unique index.
	ErrDuplicate = errors.New("duplicate document")

	// ErrStaleRevision is returned when an optimistic-concurrency update
	// lost the race against a concurrent writer.
	ErrStaleRevision = errors.New("stale revision")

	// ErrTerminalState is returned when an update targets a sequence that
	// already reached a terminal state.
	ErrTerminalState = errors.New("sequence in terminal state")
)

// mapWriteError translates driver errors into the store sentinels.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// mapFindError translates the driver's no-documents error.
func mapFindError(err error) error {
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

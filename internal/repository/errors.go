package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrAlreadyExists indicates a unique constraint rejected the write.
	ErrAlreadyExists = errors.New("repository: already exists")
	// ErrInvalidArgument indicates the caller supplied unusable input.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrSerialization is the store's signal that the transaction could not be
	// serialized against concurrent ones and must be re-run from scratch.
	ErrSerialization = errors.New("repository: serialization conflict")
)

package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a conditional write lost to existing state, e.g. a
// second deployment attempt while one is still in flight for the client.
var ErrConflict = errors.New("repository: conflicting state")

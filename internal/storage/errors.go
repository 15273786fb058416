package storage

import "errors"

// ErrNotFound is returned when a lookup matches no row. Callers branch
// on it with errors.Is; variants, assignments, and model health all
// share the one sentinel.
var ErrNotFound = errors.New("storage: not found")

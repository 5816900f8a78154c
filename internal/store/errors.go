package store

import "errors"

// Error kinds shared by the scope stores. Service layers wrap these with
// fmt.Errorf("...: %w", store.ErrX); the HTTP boundary maps each kind onto
// the stable error envelope.
var (
	ErrNotFound         = errors.New("NOT_FOUND")
	ErrAlreadyExists    = errors.New("ALREADY_EXISTS")
	ErrConflict         = errors.New("CONFLICT")
	ErrInvalidArgument  = errors.New("INVALID_ARGUMENT")
	ErrPermissionDenied = errors.New("PERMISSION_DENIED")
	ErrUnauthenticated  = errors.New("UNAUTHENTICATED")
)

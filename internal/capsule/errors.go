package capsule

import "errors"

// The user-visible error taxonomy for capsule operations. Handlers map each
// of these to a stable HTTP status and machine-readable code.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("capsule not found")
	ErrForbidden       = errors.New("capsule does not belong to you")
	ErrStillSealed     = errors.New("capsule is still sealed")
	ErrConflict        = errors.New("conflicting capsule state")
)

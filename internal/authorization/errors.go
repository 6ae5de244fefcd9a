package authorization

import "errors"

var (
	ErrForbidden     = errors.New("forbidden")
	ErrAdminRequired = errors.New("admin_required")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

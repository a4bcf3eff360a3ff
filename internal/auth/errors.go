package auth

import "errors"

var (
	ErrNotFound            = errors.New("auth: not found")
	ErrEmailTaken          = errors.New("auth: email already in use")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrNoSession           = errors.New("auth: no valid session")
	ErrAccountDeactivated  = errors.New("auth: account is deactivated")
	ErrSelfAction          = errors.New("auth: operation not permitted on own account")
	ErrCannotManage        = errors.New("auth: insufficient role to manage account")
	ErrForbiddenTransition = errors.New("auth: role transition not allowed")
	ErrInvalidInput        = errors.New("auth: invalid input")
)

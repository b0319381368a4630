package auth

import "errors"

var (
	// ErrInvalidCredentials is returned by Login for an unknown email or a
	// wrong password. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenInvalid is returned for malformed, expired or forged tokens.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrTicketInvalid is returned for unknown, expired or reused tickets.
	ErrTicketInvalid = errors.New("auth: invalid ticket")
)

package accounts

import "errors"

// Repository errors.
var (
	ErrAccountNotFound = errors.New("account not found")
)

package service

import "errors"

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrServerNotFound    = errors.New("server not found")
	ErrBillNotFound      = errors.New("bill not found")
	ErrAccessDenied      = errors.New("access denied")
	// ErrProvider wraps every failure of the VPN or payment collaborator.
	ErrProvider = errors.New("external provider error")
)

package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrNameTaken       = errors.New("name already in use")
	ErrAccountDisabled = errors.New("account is disabled")
)

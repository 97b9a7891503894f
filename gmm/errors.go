package gmm

import "github.com/pkg/errors"

var (
	// ErrAlreadyInitialized is returned when a client makes its initial reservation twice
	ErrAlreadyInitialized = errors.New("gmm: initial reservation already made")
	// ErrNotInitialized is returned when a client updates a reservation it never made
	ErrNotInitialized = errors.New("gmm: no initial reservation")
	// ErrClientExists is returned when a VM name is registered twice
	ErrClientExists = errors.New("gmm: VM already registered")
	// ErrClientGone is returned for calls on a deregistered client
	ErrClientGone = errors.New("gmm: client deregistered")
)

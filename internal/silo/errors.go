package silo

import (
	"errors"
	"fmt"
)

type ServerError struct {
	StatusCode int
}

func (se ServerError) Error() string {
	return fmt.Sprintf("error from silo: %d", se.StatusCode)
}

var (
	// ErrDisableSource is the silo's explicit signal that the account
	// revoked our authorization and polling should stop for good.
	ErrDisableSource = errors.New("silo requested source disable")
	// ErrUnauthorized .
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTimeout .
	ErrTimeout = errors.New("timeout")
	// ErrRateLimited .
	ErrRateLimited = errors.New("rate limited")
	// ErrRequiresSourceKey .
	ErrRequiresSourceKey = errors.New("requires a source key")
)

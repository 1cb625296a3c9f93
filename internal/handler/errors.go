package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

var (
	ErrTimeout         = errors.New("request timed out")
	ErrBadResponse     = errors.New("bad response")
	ErrNoSecurityToken = errors.New("no security token in response")
	ErrNoCollision     = errors.New("no node answered with the local id")
	ErrNotFound        = errors.New("not found")
	ErrCancelled       = errors.New("operation cancelled")
	ErrNoTargets       = errors.New("nothing to contact")
)

type TimeoutError struct {
	Handle  message.RequestHandle
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Handle, e.Elapsed)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// NoSuchNodeError ends a node lookup that found nobody.
type NoSuchNodeError struct {
	State State
}

func (e *NoSuchNodeError) Error() string {
	return fmt.Sprintf("no node found for %s after %d queries", e.State.Key.Short(), e.State.Queried)
}

func (e *NoSuchNodeError) Unwrap() error { return ErrNotFound }

// NoSuchValueError ends a value lookup that found no value.
type NoSuchValueError struct {
	State State
}

func (e *NoSuchValueError) Error() string {
	return fmt.Sprintf("no value found for %s after %d queries", e.State.Key.Short(), e.State.Queried)
}

func (e *NoSuchValueError) Unwrap() error { return ErrNotFound }

func badResponse(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadResponse, fmt.Sprintf(format, args...))
}

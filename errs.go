package docmap

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrMapping              = errors.New("mapping error")
	ErrDecode               = errors.New("decode error")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrConflictingOperation = errors.New("conflicting update operation")
	ErrNonUniqueResult      = errors.New("non unique result")
	ErrNoResult             = errors.New("no result")
	ErrStore                = errors.New("store error")

	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrKeyNotFound      = errors.New("key not found")
)

// DecodeError reports a raw document value that cannot populate the target type.
type DecodeError struct {
	Type  reflect.Type
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Type != nil {
		return fmt.Sprintf("%s: %s.%s: %v", ErrDecode, e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// StoreError wraps a failure surfaced by the underlying store.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrStore, e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func mappingErrf(t reflect.Type, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMapping, t, fmt.Sprintf(format, args...))
}

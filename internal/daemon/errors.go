package daemon

import (
	"errors"
	"fmt"
)

// Error kinds. Every operation failure maps to exactly one kind; the API
// layer uses the kind to pick a status code and the message is rendered
// to the user as-is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("resource conflict")
	ErrInsufficient     = errors.New("insufficient resource")
	ErrBackend          = errors.New("backend failure")
	ErrNotFound         = errors.New("not found")
	ErrNotImplemented   = errors.New("not implemented")
	ErrPersistenceWrite = errors.New("cannot write instance database")
)

type opError struct {
	kind error
	msg  string
}

func (e *opError) Error() string { return e.msg }
func (e *opError) Unwrap() error { return e.kind }

func errorf(kind error, format string, args ...any) error {
	return &opError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func nameAlreadyInUse(name string) error {
	return errorf(ErrConflict, "instance %q already exists", name)
}

func repeatedMAC(mac string) error {
	return errorf(ErrConflict, "Repeated MAC address %s", mac)
}

func instanceNotFound(name string) error {
	return errorf(ErrNotFound, "instance %q does not exist", name)
}
